// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	DB      DBConfig      `mapstructure:"db"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Intake  IntakeConfig  `mapstructure:"intake"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory
// stores (development mode).
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxConns     int32  `mapstructure:"max_conns"`
	MinConns     int32  `mapstructure:"min_conns"`
	ConnLifetime int    `mapstructure:"conn_lifetime_minutes"`
}

// QueueConfig governs claim behavior for polling clients.
type QueueConfig struct {
	DefaultClaimLimit int `mapstructure:"default_claim_limit"`
	MaxClaimLimit     int `mapstructure:"max_claim_limit"`
}

// IntakeConfig governs the batch runner.
type IntakeConfig struct {
	MaxAttempts    int `mapstructure:"max_attempts"`
	ClaimChunk     int `mapstructure:"claim_chunk"`
	MaxPerBatch    int `mapstructure:"max_per_batch"`
	BackoffBaseSec int `mapstructure:"backoff_base_seconds"`
	BackoffMaxSec  int `mapstructure:"backoff_max_seconds"`
}

// MonitorConfig governs recurring posting checks.
type MonitorConfig struct {
	DefaultIntervalHours float64 `mapstructure:"default_interval_hours"`
	CheckTimeoutSec      int     `mapstructure:"check_timeout_seconds"`
}

// RelayConfig governs the worker liveness channel.
type RelayConfig struct {
	WorkerClientTag     string `mapstructure:"worker_client_tag"`
	HeartbeatTimeoutSec int    `mapstructure:"heartbeat_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment. A .env file in the working
// directory is applied first when present.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("SCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("queue.default_claim_limit", 10)
	v.SetDefault("queue.max_claim_limit", 100)
	v.SetDefault("intake.max_attempts", 3)
	v.SetDefault("intake.claim_chunk", 10)
	v.SetDefault("intake.max_per_batch", 50)
	v.SetDefault("intake.backoff_base_seconds", 30)
	v.SetDefault("intake.backoff_max_seconds", 900)
	v.SetDefault("monitor.default_interval_hours", 24)
	v.SetDefault("monitor.check_timeout_seconds", 30)
	v.SetDefault("relay.worker_client_tag", "python")
	v.SetDefault("relay.heartbeat_timeout_seconds", 90)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Queue.DefaultClaimLimit <= 0 {
		return fmt.Errorf("queue.default_claim_limit must be > 0")
	}
	if c.Queue.MaxClaimLimit < c.Queue.DefaultClaimLimit {
		return fmt.Errorf("queue.max_claim_limit must be >= queue.default_claim_limit")
	}
	if c.Intake.MaxAttempts <= 0 {
		return fmt.Errorf("intake.max_attempts must be > 0")
	}
	if c.Intake.ClaimChunk <= 0 {
		return fmt.Errorf("intake.claim_chunk must be > 0")
	}
	if c.Monitor.DefaultIntervalHours <= 0 {
		return fmt.Errorf("monitor.default_interval_hours must be > 0")
	}
	if c.Relay.HeartbeatTimeoutSec <= 0 {
		return fmt.Errorf("relay.heartbeat_timeout_seconds must be > 0")
	}
	return nil
}

// IntakeBackoff converts the intake backoff knobs into durations.
func (c Config) IntakeBackoff() (base, max time.Duration) {
	return time.Duration(c.Intake.BackoffBaseSec) * time.Second,
		time.Duration(c.Intake.BackoffMaxSec) * time.Second
}

// MonitorInterval converts the default monitor interval into a duration.
func (c Config) MonitorInterval() time.Duration {
	return time.Duration(c.Monitor.DefaultIntervalHours * float64(time.Hour))
}

// CheckTimeout converts the monitor probe timeout into a duration.
func (c Config) CheckTimeout() time.Duration {
	return time.Duration(c.Monitor.CheckTimeoutSec) * time.Second
}

// HeartbeatTimeout converts the relay liveness window into a duration.
func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Relay.HeartbeatTimeoutSec) * time.Second
}

// ConnLifetime converts the pool connection lifetime into a duration.
func (c Config) ConnLifetime() time.Duration {
	return time.Duration(c.DB.ConnLifetime) * time.Minute
}
