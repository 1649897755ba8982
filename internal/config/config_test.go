package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Queue.DefaultClaimLimit)
	assert.Equal(t, 100, cfg.Queue.MaxClaimLimit)
	assert.Equal(t, 3, cfg.Intake.MaxAttempts)
	assert.Equal(t, 50, cfg.Intake.MaxPerBatch)
	assert.InDelta(t, 24, cfg.Monitor.DefaultIntervalHours, 0.001)
	assert.Equal(t, "python", cfg.Relay.WorkerClientTag)
	assert.True(t, cfg.Logging.Development)
	assert.Empty(t, cfg.DB.DSN)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SCOUT_SERVER_PORT", "9090")
	t.Setenv("SCOUT_RELAY_WORKER_CLIENT_TAG", "rust")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "rust", cfg.Relay.WorkerClientTag)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }},
		{"zero claim limit", func(c *Config) { c.Queue.DefaultClaimLimit = 0 }},
		{"max below default", func(c *Config) { c.Queue.MaxClaimLimit = 1 }},
		{"zero attempts", func(c *Config) { c.Intake.MaxAttempts = 0 }},
		{"zero chunk", func(c *Config) { c.Intake.ClaimChunk = 0 }},
		{"zero interval", func(c *Config) { c.Monitor.DefaultIntervalHours = 0 }},
		{"zero heartbeat", func(c *Config) { c.Relay.HeartbeatTimeoutSec = 0 }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()

	cfg := Config{
		DB:      DBConfig{ConnLifetime: 30},
		Intake:  IntakeConfig{BackoffBaseSec: 30, BackoffMaxSec: 900},
		Monitor: MonitorConfig{DefaultIntervalHours: 1.5, CheckTimeoutSec: 30},
		Relay:   RelayConfig{HeartbeatTimeoutSec: 90},
	}
	base, max := cfg.IntakeBackoff()
	assert.Equal(t, 30*time.Second, base)
	assert.Equal(t, 15*time.Minute, max)
	assert.Equal(t, 90*time.Minute, cfg.MonitorInterval())
	assert.Equal(t, 30*time.Second, cfg.CheckTimeout())
	assert.Equal(t, 90*time.Second, cfg.HeartbeatTimeout())
	assert.Equal(t, 30*time.Minute, cfg.ConnLifetime())
}
