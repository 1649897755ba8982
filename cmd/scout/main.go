// Package main wires together the scout service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hacolby/scout/internal/api"
	"github.com/hacolby/scout/internal/clock/system"
	"github.com/hacolby/scout/internal/config"
	"github.com/hacolby/scout/internal/hash/sha256"
	"github.com/hacolby/scout/internal/id/uuid"
	ingestMemory "github.com/hacolby/scout/internal/ingest/memory"
	"github.com/hacolby/scout/internal/intake"
	"github.com/hacolby/scout/internal/logging"
	"github.com/hacolby/scout/internal/metrics"
	"github.com/hacolby/scout/internal/monitor"
	collyprobe "github.com/hacolby/scout/internal/probe/colly"
	queueMemory "github.com/hacolby/scout/internal/queue/memory"
	queuePostgres "github.com/hacolby/scout/internal/queue/postgres"
	"github.com/hacolby/scout/internal/relay"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	stores, cleanup, err := buildStores(ctx, cfg, idGen, clock, logger)
	if err != nil {
		logger.Error("store init failed", zap.Error(err))
		os.Exit(1)
	}
	defer cleanup()

	ingestor := ingestMemory.New(stores.Postings, hasher, logger.Named("ingest"))
	base, max := cfg.IntakeBackoff()
	runner := intake.NewRunner(
		stores.Intake,
		ingestor,
		clock,
		intake.NewBackoff(base, max),
		intake.Config{
			MaxAttempts: cfg.Intake.MaxAttempts,
			ClaimChunk:  cfg.Intake.ClaimChunk,
		},
		logger.Named("intake"),
	)

	prober := collyprobe.New(collyprobe.Config{Timeout: cfg.CheckTimeout()})
	manager := monitor.NewManager(
		stores.Postings,
		prober,
		clock,
		monitor.Config{
			DefaultInterval: cfg.MonitorInterval(),
			CheckTimeout:    cfg.CheckTimeout(),
		},
		logger.Named("monitor"),
	)

	hub := relay.NewHub(clock, relay.Config{
		WorkerClientTag:  cfg.Relay.WorkerClientTag,
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
	}, logger.Named("relay"))

	apiServer := api.NewServer(stores, runner, manager, hub, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", zap.Error(err))
	}
	manager.Stop()
	hub.Close()
	logger.Info("shutdown complete")
}

// buildStores selects Postgres when a DSN is configured and falls back to
// the in-memory stores for development.
func buildStores(
	ctx context.Context,
	cfg config.Config,
	idGen *uuid.Generator,
	clock *system.Clock,
	logger *zap.Logger,
) (api.Stores, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Info("using in-memory stores")
		mem := queueMemory.NewStore(idGen, clock)
		return api.Stores{Queue: mem, Intake: mem, Postings: mem}, func() {}, nil
	}

	store, err := queuePostgres.NewStore(ctx, queuePostgres.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.ConnLifetime(),
	}, idGen, clock)
	if err != nil {
		return api.Stores{}, nil, fmt.Errorf("connect postgres: %w", err)
	}
	logger.Info("using postgres stores")
	return api.Stores{Queue: store, Intake: store, Postings: store}, store.Close, nil
}
