// Package postgres provides Postgres-backed persistence for the work queue,
// intake submissions, and monitored postings.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hacolby/scout/internal/scout"
)

// Config controls the Postgres connection pool shared by the stores.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements scout.WorkQueue, scout.IntakeStore, and
// scout.PostingStore on top of a pgx pool. Claim transitions are single
// conditional statements (UPDATE over a locked sub-select), so two
// concurrent claimers never receive the same row.
type Store struct {
	pool  dbPool
	idGen scout.IDGenerator
	clock scout.Clock
}

// NewStore connects a pool using the provided config.
func NewStore(ctx context.Context, cfg Config, idGen scout.IDGenerator, clock scout.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, idGen: idGen, clock: clock}, nil
}

// NewStoreWithPool constructs a Store from an existing pool (primarily for
// testing with pgxmock).
func NewStoreWithPool(pool dbPool, idGen scout.IDGenerator, clock scout.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool, idGen: idGen, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
