// Package store is the Postgres persistence layer for the trapline core:
// raw events, dead letters, session summaries, the IP/ASN inventory, the L2
// enrichment cache rows and ingest cursors.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

const (
	defaultMaxConns        = 10
	defaultMinConns        = 2
	defaultConnectTimeout  = 5 * time.Second
	defaultMaxConnLifetime = time.Hour
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	URL string

	// Optional with defaults.
	MaxConns int32
	MinConns int32
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.URL == "" {
		return errors.New("database URL is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxConns == 0 {
		c.MaxConns = defaultMaxConns
	}
	if c.MinConns == 0 {
		c.MinConns = defaultMinConns
	}
	return nil
}

// Store wraps a pgx pool with the repositories the core components use.
type Store struct {
	log   *slog.Logger
	clock clockwork.Clock
	pool  *pgxpool.Pool
}

// Connect opens the pool, pings it, and runs pending migrations. A store
// that cannot be opened is a fatal configuration error for every binary, so
// this returns an error rather than degrading.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate store config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = defaultMaxConnLifetime

	connectCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{log: cfg.Logger, clock: cfg.Clock, pool: pool}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for integration tests.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }
