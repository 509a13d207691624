// Package db provides the PostgreSQL implementation of the pipeline state store.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonathan/creator-pipeline/internal/store"
	"github.com/jonboulle/clockwork"
)

//go:embed schema.sql
var schemaSQL string

// Options tunes a DB beyond its connection string.
type Options struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	// PollInterval is how often watchers re-read a run. Defaults to one second.
	PollInterval time.Duration
}

// DB wraps a PostgreSQL connection pool
type DB struct {
	pool         *pgxpool.Pool
	log          *slog.Logger
	clock        clockwork.Clock
	pollInterval time.Duration
}

var _ store.Store = (*DB)(nil)

// Connect establishes a connection pool to the database
func Connect(ctx context.Context, databaseURL string, opts Options) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	return &DB{
		pool:         pool,
		log:          opts.Logger,
		clock:        opts.Clock,
		pollInterval: opts.PollInterval,
	}, nil
}

// Migrate creates the tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (db *DB) Close() error {
	if db.pool != nil {
		db.pool.Close()
	}
	return nil
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *DB) now() time.Time {
	return db.clock.Now().UTC()
}
