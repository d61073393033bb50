// Package storage persists coaching sessions, usage counters, knowledge
// chunks and uploaded videos.
//
// Three backends implement the same interfaces: Postgres through pgxpool
// (the production path, with pgvector for knowledge search), SQLite via
// modernc.org/sqlite for single-node deployments, and an in-memory store
// for development and tests.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/swimcoach/internal/telemetry"
)

// DB is the Postgres backend.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects to Postgres and verifies the connection.
func New(ctx context.Context, dsn string, maxConns int32, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	// Register pgvector types on each new connection. Before the first
	// migration has created the extension this fails; later connections
	// pick it up.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Backend names the storage implementation.
func (db *DB) Backend() string { return "postgres" }

// Close shuts down the connection pool.
func (db *DB) Close(_ context.Context) error {
	db.pool.Close()
	return nil
}

// RegisterPoolMetrics exposes pool occupancy as OTEL gauges. Call it after
// telemetry.Init so the global meter provider is in place.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("swimcoach/storage")

	_, _ = meter.Int64ObservableGauge("swimcoach.db.pool.acquired",
		metric.WithDescription("Connections currently checked out of the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().AcquiredConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("swimcoach.db.pool.total",
		metric.WithDescription("Open connections in the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().TotalConns()))
			return nil
		}),
	)
}
