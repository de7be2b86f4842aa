// Package storage provides the PostgreSQL storage layer for Regent.
//
// It manages connection pooling via pgxpool, a forward-only migration
// runner, and query methods for every governed entity: job definitions and
// executions, the dead-letter queue, Tower runs with their append-only step
// events, tickets, gate decisions, and the autonomy audit log. State
// transitions are conditional ("UPDATE … WHERE status = $n") so racing
// actors surface ErrConcurrentModification instead of silently clobbering
// each other.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// DB wraps a pgxpool.Pool for all queries.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a new DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
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

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// RegisterPoolMetrics exposes pgxpool statistics as OTEL observable gauges.
// Call after telemetry.Init so the meter provider is live.
func (db *DB) RegisterPoolMetrics() {
	meter := otel.Meter("regent/storage")

	total, err1 := meter.Int64ObservableGauge("db.pool.connections.total")
	idle, err2 := meter.Int64ObservableGauge("db.pool.connections.idle")
	acquired, err3 := meter.Int64ObservableGauge("db.pool.connections.acquired")
	if err1 != nil || err2 != nil || err3 != nil {
		db.logger.Warn("storage: pool metric registration failed")
		return
	}

	_, err := meter.RegisterCallback(func(_ context.Context, o otelmetric.Observer) error {
		stat := db.pool.Stat()
		o.ObserveInt64(total, int64(stat.TotalConns()))
		o.ObserveInt64(idle, int64(stat.IdleConns()))
		o.ObserveInt64(acquired, int64(stat.AcquiredConns()))
		return nil
	}, total, idle, acquired)
	if err != nil {
		db.logger.Warn("storage: pool metric callback registration failed", "error", err)
	}
}
