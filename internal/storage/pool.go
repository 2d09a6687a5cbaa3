// Package storage provides the PostgreSQL storage layer for kiroku.
//
// It manages connection pooling (via pgxpool), a dedicated connection for
// LISTEN/NOTIFY, the append-only event log, and the run, step, signal,
// artifact and project tables. Every state change is written in the same
// transaction as the event that narrates it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// DB wraps a pgxpool.Pool for normal queries and a dedicated pgx.Conn for
// LISTEN/NOTIFY (direct to Postgres, never through a transaction pooler).
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	// notifyMu serializes use of notifyConn, which is redialed from
	// notifyDSN after it drops.
	notifyMu   sync.Mutex
	notifyConn *pgx.Conn
	notifyDSN  string
}

// PoolOption tunes the connection pool.
type PoolOption func(*pgxpool.Config)

// WithApplicationName sets application_name so pg_stat_activity shows which
// kiroku role holds a connection.
func WithApplicationName(name string) PoolOption {
	return func(c *pgxpool.Config) { c.ConnConfig.RuntimeParams["application_name"] = name }
}

// WithMaxConns caps the pool. Zero keeps the pgxpool default.
func WithMaxConns(n int32) PoolOption {
	return func(c *pgxpool.Config) {
		if n > 0 {
			c.MaxConns = n
		}
	}
}

// New opens the pool and, when notifyDSN is set, the LISTEN connection.
// notifyDSN must reach Postgres directly: LISTEN does not survive a
// transaction-mode pooler. Without it, live streams rely on polling.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger, opts ...PoolOption) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "kiroku"
	for _, o := range opts {
		o(cfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	db := &DB{pool: pool, logger: logger, notifyDSN: notifyDSN}
	if notifyDSN == "" {
		return db, nil
	}
	if db.notifyConn, err = pgx.Connect(ctx, notifyDSN); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: connect notify: %w", err)
	}
	return db, nil
}

// Kind identifies the backend in health output.
func (db *DB) Kind() string { return "postgres" }

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// HasNotifyConn reports whether LISTEN/NOTIFY is available.
func (db *DB) HasNotifyConn() bool {
	return db.notifyDSN != ""
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// RegisterPoolMetrics publishes pool occupancy and acquire pressure.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("kiroku/storage")
	conns, err1 := meter.Int64ObservableGauge("kiroku.db.pool.conns",
		metric.WithDescription("Pool connections by state (acquired, idle, constructing)"))
	waits, err2 := meter.Int64ObservableCounter("kiroku.db.pool.empty_acquires",
		metric.WithDescription("Acquires that had to wait for a free connection"))
	if err := errors.Join(err1, err2); err != nil {
		db.logger.Warn("storage: create pool instruments", "error", err)
		return
	}
	acquired := metric.WithAttributes(attribute.String("state", "acquired"))
	idle := metric.WithAttributes(attribute.String("state", "idle"))
	constructing := metric.WithAttributes(attribute.String("state", "constructing"))

	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := db.pool.Stat()
		o.ObserveInt64(conns, int64(st.AcquiredConns()), acquired)
		o.ObserveInt64(conns, int64(st.IdleConns()), idle)
		o.ObserveInt64(conns, int64(st.ConstructingConns()), constructing)
		o.ObserveInt64(waits, st.EmptyAcquireCount())
		return nil
	}, conns, waits)
	if err != nil {
		db.logger.Warn("storage: register pool metrics", "error", err)
	}
}

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	// A listener blocked in NextEventNotice holds notifyMu until its
	// context ends; the caller cancels that before closing.
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyConn != nil && !db.notifyConn.IsClosed() {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}
