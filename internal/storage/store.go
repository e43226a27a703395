package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"pricetrack/internal/config"
)

var (
	// ErrNotConfigured indicates the backing pool or database handle was
	// not initialised.
	ErrNotConfigured = errors.New("storage: not configured")
	// ErrUnavailable indicates persistence cannot be reached at all. The
	// coordinator treats it as fatal for the whole batch.
	ErrUnavailable = errors.New("storage: unavailable")
	// ErrInvariant indicates an append would break the per-product
	// sequence order. Fatal for that product, never retried.
	ErrInvariant = errors.New("storage: sequence invariant violated")
)

// HistoryStore is the append-side interface over per-product price history.
type HistoryStore interface {
	// Append persists one record and echoes its sequence number.
	Append(ctx context.Context, rec HistoryRecord) (int64, error)
	// Latest returns the highest-sequence record, or nil when the product
	// has no history yet.
	Latest(ctx context.Context, productID string) (*HistoryRecord, error)
	// Window returns up to n records, most recent first.
	Window(ctx context.Context, productID string, n int) ([]HistoryRecord, error)
}

// ChangeStore persists classified transitions.
type ChangeStore interface {
	AppendChange(ctx context.Context, rec ChangeRecord) error
}

// AlertStore persists fired alerts and answers cooldown lookups.
type AlertStore interface {
	AppendAlert(ctx context.Context, rec AlertRecord) error
	// LastFired returns the most recent trigger time for a (rule, product)
	// pair, or nil when the pair has never fired.
	LastFired(ctx context.Context, ruleID, productID string) (*time.Time, error)
}

// Reader serves the query side: show, export, and stats commands.
type Reader interface {
	HistoryRange(ctx context.Context, productID string, from, to time.Time, limit int) ([]HistoryRecord, error)
	RecentChanges(ctx context.Context, productID string, limit int) ([]ChangeRecord, error)
	RecentAlerts(ctx context.Context, productID string, limit int) ([]AlertRecord, error)
	ProductStats(ctx context.Context, productID string) (*ProductStats, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Pinger reports whether persistence is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store is the full surface an adapter provides.
type Store interface {
	HistoryStore
	ChangeStore
	AlertStore
	Reader
	Pinger
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}
