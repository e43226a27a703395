package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var pgSchemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS price_history (
        product_id   TEXT        NOT NULL,
        sequence     BIGINT      NOT NULL,
        observed_at  TIMESTAMPTZ NOT NULL,
        price        NUMERIC     NOT NULL,
        currency     TEXT        NOT NULL DEFAULT '',
        availability TEXT        NOT NULL DEFAULT '',
        source       TEXT        NOT NULL DEFAULT '',
        batch_id     TEXT        NOT NULL DEFAULT '',
        ingested_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (product_id, sequence)
    );`,
	`CREATE INDEX IF NOT EXISTS idx_price_history_observed
        ON price_history (product_id, observed_at);`,
	`CREATE TABLE IF NOT EXISTS price_changes (
        id             TEXT PRIMARY KEY,
        product_id     TEXT NOT NULL,
        from_sequence  BIGINT,
        to_sequence    BIGINT NOT NULL,
        kind           TEXT NOT NULL,
        price_from     NUMERIC NOT NULL,
        price_to       NUMERIC NOT NULL,
        delta_abs      NUMERIC NOT NULL,
        delta_pct      NUMERIC,
        low_confidence BOOLEAN NOT NULL DEFAULT FALSE,
        changed_at     TIMESTAMPTZ NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS idx_price_changes_product
        ON price_changes (product_id, to_sequence);`,
	`CREATE TABLE IF NOT EXISTS alerts (
        id               TEXT PRIMARY KEY,
        product_id       TEXT NOT NULL,
        rule_id          TEXT NOT NULL,
        rule_name        TEXT NOT NULL DEFAULT '',
        triggered_at     TIMESTAMPTZ NOT NULL,
        change_id        TEXT NOT NULL DEFAULT '',
        message          TEXT NOT NULL DEFAULT '',
        price_at_trigger NUMERIC NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_rule_product
        ON alerts (rule_id, product_id, triggered_at DESC);`,
}

const (
	pgInsertHistorySQL = `INSERT INTO price_history (
        product_id,
        sequence,
        observed_at,
        price,
        currency,
        availability,
        source,
        batch_id,
        ingested_at
    )
    SELECT $1,$2,$3,$4,$5,$6,$7,$8,$9
    WHERE (SELECT COALESCE(MAX(sequence), 0)
           FROM price_history WHERE product_id = $1) = $2 - 1
    RETURNING sequence;`

	pgHistoryColumns = `product_id, sequence, observed_at, price, currency,
        availability, source, batch_id, ingested_at`

	pgLatestHistorySQL = `SELECT ` + pgHistoryColumns + `
    FROM price_history
    WHERE product_id = $1
    ORDER BY sequence DESC
    LIMIT 1;`

	pgWindowHistorySQL = `SELECT ` + pgHistoryColumns + `
    FROM price_history
    WHERE product_id = $1
    ORDER BY sequence DESC
    LIMIT $2;`

	pgHistoryRangeSQL = `SELECT ` + pgHistoryColumns + `
    FROM price_history
    WHERE product_id = $1
      AND ($2::timestamptz IS NULL OR observed_at >= $2)
      AND ($3::timestamptz IS NULL OR observed_at < $3)
    ORDER BY sequence
    LIMIT NULLIF($4::bigint, 0);`

	pgInsertChangeSQL = `INSERT INTO price_changes (
        id,
        product_id,
        from_sequence,
        to_sequence,
        kind,
        price_from,
        price_to,
        delta_abs,
        delta_pct,
        low_confidence,
        changed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    );`

	pgChangeColumns = `id, product_id, from_sequence, to_sequence, kind,
        price_from, price_to, delta_abs, delta_pct, low_confidence, changed_at`

	pgRecentChangesSQL = `SELECT ` + pgChangeColumns + `
    FROM price_changes
    WHERE ($1 = '' OR product_id = $1)
    ORDER BY changed_at DESC, to_sequence DESC
    LIMIT $2::bigint;`

	pgInsertAlertSQL = `INSERT INTO alerts (
        id,
        product_id,
        rule_id,
        rule_name,
        triggered_at,
        change_id,
        message,
        price_at_trigger
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    );`

	pgRecentAlertsSQL = `SELECT id, product_id, rule_id, rule_name, triggered_at,
        change_id, message, price_at_trigger
    FROM alerts
    WHERE ($1 = '' OR product_id = $1)
    ORDER BY triggered_at DESC
    LIMIT $2::bigint;`

	pgLastFiredSQL = `SELECT MAX(triggered_at)
    FROM alerts
    WHERE rule_id = $1
      AND product_id = $2;`

	pgStatsSQL = `SELECT
        (SELECT COUNT(DISTINCT product_id) FROM price_history),
        (SELECT COUNT(*) FROM price_history),
        (SELECT COUNT(*) FROM price_changes),
        (SELECT COUNT(*) FROM alerts);`
)

// Postgres persists history, changes, and alerts through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wires a pgx pool into a store adapter.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Postgres) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Postgres) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the tables and indexes when missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range pgSchemaStatements {
		if _, execErr := pool.Exec(ctx, stmt); execErr != nil {
			return fmt.Errorf("ensure schema: %w", execErr)
		}
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Postgres) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if pingErr := pool.Ping(ctx); pingErr != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, pingErr)
	}
	return nil
}

// Append persists one history record and echoes its sequence.
func (s *Postgres) Append(ctx context.Context, rec HistoryRecord) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if rec.IngestedAt.IsZero() {
		rec.IngestedAt = time.Now().UTC()
	}

	var sequence int64
	scanErr := pool.QueryRow(ctx, pgInsertHistorySQL,
		rec.ProductID,
		rec.Sequence,
		rec.ObservedAt,
		rec.Price.String(),
		rec.Currency,
		rec.Availability,
		rec.Source,
		rec.BatchID,
		rec.IngestedAt,
	).Scan(&sequence)
	if scanErr != nil {
		// No row back means the sequence is not exactly last+1. A unique
		// violation covers the race where two writers pass the guard.
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return 0, fmt.Errorf("append %s seq %d: %w", rec.ProductID, rec.Sequence, ErrInvariant)
		}
		var pgErr *pgconn.PgError
		if errors.As(scanErr, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("append %s seq %d: %w", rec.ProductID, rec.Sequence, ErrInvariant)
		}
		return 0, fmt.Errorf("append history: %w", scanErr)
	}
	return sequence, nil
}

// Latest returns the highest-sequence record for a product, nil when none.
func (s *Postgres) Latest(ctx context.Context, productID string) (*HistoryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, pgLatestHistorySQL, productID)
	if queryErr != nil {
		return nil, fmt.Errorf("latest history: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return nil, rows.Err()
		}
		return nil, nil
	}
	rec, scanErr := scanPGHistory(rows)
	if scanErr != nil {
		return nil, scanErr
	}
	return &rec, nil
}

// Window returns up to n records, most recent first.
func (s *Postgres) Window(ctx context.Context, productID string, n int) ([]HistoryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, pgWindowHistorySQL, productID, n)
	if queryErr != nil {
		return nil, fmt.Errorf("window history: %w", queryErr)
	}
	defer rows.Close()

	return collectPGHistory(rows, n)
}

// HistoryRange lists records for a product ordered by sequence; zero times
// leave that bound open and limit 0 means unbounded.
func (s *Postgres) HistoryRange(ctx context.Context, productID string, from, to time.Time, limit int) ([]HistoryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var fromArg, toArg any
	if !from.IsZero() {
		fromArg = from
	}
	if !to.IsZero() {
		toArg = to
	}

	rows, queryErr := pool.Query(ctx, pgHistoryRangeSQL, productID, fromArg, toArg, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("history range: %w", queryErr)
	}
	defer rows.Close()

	return collectPGHistory(rows, 0)
}

// AppendChange persists a classified transition.
func (s *Postgres) AppendChange(ctx context.Context, rec ChangeRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var fromSeq any
	if rec.FromSequence != nil {
		fromSeq = *rec.FromSequence
	}
	var deltaPct any
	if rec.DeltaPct != nil {
		deltaPct = rec.DeltaPct.String()
	}

	if _, execErr := pool.Exec(ctx, pgInsertChangeSQL,
		rec.ID,
		rec.ProductID,
		fromSeq,
		rec.ToSequence,
		string(rec.Kind),
		rec.PriceFrom.String(),
		rec.PriceTo.String(),
		rec.DeltaAbs.String(),
		deltaPct,
		rec.LowConfidence,
		rec.ChangedAt,
	); execErr != nil {
		return fmt.Errorf("append change: %w", execErr)
	}
	return nil
}

// RecentChanges lists changes most recent first; empty productID lists all.
func (s *Postgres) RecentChanges(ctx context.Context, productID string, limit int) ([]ChangeRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var sqlLimit any
	if limit > 0 {
		sqlLimit = limit
	}

	rows, queryErr := pool.Query(ctx, pgRecentChangesSQL, productID, sqlLimit)
	if queryErr != nil {
		return nil, fmt.Errorf("recent changes: %w", queryErr)
	}
	defer rows.Close()

	changes := make([]ChangeRecord, 0, max(limit, 0))
	for rows.Next() {
		rec, scanErr := scanPGChange(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		changes = append(changes, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return changes, nil
}

// AppendAlert persists a fired alert.
func (s *Postgres) AppendAlert(ctx context.Context, rec AlertRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, pgInsertAlertSQL,
		rec.ID,
		rec.ProductID,
		rec.RuleID,
		rec.RuleName,
		rec.TriggeredAt,
		rec.ChangeID,
		rec.Message,
		rec.PriceAtTrigger.String(),
	); execErr != nil {
		return fmt.Errorf("append alert: %w", execErr)
	}
	return nil
}

// RecentAlerts lists alerts most recent first; empty productID lists all.
func (s *Postgres) RecentAlerts(ctx context.Context, productID string, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var sqlLimit any
	if limit > 0 {
		sqlLimit = limit
	}

	rows, queryErr := pool.Query(ctx, pgRecentAlertsSQL, productID, sqlLimit)
	if queryErr != nil {
		return nil, fmt.Errorf("recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, max(limit, 0))
	for rows.Next() {
		rec, scanErr := scanPGAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// LastFired returns the most recent trigger time for a (rule, product) pair.
func (s *Postgres) LastFired(ctx context.Context, ruleID, productID string) (*time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var fired sql.NullTime
	if scanErr := pool.QueryRow(ctx, pgLastFiredSQL, ruleID, productID).Scan(&fired); scanErr != nil {
		return nil, fmt.Errorf("last fired: %w", scanErr)
	}
	if !fired.Valid {
		return nil, nil
	}
	ts := fired.Time
	return &ts, nil
}

// ProductStats aggregates one product's history.
func (s *Postgres) ProductStats(ctx context.Context, productID string) (*ProductStats, error) {
	records, err := s.HistoryRange(ctx, productID, time.Time{}, time.Time{}, 0)
	if err != nil {
		return nil, err
	}
	return ComputeProductStats(productID, records), nil
}

// Stats summarises the whole store.
func (s *Postgres) Stats(ctx context.Context) (*Stats, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var stats Stats
	if scanErr := pool.QueryRow(ctx, pgStatsSQL).Scan(
		&stats.Products,
		&stats.Records,
		&stats.Changes,
		&stats.Alerts,
	); scanErr != nil {
		return nil, fmt.Errorf("stats: %w", scanErr)
	}
	return &stats, nil
}

func collectPGHistory(rows pgx.Rows, sizeHint int) ([]HistoryRecord, error) {
	records := make([]HistoryRecord, 0, sizeHint)
	for rows.Next() {
		rec, scanErr := scanPGHistory(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanPGHistory(rows pgx.Rows) (HistoryRecord, error) {
	var (
		rec      HistoryRecord
		priceStr string
	)
	if err := rows.Scan(
		&rec.ProductID,
		&rec.Sequence,
		&rec.ObservedAt,
		&priceStr,
		&rec.Currency,
		&rec.Availability,
		&rec.Source,
		&rec.BatchID,
		&rec.IngestedAt,
	); err != nil {
		return HistoryRecord{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return HistoryRecord{}, fmt.Errorf("parse price: %w", err)
	}
	rec.Price = price
	return rec, nil
}

func scanPGChange(rows pgx.Rows) (ChangeRecord, error) {
	var (
		rec       ChangeRecord
		kind      string
		fromSeq   sql.NullInt64
		fromStr   string
		toStr     string
		deltaStr  string
		deltaPct  sql.NullString
		changedAt time.Time
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.ProductID,
		&fromSeq,
		&rec.ToSequence,
		&kind,
		&fromStr,
		&toStr,
		&deltaStr,
		&deltaPct,
		&rec.LowConfidence,
		&changedAt,
	); err != nil {
		return ChangeRecord{}, err
	}

	rec.Kind = ChangeKind(kind)
	rec.ChangedAt = changedAt
	if fromSeq.Valid {
		value := fromSeq.Int64
		rec.FromSequence = &value
	}

	var convErr error
	rec.PriceFrom, convErr = decimal.NewFromString(fromStr)
	if convErr != nil {
		return ChangeRecord{}, fmt.Errorf("parse price_from: %w", convErr)
	}
	rec.PriceTo, convErr = decimal.NewFromString(toStr)
	if convErr != nil {
		return ChangeRecord{}, fmt.Errorf("parse price_to: %w", convErr)
	}
	rec.DeltaAbs, convErr = decimal.NewFromString(deltaStr)
	if convErr != nil {
		return ChangeRecord{}, fmt.Errorf("parse delta_abs: %w", convErr)
	}
	if deltaPct.Valid {
		pct, pctErr := decimal.NewFromString(deltaPct.String)
		if pctErr != nil {
			return ChangeRecord{}, fmt.Errorf("parse delta_pct: %w", pctErr)
		}
		rec.DeltaPct = &pct
	}
	return rec, nil
}

func scanPGAlert(rows pgx.Rows) (AlertRecord, error) {
	var (
		rec      AlertRecord
		priceStr string
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.ProductID,
		&rec.RuleID,
		&rec.RuleName,
		&rec.TriggeredAt,
		&rec.ChangeID,
		&rec.Message,
		&priceStr,
	); err != nil {
		return AlertRecord{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("parse price_at_trigger: %w", err)
	}
	rec.PriceAtTrigger = price
	return rec, nil
}

var _ Store = (*Postgres)(nil)
