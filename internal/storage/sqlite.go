package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

var sqliteSchemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS price_history (
        product_id   TEXT    NOT NULL,
        sequence     INTEGER NOT NULL,
        observed_at  INTEGER NOT NULL,
        price        TEXT    NOT NULL,
        currency     TEXT    NOT NULL DEFAULT '',
        availability TEXT    NOT NULL DEFAULT '',
        source       TEXT    NOT NULL DEFAULT '',
        batch_id     TEXT    NOT NULL DEFAULT '',
        ingested_at  INTEGER NOT NULL,
        PRIMARY KEY (product_id, sequence)
    );`,
	`CREATE INDEX IF NOT EXISTS idx_price_history_observed
        ON price_history (product_id, observed_at);`,
	`CREATE TABLE IF NOT EXISTS price_changes (
        id             TEXT PRIMARY KEY,
        product_id     TEXT NOT NULL,
        from_sequence  INTEGER,
        to_sequence    INTEGER NOT NULL,
        kind           TEXT NOT NULL,
        price_from     TEXT NOT NULL,
        price_to       TEXT NOT NULL,
        delta_abs      TEXT NOT NULL,
        delta_pct      TEXT,
        low_confidence INTEGER NOT NULL DEFAULT 0,
        changed_at     INTEGER NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS idx_price_changes_product
        ON price_changes (product_id, to_sequence);`,
	`CREATE TABLE IF NOT EXISTS alerts (
        id               TEXT PRIMARY KEY,
        product_id       TEXT NOT NULL,
        rule_id          TEXT NOT NULL,
        rule_name        TEXT NOT NULL DEFAULT '',
        triggered_at     INTEGER NOT NULL,
        change_id        TEXT NOT NULL DEFAULT '',
        message          TEXT NOT NULL DEFAULT '',
        price_at_trigger TEXT NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_rule_product
        ON alerts (rule_id, product_id, triggered_at DESC);`,
}

const (
	sqliteInsertHistorySQL = `INSERT INTO price_history (
        product_id, sequence, observed_at, price, currency,
        availability, source, batch_id, ingested_at
    )
    SELECT ?,?,?,?,?,?,?,?,?
    WHERE (SELECT COALESCE(MAX(sequence), 0)
           FROM price_history WHERE product_id = ?) = ? - 1;`

	sqliteHistoryColumns = `product_id, sequence, observed_at, price, currency,
        availability, source, batch_id, ingested_at`

	sqliteLatestHistorySQL = `SELECT ` + sqliteHistoryColumns + `
    FROM price_history WHERE product_id = ?
    ORDER BY sequence DESC LIMIT 1;`

	sqliteWindowHistorySQL = `SELECT ` + sqliteHistoryColumns + `
    FROM price_history WHERE product_id = ?
    ORDER BY sequence DESC LIMIT ?;`

	sqliteHistoryRangeSQL = `SELECT ` + sqliteHistoryColumns + `
    FROM price_history
    WHERE product_id = ?
      AND (? = 0 OR observed_at >= ?)
      AND (? = 0 OR observed_at < ?)
    ORDER BY sequence
    LIMIT ?;`

	sqliteInsertChangeSQL = `INSERT INTO price_changes (
        id, product_id, from_sequence, to_sequence, kind, price_from,
        price_to, delta_abs, delta_pct, low_confidence, changed_at
    ) VALUES (?,?,?,?,?,?,?,?,?,?,?);`

	sqliteChangeColumns = `id, product_id, from_sequence, to_sequence, kind,
        price_from, price_to, delta_abs, delta_pct, low_confidence, changed_at`

	sqliteRecentChangesSQL = `SELECT ` + sqliteChangeColumns + `
    FROM price_changes
    WHERE (? = '' OR product_id = ?)
    ORDER BY changed_at DESC, to_sequence DESC
    LIMIT ?;`

	sqliteInsertAlertSQL = `INSERT INTO alerts (
        id, product_id, rule_id, rule_name, triggered_at,
        change_id, message, price_at_trigger
    ) VALUES (?,?,?,?,?,?,?,?);`

	sqliteRecentAlertsSQL = `SELECT id, product_id, rule_id, rule_name, triggered_at,
        change_id, message, price_at_trigger
    FROM alerts
    WHERE (? = '' OR product_id = ?)
    ORDER BY triggered_at DESC
    LIMIT ?;`

	sqliteLastFiredSQL = `SELECT MAX(triggered_at) FROM alerts
    WHERE rule_id = ? AND product_id = ?;`

	sqliteStatsSQL = `SELECT
        (SELECT COUNT(DISTINCT product_id) FROM price_history),
        (SELECT COUNT(*) FROM price_history),
        (SELECT COUNT(*) FROM price_changes),
        (SELECT COUNT(*) FROM alerts);`
)

// SQLite persists the same layout as Postgres in an embedded database.
// Timestamps are stored as unix nanoseconds, prices as decimal text.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) an embedded database with the
// WAL and busy-timeout pragmas that keep single-host use well behaved.
func OpenSQLite(path string, maxOpenConns int) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", execErr)
		}
	}

	return &SQLite{db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

func (s *SQLite) getDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// EnsureSchema creates the tables and indexes when missing.
func (s *SQLite) EnsureSchema(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	for _, stmt := range sqliteSchemaStatements {
		if _, execErr := db.ExecContext(ctx, stmt); execErr != nil {
			return fmt.Errorf("ensure schema: %w", execErr)
		}
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if pingErr := db.PingContext(ctx); pingErr != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, pingErr)
	}
	return nil
}

// Append persists one history record and echoes its sequence.
func (s *SQLite) Append(ctx context.Context, rec HistoryRecord) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	if rec.IngestedAt.IsZero() {
		rec.IngestedAt = time.Now().UTC()
	}

	res, execErr := db.ExecContext(ctx, sqliteInsertHistorySQL,
		rec.ProductID,
		rec.Sequence,
		rec.ObservedAt.UnixNano(),
		rec.Price.String(),
		rec.Currency,
		rec.Availability,
		rec.Source,
		rec.BatchID,
		rec.IngestedAt.UnixNano(),
		rec.ProductID,
		rec.Sequence,
	)
	if execErr != nil {
		return 0, fmt.Errorf("append history: %w", execErr)
	}
	// Zero rows means the sequence is not exactly last+1.
	if n, affErr := res.RowsAffected(); affErr != nil {
		return 0, fmt.Errorf("append history: %w", affErr)
	} else if n == 0 {
		return 0, fmt.Errorf("append %s seq %d: %w", rec.ProductID, rec.Sequence, ErrInvariant)
	}
	return rec.Sequence, nil
}

// Latest returns the highest-sequence record for a product, nil when none.
func (s *SQLite) Latest(ctx context.Context, productID string) (*HistoryRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.QueryContext(ctx, sqliteLatestHistorySQL, productID)
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
	rec, scanErr := scanSQLiteHistory(rows)
	if scanErr != nil {
		return nil, scanErr
	}
	return &rec, nil
}

// Window returns up to n records, most recent first.
func (s *SQLite) Window(ctx context.Context, productID string, n int) ([]HistoryRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.QueryContext(ctx, sqliteWindowHistorySQL, productID, n)
	if queryErr != nil {
		return nil, fmt.Errorf("window history: %w", queryErr)
	}
	defer rows.Close()

	return collectSQLiteHistory(rows, n)
}

// HistoryRange lists records for a product ordered by sequence; zero times
// leave that bound open and limit 0 means unbounded.
func (s *SQLite) HistoryRange(ctx context.Context, productID string, from, to time.Time, limit int) ([]HistoryRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var fromNano, toNano int64
	if !from.IsZero() {
		fromNano = from.UnixNano()
	}
	if !to.IsZero() {
		toNano = to.UnixNano()
	}
	sqlLimit := limit
	if sqlLimit <= 0 {
		sqlLimit = -1
	}

	rows, queryErr := db.QueryContext(ctx, sqliteHistoryRangeSQL,
		productID, fromNano, fromNano, toNano, toNano, sqlLimit)
	if queryErr != nil {
		return nil, fmt.Errorf("history range: %w", queryErr)
	}
	defer rows.Close()

	return collectSQLiteHistory(rows, 0)
}

// AppendChange persists a classified transition.
func (s *SQLite) AppendChange(ctx context.Context, rec ChangeRecord) error {
	db, err := s.getDB()
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

	if _, execErr := db.ExecContext(ctx, sqliteInsertChangeSQL,
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
		rec.ChangedAt.UnixNano(),
	); execErr != nil {
		return fmt.Errorf("append change: %w", execErr)
	}
	return nil
}

// RecentChanges lists changes most recent first; empty productID lists all.
func (s *SQLite) RecentChanges(ctx context.Context, productID string, limit int) ([]ChangeRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	sqlLimit := limit
	if sqlLimit <= 0 {
		sqlLimit = -1
	}

	rows, queryErr := db.QueryContext(ctx, sqliteRecentChangesSQL, productID, productID, sqlLimit)
	if queryErr != nil {
		return nil, fmt.Errorf("recent changes: %w", queryErr)
	}
	defer rows.Close()

	changes := make([]ChangeRecord, 0, max(limit, 0))
	for rows.Next() {
		rec, scanErr := scanSQLiteChange(rows)
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
func (s *SQLite) AppendAlert(ctx context.Context, rec AlertRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	if _, execErr := db.ExecContext(ctx, sqliteInsertAlertSQL,
		rec.ID,
		rec.ProductID,
		rec.RuleID,
		rec.RuleName,
		rec.TriggeredAt.UnixNano(),
		rec.ChangeID,
		rec.Message,
		rec.PriceAtTrigger.String(),
	); execErr != nil {
		return fmt.Errorf("append alert: %w", execErr)
	}
	return nil
}

// RecentAlerts lists alerts most recent first; empty productID lists all.
func (s *SQLite) RecentAlerts(ctx context.Context, productID string, limit int) ([]AlertRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	sqlLimit := limit
	if sqlLimit <= 0 {
		sqlLimit = -1
	}

	rows, queryErr := db.QueryContext(ctx, sqliteRecentAlertsSQL, productID, productID, sqlLimit)
	if queryErr != nil {
		return nil, fmt.Errorf("recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, max(limit, 0))
	for rows.Next() {
		var (
			rec       AlertRecord
			triggered int64
			priceStr  string
		)
		if scanErr := rows.Scan(
			&rec.ID,
			&rec.ProductID,
			&rec.RuleID,
			&rec.RuleName,
			&triggered,
			&rec.ChangeID,
			&rec.Message,
			&priceStr,
		); scanErr != nil {
			return nil, scanErr
		}
		rec.TriggeredAt = time.Unix(0, triggered).UTC()
		price, convErr := decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse price_at_trigger: %w", convErr)
		}
		rec.PriceAtTrigger = price
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// LastFired returns the most recent trigger time for a (rule, product) pair.
func (s *SQLite) LastFired(ctx context.Context, ruleID, productID string) (*time.Time, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var fired sql.NullInt64
	if scanErr := db.QueryRowContext(ctx, sqliteLastFiredSQL, ruleID, productID).Scan(&fired); scanErr != nil {
		return nil, fmt.Errorf("last fired: %w", scanErr)
	}
	if !fired.Valid {
		return nil, nil
	}
	ts := time.Unix(0, fired.Int64).UTC()
	return &ts, nil
}

// ProductStats aggregates one product's history.
func (s *SQLite) ProductStats(ctx context.Context, productID string) (*ProductStats, error) {
	records, err := s.HistoryRange(ctx, productID, time.Time{}, time.Time{}, 0)
	if err != nil {
		return nil, err
	}
	return ComputeProductStats(productID, records), nil
}

// Stats summarises the whole store.
func (s *SQLite) Stats(ctx context.Context) (*Stats, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var stats Stats
	if scanErr := db.QueryRowContext(ctx, sqliteStatsSQL).Scan(
		&stats.Products,
		&stats.Records,
		&stats.Changes,
		&stats.Alerts,
	); scanErr != nil {
		return nil, fmt.Errorf("stats: %w", scanErr)
	}
	return &stats, nil
}

func collectSQLiteHistory(rows *sql.Rows, sizeHint int) ([]HistoryRecord, error) {
	records := make([]HistoryRecord, 0, sizeHint)
	for rows.Next() {
		rec, scanErr := scanSQLiteHistory(rows)
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

func scanSQLiteHistory(rows *sql.Rows) (HistoryRecord, error) {
	var (
		rec        HistoryRecord
		observed   int64
		priceStr   string
		ingestedAt int64
	)
	if err := rows.Scan(
		&rec.ProductID,
		&rec.Sequence,
		&observed,
		&priceStr,
		&rec.Currency,
		&rec.Availability,
		&rec.Source,
		&rec.BatchID,
		&ingestedAt,
	); err != nil {
		return HistoryRecord{}, err
	}

	rec.ObservedAt = time.Unix(0, observed).UTC()
	rec.IngestedAt = time.Unix(0, ingestedAt).UTC()
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return HistoryRecord{}, fmt.Errorf("parse price: %w", err)
	}
	rec.Price = price
	return rec, nil
}

func scanSQLiteChange(rows *sql.Rows) (ChangeRecord, error) {
	var (
		rec       ChangeRecord
		kind      string
		fromSeq   sql.NullInt64
		fromStr   string
		toStr     string
		deltaStr  string
		deltaPct  sql.NullString
		changedAt int64
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
	rec.ChangedAt = time.Unix(0, changedAt).UTC()
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

var _ Store = (*SQLite)(nil)
