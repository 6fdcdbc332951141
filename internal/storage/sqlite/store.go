// Package sqlite persists query metrics history in a SQLite database.
package sqlite

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/corrtrace/internal/metrics"
)

// DefaultListLimit caps ListQueryMetrics when no limit is given.
const DefaultListLimit = 500

// Store is a SQLite implementation of metrics.HistorySink.
type Store struct {
	db *sqlx.DB
}

var _ metrics.HistorySink = (*Store)(nil)

// New opens (or creates) the database at dsn and initializes the schema.
func New(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS query_metrics (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			took_ms INTEGER NOT NULL,
			total_shards INTEGER NOT NULL DEFAULT 0,
			successful_shards INTEGER NOT NULL DEFAULT 0,
			failed_shards INTEGER NOT NULL DEFAULT 0,
			skipped_shards INTEGER NOT NULL DEFAULT 0,
			query_filter TEXT,
			cache_hit INTEGER NOT NULL DEFAULT 0,
			partial INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_query_metrics_recorded ON query_metrics(recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_query_metrics_kind ON query_metrics(kind)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// row mirrors the query_metrics table. Timestamps are unix nanoseconds so
// range scans compare numerically.
type row struct {
	ID               string `db:"id"`
	Kind             string `db:"kind"`
	TookMs           int64  `db:"took_ms"`
	TotalShards      int    `db:"total_shards"`
	SuccessfulShards int    `db:"successful_shards"`
	FailedShards     int    `db:"failed_shards"`
	SkippedShards    int    `db:"skipped_shards"`
	Filter           string `db:"query_filter"`
	CacheHit         bool   `db:"cache_hit"`
	Partial          bool   `db:"partial"`
	Error            string `db:"error"`
	RecordedAt       int64  `db:"recorded_at"`
}

func toRow(m metrics.QueryMetrics) row {
	return row{
		ID:               m.ID,
		Kind:             m.Kind,
		TookMs:           m.TookMs,
		TotalShards:      m.TotalShards,
		SuccessfulShards: m.SuccessfulShards,
		FailedShards:     m.FailedShards,
		SkippedShards:    m.SkippedShards,
		Filter:           m.Filter,
		CacheHit:         m.CacheHit,
		Partial:          m.Partial,
		Error:            m.Error,
		RecordedAt:       m.Timestamp.UnixNano(),
	}
}

func (r row) metrics() metrics.QueryMetrics {
	return metrics.QueryMetrics{
		ID:               r.ID,
		Kind:             r.Kind,
		TookMs:           r.TookMs,
		TotalShards:      r.TotalShards,
		SuccessfulShards: r.SuccessfulShards,
		FailedShards:     r.FailedShards,
		SkippedShards:    r.SkippedShards,
		Filter:           r.Filter,
		CacheHit:         r.CacheHit,
		Partial:          r.Partial,
		Error:            r.Error,
		Timestamp:        time.Unix(0, r.RecordedAt).UTC(),
	}
}

// WriteQueryMetrics inserts m. Writing the same ID twice replaces the row.
func (s *Store) WriteQueryMetrics(ctx context.Context, m metrics.QueryMetrics) error {
	query := `INSERT OR REPLACE INTO query_metrics (
		id, kind, took_ms, total_shards, successful_shards, failed_shards,
		skipped_shards, query_filter, cache_hit, partial, error, recorded_at
	) VALUES (
		:id, :kind, :took_ms, :total_shards, :successful_shards, :failed_shards,
		:skipped_shards, :query_filter, :cache_hit, :partial, :error, :recorded_at
	)`

	if _, err := s.db.NamedExecContext(ctx, query, toRow(m)); err != nil {
		return fmt.Errorf("failed to write query metrics: %w", err)
	}
	return nil
}

// ListQueryMetrics returns records newer than since, newest first.
func (s *Store) ListQueryMetrics(ctx context.Context, since time.Time, limit int) ([]metrics.QueryMetrics, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT id, kind, took_ms, total_shards, successful_shards, failed_shards,
	                 skipped_shards, COALESCE(query_filter, '') AS query_filter, cache_hit, partial,
	                 COALESCE(error, '') AS error, recorded_at
	          FROM query_metrics
	          WHERE recorded_at > ?
	          ORDER BY recorded_at DESC, id ASC
	          LIMIT ?`

	after := int64(math.MinInt64)
	if !since.IsZero() {
		after = since.UnixNano()
	}

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, after, limit); err != nil {
		return nil, fmt.Errorf("failed to list query metrics: %w", err)
	}

	out := make([]metrics.QueryMetrics, len(rows))
	for i, r := range rows {
		out[i] = r.metrics()
	}
	return out, nil
}

// Prune deletes records older than before and reports how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM query_metrics WHERE recorded_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune query metrics: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
