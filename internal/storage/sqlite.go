package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:disaster.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	s := &sqliteStore{baseStore{db: db}}
	s.rebind = func(q string) string { return q }
	return s, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS raw_pages (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			fetched_at TIMESTAMP NOT NULL,
			source_type TEXT NOT NULL DEFAULT '',
			region TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			metadata_json TEXT,
			UNIQUE (url, content_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_pages_fetched ON raw_pages(fetched_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_pages_region_fetched ON raw_pages(region, fetched_at DESC)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			raw_page_id TEXT NOT NULL REFERENCES raw_pages(id),
			timestamp TIMESTAMP NOT NULL,
			region TEXT NOT NULL,
			signal_type TEXT NOT NULL,
			keywords_json TEXT,
			source_confidence REAL NOT NULL,
			region_source TEXT NOT NULL DEFAULT '',
			region_confidence REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_timestamp ON signals(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_group ON signals(region, signal_type, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_raw_page ON signals(raw_page_id, timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			region TEXT NOT NULL,
			status TEXT NOT NULL,
			first_detected TIMESTAMP NOT NULL,
			last_updated TIMESTAMP NOT NULL,
			confidence REAL NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_active_identity
			ON events(region, event_type) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_events_first_detected ON events(first_detected DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_status_updated ON events(status, last_updated DESC)`,
		`CREATE TABLE IF NOT EXISTS event_signals (
			event_id TEXT NOT NULL REFERENCES events(id),
			signal_id TEXT NOT NULL REFERENCES signals(id),
			PRIMARY KEY (event_id, signal_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
