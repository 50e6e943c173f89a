package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/disaster_response?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	s := &postgresStore{baseStore{db: db}}
	s.rebind = rebindPositional
	return s, nil
}

// rebindPositional rewrites `?` placeholders into postgres $1..$n form.
func rebindPositional(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS raw_pages (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			fetched_at TIMESTAMPTZ NOT NULL,
			source_type TEXT NOT NULL DEFAULT '',
			region TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			metadata_json JSONB,
			UNIQUE (url, content_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_pages_fetched ON raw_pages(fetched_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_pages_region_fetched ON raw_pages(region, fetched_at DESC)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			raw_page_id TEXT NOT NULL REFERENCES raw_pages(id),
			timestamp TIMESTAMPTZ NOT NULL,
			region TEXT NOT NULL,
			signal_type TEXT NOT NULL,
			keywords_json JSONB,
			source_confidence DOUBLE PRECISION NOT NULL,
			region_source TEXT NOT NULL DEFAULT '',
			region_confidence DOUBLE PRECISION
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_timestamp ON signals(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_group ON signals(region, signal_type, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_raw_page ON signals(raw_page_id, timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			region TEXT NOT NULL,
			status TEXT NOT NULL,
			first_detected TIMESTAMPTZ NOT NULL,
			last_updated TIMESTAMPTZ NOT NULL,
			confidence DOUBLE PRECISION NOT NULL
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
