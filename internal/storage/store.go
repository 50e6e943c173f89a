package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thejenniferfang/disaster-response/internal/config"
	"github.com/thejenniferfang/disaster-response/internal/model"
)

// MaxWindowSignals bounds a single SignalsSince read when the caller passes
// no limit, keeping one detection pass from loading an unbounded window.
const MaxWindowSignals = 10000

var (
	ErrNotFound          = errors.New("storage: not found")
	ErrMissingURL        = errors.New("storage: raw page url is required")
	ErrMissingRawPage    = errors.New("storage: raw page id is required")
	ErrMissingRegion     = errors.New("storage: signal region is required")
	ErrMissingSignalType = errors.New("storage: signal type is required")
	ErrInvalidConfidence = errors.New("storage: source confidence must be in [0,1]")
	ErrNoTransition      = errors.New("storage: event is not active, status unchanged")
)

// Store is the persistence contract the aggregation core depends on.
// PutRawPage and UpsertActiveEvent are the two concurrency-critical
// operations: both must behave as a single atomic insert-or-fetch /
// find-or-create-and-merge, never as separate read and write steps.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	// PutRawPage inserts a document if (url, content_hash) is new and
	// returns the existing id otherwise. created reports which happened.
	PutRawPage(ctx context.Context, page model.RawPage) (id string, created bool, err error)
	GetRawPage(ctx context.Context, id string) (model.RawPage, error)

	// AppendSignals validates and inserts a batch of signals for one raw
	// page. A single invalid signal fails the whole batch before any write.
	AppendSignals(ctx context.Context, rawPageID string, signals []model.Signal) ([]string, error)
	// SignalsSince returns signals with timestamp >= cutoff in ascending
	// (timestamp, id) order, the detector's deterministic read. A limit of
	// zero means MaxWindowSignals; either way the oldest in-window signals
	// are kept when the window holds more than the limit.
	SignalsSince(ctx context.Context, cutoff time.Time, limit int) ([]model.Signal, error)
	// RecentSignals returns signals with timestamp >= since, newest first.
	RecentSignals(ctx context.Context, since time.Time, limit int) ([]model.Signal, error)
	SignalsByRawPage(ctx context.Context, rawPageID string, limit int) ([]model.Signal, error)

	// UpsertActiveEvent finds the active event for the candidate's
	// (region, event_type), creating it when absent, then sets last_updated
	// and confidence and merges the candidate's signal ids into the
	// supporting-signal set. first_detected is seeded from the candidate's
	// FirstSeen only on creation.
	UpsertActiveEvent(ctx context.Context, cand model.EventCandidate, confidence float64, now time.Time) (id string, created bool, err error)
	EventsByStatus(ctx context.Context, status model.EventStatus, limit int) ([]model.Event, error)
	GetEvent(ctx context.Context, id string) (model.Event, error)
	EventSignals(ctx context.Context, eventID string) ([]model.Signal, error)
	// SetEventStatus applies an administrative transition. Only
	// active -> resolved and active -> dismissed succeed.
	SetEventStatus(ctx context.Context, id string, status model.EventStatus) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", cfg.Driver)
	}
}

// HashContent returns the content fingerprint used for raw page dedup.
func HashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// baseStore holds the SQL shared by both drivers. Queries are written with
// `?` placeholders and passed through rebind, which the postgres driver
// replaces with positional `$n` parameters.
type baseStore struct {
	db     *sql.DB
	rebind func(string) string
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) PutRawPage(ctx context.Context, page model.RawPage) (string, bool, error) {
	if strings.TrimSpace(page.URL) == "" {
		return "", false, ErrMissingURL
	}
	if page.ContentHash == "" {
		page.ContentHash = HashContent(page.Content)
	}
	if page.FetchedAt.IsZero() {
		page.FetchedAt = nowUTC()
	}
	id := uuid.NewString()
	// The no-op DO UPDATE makes RETURNING yield the surviving row's id in
	// one round trip whether or not the insert won.
	row := b.db.QueryRowContext(ctx, b.rebind(`
		INSERT INTO raw_pages (id, url, fetched_at, source_type, region, content, content_hash, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (url, content_hash) DO UPDATE SET url = excluded.url
		RETURNING id`),
		id,
		page.URL,
		page.FetchedAt.UTC(),
		string(page.SourceType),
		page.Region,
		page.Content,
		page.ContentHash,
		encodeJSON(page.Metadata),
	)
	var got string
	if err := row.Scan(&got); err != nil {
		return "", false, fmt.Errorf("storage: put raw page: %w", err)
	}
	return got, got == id, nil
}

func (b *baseStore) GetRawPage(ctx context.Context, id string) (model.RawPage, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(`
		SELECT id, url, fetched_at, source_type, region, content, content_hash, metadata_json
		FROM raw_pages WHERE id = ?`), id)
	var page model.RawPage
	var sourceType, metadataJSON string
	err := row.Scan(&page.ID, &page.URL, &page.FetchedAt, &sourceType, &page.Region, &page.Content, &page.ContentHash, &metadataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RawPage{}, ErrNotFound
	}
	if err != nil {
		return model.RawPage{}, fmt.Errorf("storage: get raw page: %w", err)
	}
	page.SourceType = model.SourceType(sourceType)
	page.Metadata = decodeStringMap(metadataJSON)
	page.FetchedAt = page.FetchedAt.UTC()
	return page, nil
}

func validateSignals(rawPageID string, signals []model.Signal) error {
	if strings.TrimSpace(rawPageID) == "" {
		return ErrMissingRawPage
	}
	for i, s := range signals {
		if strings.TrimSpace(s.Region) == "" {
			return fmt.Errorf("signal %d: %w", i, ErrMissingRegion)
		}
		if strings.TrimSpace(s.SignalType) == "" {
			return fmt.Errorf("signal %d: %w", i, ErrMissingSignalType)
		}
		if s.SourceConfidence < 0 || s.SourceConfidence > 1 {
			return fmt.Errorf("signal %d: %w", i, ErrInvalidConfidence)
		}
	}
	return nil
}

func (b *baseStore) AppendSignals(ctx context.Context, rawPageID string, signals []model.Signal) ([]string, error) {
	if err := validateSignals(rawPageID, signals); err != nil {
		return nil, err
	}
	if len(signals) == 0 {
		return nil, nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: append signals: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, b.rebind(`
		INSERT INTO signals (id, raw_page_id, timestamp, region, signal_type, keywords_json, source_confidence, region_source, region_confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return nil, fmt.Errorf("storage: append signals: %w", err)
	}
	defer stmt.Close()

	now := nowUTC()
	ids := make([]string, 0, len(signals))
	for _, s := range signals {
		id := uuid.NewString()
		ts := s.Timestamp
		if ts.IsZero() {
			ts = now
		}
		var regionConf sql.NullFloat64
		if s.RegionConfidence != nil {
			regionConf = sql.NullFloat64{Float64: *s.RegionConfidence, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			id,
			rawPageID,
			ts.UTC(),
			s.Region,
			s.SignalType,
			encodeJSON(s.Keywords),
			s.SourceConfidence,
			s.RegionSource,
			regionConf,
		); err != nil {
			return nil, fmt.Errorf("storage: append signals: %w", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: append signals: %w", err)
	}
	return ids, nil
}

const selectSignalColumns = `
	SELECT id, raw_page_id, timestamp, region, signal_type, keywords_json, source_confidence, region_source, region_confidence
	FROM signals`

func (b *baseStore) SignalsSince(ctx context.Context, cutoff time.Time, limit int) ([]model.Signal, error) {
	if limit <= 0 {
		limit = MaxWindowSignals
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(selectSignalColumns+`
		WHERE timestamp >= ?
		ORDER BY timestamp ASC, id ASC
		LIMIT ?`), cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: signals since: %w", err)
	}
	return scanSignals(rows)
}

func (b *baseStore) RecentSignals(ctx context.Context, since time.Time, limit int) ([]model.Signal, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(selectSignalColumns+`
		WHERE timestamp >= ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`), since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent signals: %w", err)
	}
	return scanSignals(rows)
}

func (b *baseStore) SignalsByRawPage(ctx context.Context, rawPageID string, limit int) ([]model.Signal, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(selectSignalColumns+`
		WHERE raw_page_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`), rawPageID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: signals by raw page: %w", err)
	}
	return scanSignals(rows)
}

func scanSignals(rows *sql.Rows) ([]model.Signal, error) {
	defer rows.Close()
	out := make([]model.Signal, 0)
	for rows.Next() {
		var s model.Signal
		var keywordsJSON, regionSource string
		var regionConf sql.NullFloat64
		if err := rows.Scan(&s.ID, &s.RawPageID, &s.Timestamp, &s.Region, &s.SignalType, &keywordsJSON, &s.SourceConfidence, &regionSource, &regionConf); err != nil {
			return nil, fmt.Errorf("storage: scan signal: %w", err)
		}
		s.Timestamp = s.Timestamp.UTC()
		s.Keywords = decodeStringList(keywordsJSON)
		s.RegionSource = regionSource
		if regionConf.Valid {
			v := regionConf.Float64
			s.RegionConfidence = &v
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *baseStore) UpsertActiveEvent(ctx context.Context, cand model.EventCandidate, confidence float64, now time.Time) (string, bool, error) {
	if strings.TrimSpace(cand.Region) == "" {
		return "", false, ErrMissingRegion
	}
	if strings.TrimSpace(cand.EventType) == "" {
		return "", false, ErrMissingSignalType
	}
	if now.IsZero() {
		now = nowUTC()
	}
	first := cand.FirstSeen
	if first.IsZero() {
		first = now
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("storage: upsert event: %w", err)
	}
	defer tx.Rollback()

	id := uuid.NewString()
	// The partial unique index on (region, event_type) WHERE status='active'
	// makes this the single find-or-create point; first_detected survives
	// because the conflict branch never touches it.
	row := tx.QueryRowContext(ctx, b.rebind(`
		INSERT INTO events (id, event_type, region, status, first_detected, last_updated, confidence)
		VALUES (?, ?, ?, 'active', ?, ?, ?)
		ON CONFLICT (region, event_type) WHERE status = 'active'
		DO UPDATE SET last_updated = excluded.last_updated, confidence = excluded.confidence
		RETURNING id`),
		id, cand.EventType, cand.Region, first.UTC(), now.UTC(), clamp01(confidence))
	var got string
	if err := row.Scan(&got); err != nil {
		return "", false, fmt.Errorf("storage: upsert event: %w", err)
	}

	if len(cand.SignalIDs) > 0 {
		stmt, err := tx.PrepareContext(ctx, b.rebind(`
			INSERT INTO event_signals (event_id, signal_id) VALUES (?, ?)
			ON CONFLICT (event_id, signal_id) DO NOTHING`))
		if err != nil {
			return "", false, fmt.Errorf("storage: upsert event: %w", err)
		}
		defer stmt.Close()
		for _, sid := range cand.SignalIDs {
			if sid == "" {
				continue
			}
			if _, err := stmt.ExecContext(ctx, got, sid); err != nil {
				return "", false, fmt.Errorf("storage: merge supporting signals: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("storage: upsert event: %w", err)
	}
	return got, got == id, nil
}

const selectEventColumns = `
	SELECT id, event_type, region, status, first_detected, last_updated, confidence
	FROM events`

func (b *baseStore) EventsByStatus(ctx context.Context, status model.EventStatus, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(selectEventColumns+`
		WHERE status = ?
		ORDER BY last_updated DESC, id DESC
		LIMIT ?`), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: events by status: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	for i := range events {
		ids, err := b.supportingSignalIDs(ctx, events[i].ID)
		if err != nil {
			return nil, err
		}
		events[i].SupportingSignals = ids
	}
	return events, nil
}

func (b *baseStore) GetEvent(ctx context.Context, id string) (model.Event, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(selectEventColumns+` WHERE id = ?`), id)
	ev, err := scanEventRow(row)
	if err != nil {
		return model.Event{}, err
	}
	ids, err := b.supportingSignalIDs(ctx, ev.ID)
	if err != nil {
		return model.Event{}, err
	}
	ev.SupportingSignals = ids
	return ev, nil
}

func (b *baseStore) EventSignals(ctx context.Context, eventID string) ([]model.Signal, error) {
	rows, err := b.db.QueryContext(ctx, b.rebind(`
		SELECT s.id, s.raw_page_id, s.timestamp, s.region, s.signal_type, s.keywords_json, s.source_confidence, s.region_source, s.region_confidence
		FROM signals s
		JOIN event_signals es ON es.signal_id = s.id
		WHERE es.event_id = ?
		ORDER BY s.timestamp ASC, s.id ASC`), eventID)
	if err != nil {
		return nil, fmt.Errorf("storage: event signals: %w", err)
	}
	return scanSignals(rows)
}

func (b *baseStore) SetEventStatus(ctx context.Context, id string, status model.EventStatus) error {
	if status != model.StatusResolved && status != model.StatusDismissed {
		return fmt.Errorf("storage: invalid transition target %q: %w", status, ErrNoTransition)
	}
	res, err := b.db.ExecContext(ctx, b.rebind(`
		UPDATE events SET status = ?, last_updated = ?
		WHERE id = ? AND status = 'active'`),
		string(status), nowUTC(), id)
	if err != nil {
		return fmt.Errorf("storage: set event status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: set event status: %w", err)
	}
	if n == 0 {
		if _, err := b.GetEvent(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrNoTransition
	}
	return nil
}

func (b *baseStore) supportingSignalIDs(ctx context.Context, eventID string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, b.rebind(`
		SELECT signal_id FROM event_signals WHERE event_id = ? ORDER BY signal_id ASC`), eventID)
	if err != nil {
		return nil, fmt.Errorf("storage: supporting signals: %w", err)
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: supporting signals: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	defer rows.Close()
	out := make([]model.Event, 0)
	for rows.Next() {
		var ev model.Event
		var status string
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.Region, &status, &ev.FirstDetected, &ev.LastUpdated, &ev.Confidence); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		ev.Status = model.EventStatus(status)
		ev.FirstDetected = ev.FirstDetected.UTC()
		ev.LastUpdated = ev.LastUpdated.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEventRow(row *sql.Row) (model.Event, error) {
	var ev model.Event
	var status string
	err := row.Scan(&ev.ID, &ev.EventType, &ev.Region, &status, &ev.FirstDetected, &ev.LastUpdated, &ev.Confidence)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, ErrNotFound
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: get event: %w", err)
	}
	ev.Status = model.EventStatus(status)
	ev.FirstDetected = ev.FirstDetected.UTC()
	ev.LastUpdated = ev.LastUpdated.UTC()
	return ev, nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeStringList(data string) []string {
	if data == "" || data == "null" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil
	}
	return out
}

func decodeStringMap(data string) map[string]string {
	if data == "" || data == "null" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
