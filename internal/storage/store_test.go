package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/thejenniferfang/disaster-response/internal/model"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	store, err := NewSQLite(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return store
}

func testPage(url string) model.RawPage {
	return model.RawPage{
		URL:        url,
		FetchedAt:  time.Now().UTC(),
		SourceType: model.SourceNews,
		Content:    "bridge collapse reported near the river crossing",
		Metadata:   map[string]string{"title": "local news"},
	}
}

func TestPutRawPageDedup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id1, created1, err := store.PutRawPage(ctx, testPage("https://example.org/a"))
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	if !created1 {
		t.Fatalf("first put should create")
	}
	id2, created2, err := store.PutRawPage(ctx, testPage("https://example.org/a"))
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if created2 {
		t.Fatalf("second put of identical content should not create")
	}
	if id1 != id2 {
		t.Fatalf("dedup returned different ids: %q vs %q", id1, id2)
	}

	changed := testPage("https://example.org/a")
	changed.Content = "updated content after re-fetch"
	id3, created3, err := store.PutRawPage(ctx, changed)
	if err != nil {
		t.Fatalf("changed put: %v", err)
	}
	if !created3 || id3 == id1 {
		t.Fatalf("changed content must create a new record")
	}
}

func TestPutRawPageConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	ids := make([]string, workers)
	createdCount := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, created, err := store.PutRawPage(ctx, testPage("https://example.org/race"))
			if err != nil {
				t.Errorf("put: %v", err)
				return
			}
			mu.Lock()
			ids[i] = id
			if created {
				createdCount++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("racing puts observed different ids: %q vs %q", ids[i], ids[0])
		}
	}
	if createdCount != 1 {
		t.Fatalf("expected exactly one creation, got %d", createdCount)
	}
}

func TestAppendSignalsRejectsWholeBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pageID, _, err := store.PutRawPage(ctx, testPage("https://example.org/b"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	batch := []model.Signal{
		{Region: "Hatay Province", SignalType: "infrastructure_outage", SourceConfidence: 0.9},
		{Region: "", SignalType: "infrastructure_outage", SourceConfidence: 0.8},
	}
	if _, err := store.AppendSignals(ctx, pageID, batch); !errors.Is(err, ErrMissingRegion) {
		t.Fatalf("expected ErrMissingRegion, got %v", err)
	}

	// The valid first entry must not have been written.
	signals, err := store.SignalsSince(ctx, time.Now().UTC().Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("signals since: %v", err)
	}
	if len(signals) != 0 {
		t.Fatalf("partial batch was written: %d signals", len(signals))
	}

	batch[1].Region = "Hatay Province"
	batch[1].SignalType = ""
	if _, err := store.AppendSignals(ctx, pageID, batch); !errors.Is(err, ErrMissingSignalType) {
		t.Fatalf("expected ErrMissingSignalType, got %v", err)
	}
	if _, err := store.AppendSignals(ctx, "", batch); !errors.Is(err, ErrMissingRawPage) {
		t.Fatalf("expected ErrMissingRawPage, got %v", err)
	}
}

func TestSignalQueries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pageID, _, err := store.PutRawPage(ctx, testPage("https://example.org/c"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	conf := 0.7
	batch := []model.Signal{
		{Timestamp: now.Add(-3 * time.Minute), Region: "Hatay Province", SignalType: "earthquake", SourceConfidence: 0.9, Keywords: []string{"magnitude", "aftershock"}},
		{Timestamp: now.Add(-2 * time.Minute), Region: "Hatay Province", SignalType: "earthquake", SourceConfidence: 0.8, RegionSource: "ner", RegionConfidence: &conf},
		{Timestamp: now.Add(-1 * time.Minute), Region: "Gaziantep", SignalType: "evacuation", SourceConfidence: 0.6},
	}
	ids, err := store.AppendSignals(ctx, pageID, batch)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}

	recent, err := store.RecentSignals(ctx, now.Add(-10*time.Minute), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 recent signals, got %d", len(recent))
	}
	for i := 1; i < len(recent); i++ {
		if recent[i].Timestamp.After(recent[i-1].Timestamp) {
			t.Fatalf("recent signals not newest-first")
		}
	}
	if recent[0].Region != "Gaziantep" {
		t.Fatalf("expected newest signal first, got %q", recent[0].Region)
	}

	asc, err := store.SignalsSince(ctx, now.Add(-10*time.Minute), 0)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(asc) != 3 || asc[0].SourceConfidence != 0.9 {
		t.Fatalf("SignalsSince not in insertion order: %+v", asc)
	}
	if len(asc[0].Keywords) != 2 || asc[0].Keywords[0] != "magnitude" {
		t.Fatalf("keywords not round-tripped: %+v", asc[0].Keywords)
	}
	if asc[1].RegionConfidence == nil || *asc[1].RegionConfidence != 0.7 {
		t.Fatalf("region confidence not round-tripped")
	}

	// Window boundary: nothing older than the cutoff comes back.
	windowed, err := store.SignalsSince(ctx, now.Add(-150*time.Second), 0)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(windowed) != 2 {
		t.Fatalf("expected 2 signals inside cutoff, got %d", len(windowed))
	}

	byPage, err := store.SignalsByRawPage(ctx, pageID, 0)
	if err != nil {
		t.Fatalf("by raw page: %v", err)
	}
	if len(byPage) != 3 {
		t.Fatalf("expected 3 signals for page, got %d", len(byPage))
	}
}

func TestSignalsSinceLimitKeepsOldest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pageID, _, err := store.PutRawPage(ctx, testPage("https://example.org/limit"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	batch := make([]model.Signal, 5)
	for i := range batch {
		batch[i] = model.Signal{
			Timestamp:        now.Add(time.Duration(i-10) * time.Minute),
			Region:           "Hatay Province",
			SignalType:       "flood",
			SourceConfidence: 0.5,
		}
	}
	if _, err := store.AppendSignals(ctx, pageID, batch); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := store.SignalsSince(ctx, now.Add(-time.Hour), 3)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("limit not applied: got %d", len(got))
	}
	for i, s := range got {
		if !s.Timestamp.Equal(batch[i].Timestamp) {
			t.Fatalf("truncation dropped an oldest signal: got %v at %d", s.Timestamp, i)
		}
	}

	// Zero means the package-level cap, not unlimited and not zero rows.
	all, err := store.SignalsSince(ctx, now.Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("zero limit should fall back to MaxWindowSignals: got %d", len(all))
	}
}

func seedCandidate(t *testing.T, store Store) model.EventCandidate {
	t.Helper()
	ctx := context.Background()
	pageID, _, err := store.PutRawPage(ctx, testPage("https://example.org/seed"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	ids, err := store.AppendSignals(ctx, pageID, []model.Signal{
		{Timestamp: now.Add(-10 * time.Minute), Region: "Hatay Province", SignalType: "infrastructure_outage", SourceConfidence: 0.9},
		{Timestamp: now.Add(-8 * time.Minute), Region: "Hatay Province", SignalType: "infrastructure_outage", SourceConfidence: 0.75},
		{Timestamp: now.Add(-5 * time.Minute), Region: "Hatay Province", SignalType: "infrastructure_outage", SourceConfidence: 0.8},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return model.EventCandidate{
		Region:        "Hatay Province",
		EventType:     "infrastructure_outage",
		Count:         3,
		AvgConfidence: (0.9 + 0.75 + 0.8) / 3,
		SignalIDs:     ids,
		FirstSeen:     now.Add(-10 * time.Minute),
		LastSeen:      now.Add(-5 * time.Minute),
	}
}

func TestUpsertConvergence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cand := seedCandidate(t, store)

	t1 := time.Now().UTC().Truncate(time.Second)
	id1, created1, err := store.UpsertActiveEvent(ctx, cand, 0.37, t1)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !created1 {
		t.Fatalf("first upsert should create")
	}

	t2 := t1.Add(time.Minute)
	id2, created2, err := store.UpsertActiveEvent(ctx, cand, 0.41, t2)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created2 || id2 != id1 {
		t.Fatalf("second upsert must merge into the same event")
	}

	ev, err := store.GetEvent(ctx, id1)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev.Status != model.StatusActive {
		t.Fatalf("expected active, got %q", ev.Status)
	}
	if len(ev.SupportingSignals) != len(cand.SignalIDs) {
		t.Fatalf("signal set not a union: got %d want %d", len(ev.SupportingSignals), len(cand.SignalIDs))
	}
	if ev.Confidence != 0.41 {
		t.Fatalf("confidence not updated: %v", ev.Confidence)
	}
	if !ev.FirstDetected.Equal(cand.FirstSeen) {
		t.Fatalf("first_detected overwritten: %v vs %v", ev.FirstDetected, cand.FirstSeen)
	}
	if ev.LastUpdated.Before(t2) {
		t.Fatalf("last_updated did not advance: %v < %v", ev.LastUpdated, t2)
	}

	active, err := store.EventsByStatus(ctx, model.StatusActive, 10)
	if err != nil {
		t.Fatalf("events by status: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected exactly one active event, got %d", len(active))
	}
}

func TestUpsertConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cand := seedCandidate(t, store)

	const workers = 6
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := store.UpsertActiveEvent(ctx, cand, 0.4, time.Now().UTC()); err != nil {
				t.Errorf("upsert: %v", err)
			}
		}()
	}
	wg.Wait()

	active, err := store.EventsByStatus(ctx, model.StatusActive, 10)
	if err != nil {
		t.Fatalf("events by status: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected exactly one active event after racing upserts, got %d", len(active))
	}
	if len(active[0].SupportingSignals) != len(cand.SignalIDs) {
		t.Fatalf("supporting signals not merged: %d", len(active[0].SupportingSignals))
	}
}

func TestStatusTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cand := seedCandidate(t, store)

	id, _, err := store.UpsertActiveEvent(ctx, cand, 0.4, time.Now().UTC())
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.SetEventStatus(ctx, id, model.StatusResolved); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Terminal records are never resurrected; a recurring cluster starts a
	// fresh active event.
	id2, created, err := store.UpsertActiveEvent(ctx, cand, 0.5, time.Now().UTC())
	if err != nil {
		t.Fatalf("upsert after resolve: %v", err)
	}
	if !created || id2 == id {
		t.Fatalf("expected a new active event after resolution")
	}
	old, err := store.GetEvent(ctx, id)
	if err != nil {
		t.Fatalf("get resolved event: %v", err)
	}
	if old.Status != model.StatusResolved {
		t.Fatalf("resolved event mutated: %q", old.Status)
	}

	if err := store.SetEventStatus(ctx, id, model.StatusDismissed); !errors.Is(err, ErrNoTransition) {
		t.Fatalf("expected ErrNoTransition on terminal event, got %v", err)
	}
	if err := store.SetEventStatus(ctx, "no-such-id", model.StatusResolved); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.SetEventStatus(ctx, id2, model.StatusActive); !errors.Is(err, ErrNoTransition) {
		t.Fatalf("active is not a transition target, got %v", err)
	}
}

func TestEventSignalsProvenance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cand := seedCandidate(t, store)

	id, _, err := store.UpsertActiveEvent(ctx, cand, 0.4, time.Now().UTC())
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	signals, err := store.EventSignals(ctx, id)
	if err != nil {
		t.Fatalf("event signals: %v", err)
	}
	if len(signals) != 3 {
		t.Fatalf("expected 3 supporting signals, got %d", len(signals))
	}
	for _, s := range signals {
		if s.RawPageID == "" {
			t.Fatalf("signal lost its raw page reference")
		}
		if _, err := store.GetRawPage(ctx, s.RawPageID); err != nil {
			t.Fatalf("trace back to document: %v", err)
		}
	}
}
