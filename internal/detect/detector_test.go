package detect

import (
	"context"
	"math"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/thejenniferfang/disaster-response/internal/model"
	"github.com/thejenniferfang/disaster-response/internal/storage"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "detect.db") + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	store, err := storage.NewSQLite(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return store
}

func seedPage(t *testing.T, store storage.Store, url string) string {
	t.Helper()
	id, _, err := store.PutRawPage(context.Background(), model.RawPage{
		URL:        url,
		FetchedAt:  time.Now().UTC(),
		SourceType: model.SourceNews,
		Content:    "content for " + url,
	})
	if err != nil {
		t.Fatalf("put page: %v", err)
	}
	return id
}

func appendSignals(t *testing.T, store storage.Store, pageID string, signals []model.Signal) {
	t.Helper()
	if _, err := store.AppendSignals(context.Background(), pageID, signals); err != nil {
		t.Fatalf("append signals: %v", err)
	}
}

func fixedDetector(store storage.Store, now time.Time) *Detector {
	d := NewDetector(store)
	d.now = func() time.Time { return now }
	return d
}

func TestDetectGroupsByRegionAndType(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	pageID := seedPage(t, store, "https://example.org/quake")

	appendSignals(t, store, pageID, []model.Signal{
		{Timestamp: now.Add(-20 * time.Minute), Region: "Hatay Province", SignalType: "infrastructure_outage", SourceConfidence: 0.9},
		{Timestamp: now.Add(-15 * time.Minute), Region: "Hatay Province", SignalType: "infrastructure_outage", SourceConfidence: 0.75},
		{Timestamp: now.Add(-5 * time.Minute), Region: "Hatay Province", SignalType: "infrastructure_outage", SourceConfidence: 0.8},
		// Below min count.
		{Timestamp: now.Add(-10 * time.Minute), Region: "Gaziantep", SignalType: "infrastructure_outage", SourceConfidence: 0.9},
		{Timestamp: now.Add(-9 * time.Minute), Region: "Gaziantep", SignalType: "infrastructure_outage", SourceConfidence: 0.9},
		// Outside the window.
		{Timestamp: now.Add(-2 * time.Hour), Region: "Hatay Province", SignalType: "infrastructure_outage", SourceConfidence: 0.99},
	})

	d := fixedDetector(store, now)
	cands, err := d.Detect(context.Background(), Params{WindowMinutes: 30, MinCount: 3})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("expected 1 candidate, got %d: %+v", len(cands), cands)
	}
	c := cands[0]
	if c.Region != "Hatay Province" || c.EventType != "infrastructure_outage" {
		t.Fatalf("wrong group: %q/%q", c.Region, c.EventType)
	}
	if c.Count != 3 {
		t.Fatalf("old signal leaked into window: count=%d", c.Count)
	}
	wantAvg := (0.9 + 0.75 + 0.8) / 3
	if math.Abs(c.AvgConfidence-wantAvg) > 1e-9 {
		t.Fatalf("avg confidence = %v, want %v", c.AvgConfidence, wantAvg)
	}
	if len(c.SignalIDs) != 3 {
		t.Fatalf("expected 3 signal ids, got %d", len(c.SignalIDs))
	}
	if !c.FirstSeen.Equal(now.Add(-20*time.Minute)) || !c.LastSeen.Equal(now.Add(-5*time.Minute)) {
		t.Fatalf("window edges wrong: first=%v last=%v", c.FirstSeen, c.LastSeen)
	}
}

func TestDetectExactKeyMatch(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	pageID := seedPage(t, store, "https://example.org/regions")

	// Region strings differ only by case and whitespace; they must not merge.
	appendSignals(t, store, pageID, []model.Signal{
		{Timestamp: now.Add(-5 * time.Minute), Region: "Hatay", SignalType: "flood", SourceConfidence: 0.8},
		{Timestamp: now.Add(-4 * time.Minute), Region: "hatay", SignalType: "flood", SourceConfidence: 0.8},
		{Timestamp: now.Add(-3 * time.Minute), Region: "Hatay ", SignalType: "flood", SourceConfidence: 0.8},
	})

	d := fixedDetector(store, now)
	cands, err := d.Detect(context.Background(), Params{WindowMinutes: 30, MinCount: 1})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(cands) != 3 {
		t.Fatalf("expected 3 distinct groups, got %d", len(cands))
	}
}

func TestDetectDeterministicOrderAndCaps(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	pageID := seedPage(t, store, "https://example.org/caps")

	var batch []model.Signal
	add := func(n int, region, typ string, conf float64) {
		for i := 0; i < n; i++ {
			batch = append(batch, model.Signal{
				Timestamp:        now.Add(-time.Duration(25-i) * time.Minute),
				Region:           region,
				SignalType:       typ,
				SourceConfidence: conf,
			})
		}
	}
	add(5, "Adana", "flood", 0.6)
	add(5, "Hatay", "flood", 0.9)
	add(4, "Mersin", "wildfire", 0.7)
	add(3, "Izmir", "flood", 0.5)

	appendSignals(t, store, pageID, batch)
	d := fixedDetector(store, now)

	p := Params{WindowMinutes: 30, MinCount: 3, MaxGroups: 3, MaxSignalIDsPerGroup: 2}
	first, err := d.Detect(context.Background(), p)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	second, err := d.Detect(context.Background(), p)
	if err != nil {
		t.Fatalf("detect again: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("detection is not deterministic:\n%+v\n%+v", first, second)
	}

	if len(first) != 3 {
		t.Fatalf("MaxGroups not applied: got %d groups", len(first))
	}
	// Ties on count break on avg confidence; the 3-count group is cut.
	if first[0].Region != "Hatay" || first[1].Region != "Adana" || first[2].Region != "Mersin" {
		t.Fatalf("unexpected order: %q, %q, %q", first[0].Region, first[1].Region, first[2].Region)
	}
	for _, c := range first {
		if len(c.SignalIDs) > 2 {
			t.Fatalf("MaxSignalIDsPerGroup not applied: %d ids", len(c.SignalIDs))
		}
		// Truncation keeps the earliest signals.
		if c.Count < len(c.SignalIDs) {
			t.Fatalf("id list longer than group")
		}
	}
}

func TestDetectEmptyWindow(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	d := fixedDetector(store, now)
	cands, err := d.Detect(context.Background(), Params{WindowMinutes: 30, MinCount: 3})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(cands) != 0 {
		t.Fatalf("expected no candidates, got %d", len(cands))
	}
}
