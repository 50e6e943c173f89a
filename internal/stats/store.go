package stats

import (
	"sync"
	"time"
)

// IngestCounters tracks what one ingest source has produced.
type IngestCounters struct {
	Documents        int64 `json:"documents"`
	DocumentsNew     int64 `json:"documents_new"`
	DocumentsDeduped int64 `json:"documents_deduped"`
	Signals          int64 `json:"signals"`
	Rejected         int64 `json:"rejected"`
	Dropped          int64 `json:"dropped"`
	Errors           int64 `json:"errors"`
}

// PassSummary describes the most recent detection pass.
type PassSummary struct {
	At            time.Time `json:"at"`
	Candidates    int       `json:"candidates"`
	EventsCreated int       `json:"events_created"`
	EventsUpdated int       `json:"events_updated"`
	Failed        int       `json:"failed"`
	Elapsed       string    `json:"elapsed"`
}

// Store holds in-memory operational counters for the JSON API. Nothing in
// it affects correctness; the persistent store is the source of truth.
type Store struct {
	mu       sync.RWMutex
	bySource map[string]*IngestCounters
	lastPass PassSummary
	passes   int64
	started  time.Time
}

func NewStore() *Store {
	return &Store{
		bySource: make(map[string]*IngestCounters),
		started:  time.Now().UTC(),
	}
}

func (s *Store) source(name string) *IngestCounters {
	if name == "" {
		name = "unknown"
	}
	c, ok := s.bySource[name]
	if !ok {
		c = &IngestCounters{}
		s.bySource[name] = c
	}
	return c
}

func (s *Store) RecordDocument(source string, created bool, signalCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.source(source)
	c.Documents++
	if created {
		c.DocumentsNew++
	} else {
		c.DocumentsDeduped++
	}
	c.Signals += int64(signalCount)
}

func (s *Store) RecordRejected(source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source(source).Rejected++
}

func (s *Store) RecordDropped(source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source(source).Dropped++
}

func (s *Store) RecordError(source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source(source).Errors++
}

func (s *Store) RecordPass(summary PassSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPass = summary
	s.passes++
}

type Snapshot struct {
	StartedAt time.Time                 `json:"started_at"`
	Ingest    map[string]IngestCounters `json:"ingest"`
	Passes    int64                     `json:"detection_passes"`
	LastPass  PassSummary               `json:"last_pass"`
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ingest := make(map[string]IngestCounters, len(s.bySource))
	for name, c := range s.bySource {
		ingest[name] = *c
	}
	return Snapshot{
		StartedAt: s.started,
		Ingest:    ingest,
		Passes:    s.passes,
		LastPass:  s.lastPass,
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySource = make(map[string]*IngestCounters)
	s.lastPass = PassSummary{}
	s.passes = 0
}
