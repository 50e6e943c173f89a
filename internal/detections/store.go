package detections

import (
	"sync"
	"time"
)

// Record is one detection outcome: a candidate cluster that was upserted
// into an event. Created distinguishes a brand-new event from a merge.
type Record struct {
	At            time.Time `json:"at"`
	Region        string    `json:"region"`
	EventType     string    `json:"event_type"`
	Count         int       `json:"count"`
	AvgConfidence float64   `json:"avg_confidence"`
	Confidence    float64   `json:"confidence"`
	EventID       string    `json:"event_id"`
	Created       bool      `json:"created"`
}

// Store is a bounded in-memory ring of recent detection outcomes, read by
// the API for operational visibility. The persistent record is the events
// table; this is a convenience view only.
type Store struct {
	mu    sync.RWMutex
	buf   []Record
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, rec)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = rec
}

func (s *Store) List(limit int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]Record, 0, limit)
	start := len(s.buf) - limit
	if start < 0 {
		start = 0
	}
	for i := start; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0)
	for _, r := range s.buf {
		if !r.At.Before(ts) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
