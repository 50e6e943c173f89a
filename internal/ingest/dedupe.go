package ingest

import (
	"sync"
	"time"
)

// DedupeCache remembers recently ingested (url, content_hash) pairs so
// workers can skip store round trips for content just seen. Purely an
// optimization: the store's uniqueness constraint remains the correctness
// guarantee when entries expire or the process restarts.
type DedupeCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]time.Time
}

func NewDedupeCache(ttl time.Duration) *DedupeCache {
	return &DedupeCache{ttl: ttl, items: make(map[string]time.Time)}
}

func (d *DedupeCache) Seen(key string, now time.Time) bool {
	if d.ttl <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[key]; ok {
		if now.Sub(ts) <= d.ttl {
			return true
		}
	}
	d.items[key] = now
	if len(d.items) > 10000 {
		d.compact(now)
	}
	return false
}

func (d *DedupeCache) compact(now time.Time) {
	for k, ts := range d.items {
		if now.Sub(ts) > d.ttl {
			delete(d.items, k)
		}
	}
}
