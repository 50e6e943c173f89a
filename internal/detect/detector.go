package detect

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/thejenniferfang/disaster-response/internal/model"
	"github.com/thejenniferfang/disaster-response/internal/storage"
)

// Params bound the cost and result size of a single detector pass.
type Params struct {
	WindowMinutes        int
	MinCount             int
	MaxGroups            int
	MaxSignalIDsPerGroup int
}

// Detector runs the windowed group-by over recent signals. It is a pure
// read: two passes against an unchanged store yield identical candidates.
type Detector struct {
	store storage.Store
	now   func() time.Time
}

func NewDetector(store storage.Store) *Detector {
	return &Detector{store: store, now: func() time.Time { return time.Now().UTC() }}
}

type groupKey struct {
	region     string
	signalType string
}

type group struct {
	count     int
	sumConf   float64
	signalIDs []string
	firstSeen time.Time
	lastSeen  time.Time
}

// Detect filters signals to the trailing window, groups them by the exact
// (region, signal_type) pair, and returns groups of at least MinCount
// members ordered by (count desc, avg confidence desc) and capped at
// MaxGroups. Signal ids are truncated per group in ascending
// (timestamp, id) order so truncation is deterministic.
func (d *Detector) Detect(ctx context.Context, p Params) ([]model.EventCandidate, error) {
	if p.WindowMinutes <= 0 {
		p.WindowMinutes = 30
	}
	if p.MinCount <= 0 {
		p.MinCount = 1
	}
	if p.MaxGroups <= 0 {
		p.MaxGroups = 50
	}
	if p.MaxSignalIDsPerGroup <= 0 {
		p.MaxSignalIDsPerGroup = 25
	}

	cutoff := d.now().Add(-time.Duration(p.WindowMinutes) * time.Minute)
	signals, err := d.store.SignalsSince(ctx, cutoff, 0)
	if err != nil {
		return nil, fmt.Errorf("detect: load window: %w", err)
	}

	groups := make(map[groupKey]*group)
	for _, s := range signals {
		key := groupKey{region: s.Region, signalType: s.SignalType}
		g, ok := groups[key]
		if !ok {
			g = &group{firstSeen: s.Timestamp, lastSeen: s.Timestamp}
			groups[key] = g
		}
		g.count++
		g.sumConf += s.SourceConfidence
		if len(g.signalIDs) < p.MaxSignalIDsPerGroup {
			g.signalIDs = append(g.signalIDs, s.ID)
		}
		if s.Timestamp.Before(g.firstSeen) {
			g.firstSeen = s.Timestamp
		}
		if s.Timestamp.After(g.lastSeen) {
			g.lastSeen = s.Timestamp
		}
	}

	out := make([]model.EventCandidate, 0, len(groups))
	for key, g := range groups {
		if g.count < p.MinCount {
			continue
		}
		out = append(out, model.EventCandidate{
			Region:        key.region,
			EventType:     key.signalType,
			Count:         g.count,
			AvgConfidence: g.sumConf / float64(g.count),
			SignalIDs:     g.signalIDs,
			FirstSeen:     g.firstSeen,
			LastSeen:      g.lastSeen,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].AvgConfidence != out[j].AvgConfidence {
			return out[i].AvgConfidence > out[j].AvgConfidence
		}
		if out[i].Region != out[j].Region {
			return out[i].Region < out[j].Region
		}
		return out[i].EventType < out[j].EventType
	})
	if len(out) > p.MaxGroups {
		out = out[:p.MaxGroups]
	}
	return out, nil
}
