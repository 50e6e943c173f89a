package detect

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/thejenniferfang/disaster-response/internal/config"
	"github.com/thejenniferfang/disaster-response/internal/detections"
	"github.com/thejenniferfang/disaster-response/internal/stats"
	"github.com/thejenniferfang/disaster-response/internal/storage"
)

// Engine drives periodic detection passes: detect candidate clusters,
// score them, and upsert each into the events table. Passes are
// independent and idempotent; overlapping runs are safe because the
// detector is a pure read and the upsert is atomic per group.
type Engine struct {
	store      storage.Store
	detector   *Detector
	detections *detections.Store
	stats      *stats.Store
	logger     *slog.Logger
	cfg        atomic.Value
}

func NewEngine(cfg *config.Config, store storage.Store, detectionsStore *detections.Store, statsStore *stats.Store, logger *slog.Logger) *Engine {
	e := &Engine{
		store:      store,
		detector:   NewDetector(store),
		detections: detectionsStore,
		stats:      statsStore,
		logger:     logger,
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// Run executes detection passes on the configured interval until ctx ends.
func (e *Engine) Run(ctx context.Context) {
	for {
		interval := e.config().Detection.PollInterval
		if interval <= 0 {
			interval = time.Minute
		}
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
			if e.config().Detection.Enabled {
				if _, err := e.RunOnce(ctx); err != nil && e.logger != nil {
					e.logger.Error("detection pass failed", "err", err)
				}
			}
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// RunOnce performs a single detect-score-upsert pass. A store failure mid
// pass leaves prior upserts committed and later ones skipped; nothing is
// left partially written because each upsert is one atomic operation.
func (e *Engine) RunOnce(ctx context.Context) (stats.PassSummary, error) {
	cfg := e.config().Detection
	started := time.Now()

	candidates, err := e.detector.Detect(ctx, Params{
		WindowMinutes:        cfg.WindowMinutes,
		MinCount:             cfg.MinCount,
		MaxGroups:            cfg.MaxGroups,
		MaxSignalIDsPerGroup: cfg.MaxSignalIDsPerGroup,
	})
	if err != nil {
		return stats.PassSummary{}, err
	}

	summary := stats.PassSummary{
		At:         time.Now().UTC(),
		Candidates: len(candidates),
	}
	for _, cand := range candidates {
		confidence := Score(cand.Count, cand.AvgConfidence)
		eventID, created, err := e.store.UpsertActiveEvent(ctx, cand, confidence, time.Now().UTC())
		if err != nil {
			summary.Failed++
			if e.logger != nil {
				e.logger.Error("event upsert failed",
					"region", cand.Region,
					"event_type", cand.EventType,
					"err", err,
				)
			}
			continue
		}
		if created {
			summary.EventsCreated++
		} else {
			summary.EventsUpdated++
		}
		if e.detections != nil {
			e.detections.Add(detections.Record{
				At:            time.Now().UTC(),
				Region:        cand.Region,
				EventType:     cand.EventType,
				Count:         cand.Count,
				AvgConfidence: cand.AvgConfidence,
				Confidence:    confidence,
				EventID:       eventID,
				Created:       created,
			})
		}
		if e.logger != nil && created {
			e.logger.Warn("event detected",
				"event_id", eventID,
				"region", cand.Region,
				"event_type", cand.EventType,
				"count", cand.Count,
				"confidence", confidence,
			)
		}
	}
	summary.Elapsed = time.Since(started).String()
	if e.stats != nil {
		e.stats.RecordPass(summary)
	}
	if e.logger != nil {
		e.logger.Info("detection pass complete",
			"candidates", summary.Candidates,
			"created", summary.EventsCreated,
			"updated", summary.EventsUpdated,
			"failed", summary.Failed,
			"elapsed", summary.Elapsed,
		)
	}
	return summary, nil
}
