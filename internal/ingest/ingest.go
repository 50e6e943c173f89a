package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejenniferfang/disaster-response/internal/model"
	"github.com/thejenniferfang/disaster-response/internal/stats"
	"github.com/thejenniferfang/disaster-response/internal/storage"
)

// SendNonBlocking enqueues a batch without ever blocking an ingest source.
// When the channel is full the batch is dropped and logged; the source is
// expected to re-fetch on its next cycle.
func SendNonBlocking(ctx context.Context, out chan<- model.IngestBatch, batch model.IngestBatch, logger *slog.Logger) bool {
	select {
	case out <- batch:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("ingest channel full, dropping batch", "url", batch.Page.URL, "source", batch.Source)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// StartWorkers runs n ingestion workers over the batch channel. Workers
// share no state: concurrent PutRawPage calls for the same (url, hash) are
// resolved by the store's uniqueness constraint, not by locking here.
func StartWorkers(ctx context.Context, store storage.Store, in <-chan model.IngestBatch, n int, dedupe *DedupeCache, statsStore *stats.Store, logger *slog.Logger) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		go func() {
			for {
				select {
				case batch := <-in:
					processBatch(ctx, store, batch, dedupe, statsStore, logger)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

func processBatch(ctx context.Context, store storage.Store, batch model.IngestBatch, dedupe *DedupeCache, statsStore *stats.Store, logger *slog.Logger) {
	if dedupe != nil && dedupe.Seen(batch.Page.URL+"|"+batch.Page.ContentHash, time.Now().UTC()) {
		// Identical content seen moments ago: skip the round trip entirely
		// rather than re-append the same extraction.
		if statsStore != nil {
			statsStore.RecordDocument(batch.Source, false, 0)
		}
		return
	}
	pageID, created, err := store.PutRawPage(ctx, batch.Page)
	if err != nil {
		if statsStore != nil {
			statsStore.RecordError(batch.Source)
		}
		if logger != nil {
			logger.Error("store raw page failed", "url", batch.Page.URL, "err", err)
		}
		return
	}
	signalIDs, err := store.AppendSignals(ctx, pageID, batch.Signals)
	if err != nil {
		if statsStore != nil {
			statsStore.RecordError(batch.Source)
		}
		if logger != nil {
			logger.Error("append signals failed", "raw_page_id", pageID, "err", err)
		}
		return
	}
	if statsStore != nil {
		statsStore.RecordDocument(batch.Source, created, len(signalIDs))
	}
	if logger != nil {
		logger.Debug("batch ingested",
			"raw_page_id", pageID,
			"created", created,
			"signals", len(signalIDs),
			"source", batch.Source,
		)
	}
}
