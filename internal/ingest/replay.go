package ingest

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/thejenniferfang/disaster-response/internal/config"
	"github.com/thejenniferfang/disaster-response/internal/model"
	"github.com/thejenniferfang/disaster-response/internal/stats"
)

// StartReplay feeds NDJSON payload files through the normal ingest path,
// one JSON payload per line. Used for seeding demo data and backfilling
// from archived fetches; each file is read once, not tailed.
func StartReplay(ctx context.Context, cfg *config.Manager, out chan<- model.IngestBatch, statsStore *stats.Store, logger *slog.Logger) {
	current := cfg.Get().Ingest.Replay
	if !current.Enabled {
		if logger != nil {
			logger.Info("replay ingest disabled")
		}
		return
	}
	for _, path := range current.Files {
		path := path
		if logger != nil {
			logger.Info("replay ingest enabled", "path", path)
		}
		go replayFile(ctx, path, out, statsStore, logger)
	}
}

func replayFile(ctx context.Context, path string, out chan<- model.IngestBatch, statsStore *stats.Store, logger *slog.Logger) {
	f, err := os.Open(path)
	if err != nil {
		if logger != nil {
			logger.Warn("replay open failed", "path", path, "err", err)
		}
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
	lineNo := 0
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		payload, err := ParsePayload([]byte(line))
		if err != nil {
			if statsStore != nil {
				statsStore.RecordRejected("replay")
			}
			if logger != nil {
				logger.Warn("replay parse error", "path", path, "line", lineNo, "err", err)
			}
			continue
		}
		batch, err := ToBatch(payload, "replay")
		if err != nil {
			if statsStore != nil {
				statsStore.RecordRejected("replay")
			}
			if logger != nil {
				logger.Warn("replay payload rejected", "path", path, "line", lineNo, "err", err)
			}
			continue
		}
		// Block rather than drop: replay has no next cycle to retry on.
		select {
		case out <- batch:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && logger != nil {
		logger.Warn("replay read error", "path", path, "err", err)
	}
	if logger != nil {
		logger.Info("replay complete", "path", path, "lines", lineNo)
	}
}
