package ingest

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/thejenniferfang/disaster-response/internal/config"
	"github.com/thejenniferfang/disaster-response/internal/model"
	"github.com/thejenniferfang/disaster-response/internal/stats"
)

// StartKafka consumes document payloads, one JSON payload per message.
func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.IngestBatch, statsStore *stats.Store, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				continue
			}
			payload, err := ParsePayload(m.Value)
			if err != nil {
				if statsStore != nil {
					statsStore.RecordRejected("kafka")
				}
				if logger != nil {
					logger.Warn("kafka payload parse error", "err", err)
				}
				continue
			}
			batch, err := ToBatch(payload, "kafka")
			if err != nil {
				if statsStore != nil {
					statsStore.RecordRejected("kafka")
				}
				if logger != nil {
					logger.Warn("kafka payload rejected", "url", payload.URL, "err", err)
				}
				continue
			}
			if !SendNonBlocking(ctx, out, batch, logger) && statsStore != nil {
				statsStore.RecordDropped("kafka")
			}
		}
	}()
}
