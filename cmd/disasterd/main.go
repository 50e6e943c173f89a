package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/thejenniferfang/disaster-response/internal/api"
	"github.com/thejenniferfang/disaster-response/internal/config"
	"github.com/thejenniferfang/disaster-response/internal/detect"
	"github.com/thejenniferfang/disaster-response/internal/detections"
	"github.com/thejenniferfang/disaster-response/internal/ingest"
	"github.com/thejenniferfang/disaster-response/internal/logging"
	"github.com/thejenniferfang/disaster-response/internal/model"
	"github.com/thejenniferfang/disaster-response/internal/stats"
	"github.com/thejenniferfang/disaster-response/internal/storage"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "path to YAML or JSON config file")
	flag.Parse()

	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	var manager *config.Manager
	var err error
	if *configPath != "" {
		manager, err = config.NewManager(config.ResolvePath(*configPath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg := config.DefaultConfig()
		config.ApplyEnvOverrides(cfg)
		manager = config.NewStaticManager(cfg)
	}
	cfg := manager.Get()

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting disaster-response", "version", version, "storage_driver", cfg.Storage.Driver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer store.Close()
	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := store.Init(initCtx); err != nil {
		initCancel()
		logger.Error("init store", "err", err)
		os.Exit(1)
	}
	initCancel()

	detectionsStore := detections.NewStore(cfg.Detections.StoreLimit)
	statsStore := stats.NewStore()

	batches := make(chan model.IngestBatch, cfg.Ingest.ChannelBuffer)
	dedupe := ingest.NewDedupeCache(cfg.Ingest.DedupeTTL)
	ingest.StartWorkers(ctx, store, batches, cfg.Ingest.Workers, dedupe, statsStore, logging.For(logger, "ingest"))
	ingest.StartREST(ctx, manager, batches, statsStore, logging.For(logger, "ingest.rest"))
	ingest.StartKafka(ctx, manager, batches, statsStore, logging.For(logger, "ingest.kafka"))
	ingest.StartReplay(ctx, manager, batches, statsStore, logging.For(logger, "ingest.replay"))

	engine := detect.NewEngine(cfg, store, detectionsStore, statsStore, logging.For(logger, "detect"))
	go engine.Run(ctx)

	api.Start(ctx, manager, store, detectionsStore, statsStore, engine, logging.For(logger, "api"), version)

	if manager.Path() != "" {
		go manager.Watch(3*time.Second,
			func(next *config.Config) {
				engine.UpdateConfig(next)
				logger.Info("config reloaded", "path", manager.Path())
			},
			func(err error) {
				logger.Warn("config reload failed", "err", err)
			},
			ctx.Done(),
		)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	cancel()
	time.Sleep(200 * time.Millisecond)
}
