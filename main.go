package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"medpredict/config"
	"medpredict/db"
	"medpredict/diagnosis"
	mhttp "medpredict/http"
	"medpredict/logging"
	"medpredict/ml"
	"medpredict/monitoring"
)

func main() {
	configPath := flag.String("config", "config.yaml", "config file")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service stopped with error", zap.Error(err))
	}
	logger.Info("exiting")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// 2. Initialize database
	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("database initialized", zap.String("path", cfg.Database.Path))

	// 3. Model cache, metrics and watcher
	metrics := monitoring.NewMetrics()
	cache, err := ml.NewCache(ml.CacheConfig{
		Size:    cfg.Models.CacheSize,
		Options: []ml.Option{ml.WithMinRequiredRatio(cfg.Models.MinRequiredRatio), ml.WithLogger(logger.Named("predictor"))},
		Logger:  logger.Named("cache"),
		OnLoad:  metrics.ObserveLoad,
	})
	if err != nil {
		return err
	}
	metrics.RegisterGauge(monitoring.MetricModelCacheSize, func() int64 { return int64(cache.Len()) })

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Models.Watch {
		if err := os.MkdirAll(cfg.Models.Root, 0o755); err != nil {
			return err
		}
		watcher, err := ml.NewWatcher(cfg.Models.Root, cache, logger.Named("watcher"))
		if err != nil {
			return err
		}
		g.Go(func() error { return watcher.Run(ctx) })
	}

	// 4. Diagnosis service and worker pool
	service := diagnosis.NewService(store, store, cache, diagnosis.NewLogNotifier(logger.Named("notify")), diagnosis.ServiceConfig{
		ModelsRoot:     cfg.Models.Root,
		PredictTimeout: cfg.Diagnosis.PredictTimeout,
		Logger:         logger.Named("diagnosis"),
		Recorder:       metrics,
	})
	if ids, err := service.RecoverStale(ctx, cfg.Diagnosis.StaleAfter); err != nil {
		logger.Warn("stale diagnosis recovery failed", zap.Error(err))
	} else if len(ids) > 0 {
		logger.Info("recovered stale diagnoses", zap.Int("count", len(ids)))
	}
	processor := diagnosis.NewProcessor(service, diagnosis.ProcessorConfig{
		Workers:      cfg.Diagnosis.Workers,
		PollInterval: cfg.Diagnosis.PollInterval,
		BatchSize:    cfg.Diagnosis.BatchSize,
		StaleAfter:   cfg.Diagnosis.StaleAfter,
	})
	g.Go(func() error { return processor.Run(ctx) })

	// 5. Start HTTP server
	server := mhttp.NewServer(mhttp.ServerConfig{Port: cfg.HTTP.Port, Timeout: cfg.HTTP.Timeout}, mhttp.Dependencies{
		Cache:      cache,
		Metrics:    metrics,
		Database:   store,
		ModelsRoot: cfg.Models.Root,
		Logger:     logger.Named("http"),
	})
	g.Go(server.Start)

	// 6. Handle graceful shutdown
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	return g.Wait()
}
