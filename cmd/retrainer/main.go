// Command retrainer keeps the workshop's prediction models fresh.
//
// It runs a continuous control loop that:
//  1. Evaluates every managed model type for staleness, performance
//     degradation, data growth, and feature drift
//  2. Retrains the candidates in priority order against fresh data pulled
//     from the reporting API
//  3. Versions each trained artifact and promotes it only when it beats the
//     currently serving version
//  4. Serves cached, low-latency predictions from the promoted versions
//
// The retrainer serves an HTTP API on port 8084 (configurable) providing:
//   - POST /retraining/schedule - Start an evaluation sweep
//   - POST /retraining/model - Retrain one model type immediately
//   - GET  /retraining/status - Scheduler state and recent sessions
//   - GET  /models - Registry listing
//   - POST /models/cleanup - Remove old versions
//   - GET  /predict - Serve a prediction
//   - GET  /healthz - Health check endpoint
//   - GET  /metrics - Prometheus metrics endpoint
//
// Usage:
//
//	retrainer \
//	  -extract-url='https://erp.example.com/api/analytics/{{.ModelType}}?start={{.StartRFC3339}}&end={{.EndRFC3339}}' \
//	  -extract-records-path=data.records \
//	  -extract-target=revenue \
//	  -cache=redis -redis-addr=redis:6379
//
// Environment variables mirror the flags (EXTRACT_URL, CACHE, REDIS_ADDR,
// LOG_LEVEL, ...); column mappings come from EXTRACT_COL_* and request
// headers from EXTRACT_HEADER_*.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/motorbay/retrainer/cmd/retrainer/config"
	"github.com/motorbay/retrainer/cmd/retrainer/metrics"
	"github.com/motorbay/retrainer/cmd/retrainer/router"
	"github.com/motorbay/retrainer/pkg/cache"
	"github.com/motorbay/retrainer/pkg/docstore"
	"github.com/motorbay/retrainer/pkg/evaluate"
	"github.com/motorbay/retrainer/pkg/extract"
	"github.com/motorbay/retrainer/pkg/httpx"
	"github.com/motorbay/retrainer/pkg/lease"
	"github.com/motorbay/retrainer/pkg/notify"
	"github.com/motorbay/retrainer/pkg/scheduler"
	"github.com/motorbay/retrainer/pkg/serving"
	"github.com/motorbay/retrainer/pkg/storage"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	cfg := config.ParseFlags()

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting retrainer",
		"version", version,
		"listen", cfg.Listen,
		"cache", cfg.Cache,
		"sweep_interval", cfg.SweepInterval,
	)

	store, err := storage.NewFSStore(cfg.DataDir, logger)
	if err != nil {
		logger.Error("failed to open model store", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	kv, locks := buildCacheAndLease(cfg, logger)
	if closer, ok := kv.(interface{ Close() error }); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				logger.Error("failed to close cache", "error", err)
			}
		}()
	}
	if stopper, ok := kv.(interface{ Stop() }); ok {
		defer stopper.Stop()
	}

	httpClient, err := httpx.NewClient(cfg.TLS, cfg.ExtractTimeout)
	if err != nil {
		logger.Error("failed to build HTTP client", "error", err)
		os.Exit(1)
	}

	extractor := &extract.HTTPExtractor{
		URL:         cfg.ExtractURL,
		Method:      cfg.ExtractMethod,
		Body:        cfg.ExtractBody,
		Headers:     cfg.ExtractHeaders,
		RecordsPath: cfg.ExtractRecordsPath,
		Columns:     cfg.ExtractColumns,
		Target:      cfg.ExtractTarget,
		HTTPClient:  httpClient,
	}
	if err := extractor.ValidateConfig(); err != nil {
		logger.Error("invalid extractor configuration", "error", err)
		os.Exit(1)
	}

	var docs docstore.Store = docstore.NewMemory()
	if cfg.ConfigStoreURL != "" {
		docs = &docstore.HTTPStore{BaseURL: cfg.ConfigStoreURL, HTTPClient: httpClient}
	}

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.WebhookURL, nil, httpClient)
	}

	m := metrics.New()
	evaluator := evaluate.New(store, extractor, logger)
	usage := serving.NewUsage(kv)

	var accessLog *serving.AccessLog
	if cfg.AccessLogPath != "" {
		accessLog, err = serving.OpenAccessLog(cfg.AccessLogPath)
		if err != nil {
			logger.Error("failed to open access log", "path", cfg.AccessLogPath, "error", err)
			os.Exit(1)
		}
		defer accessLog.Close()
	}

	serve, err := serving.New(serving.Options{
		Store:         store,
		Cache:         kv,
		Extractor:     extractor,
		Usage:         usage,
		AccessLog:     accessLog,
		Logger:        logger,
		LatencyBudget: cfg.LatencyBudget,
		Observer:      m,
	})
	if err != nil {
		logger.Error("failed to build serving layer", "error", err)
		os.Exit(1)
	}

	sched, err := scheduler.New(scheduler.Options{
		Store:      store,
		Docs:       docs,
		Extractor:  extractor,
		Evaluator:  evaluator,
		Lease:      locks,
		Usage:      usage,
		Notifier:   notifier,
		Logger:     logger,
		LogDir:     cfg.SessionLogDir,
		ModelTypes: cfg.ModelTypes,
		JobTimeout: cfg.JobTimeout,
		Observer:   m,
	})
	if err != nil {
		logger.Error("failed to build scheduler", "error", err)
		os.Exit(1)
	}

	modelTypes := cfg.ModelTypes
	if len(modelTypes) == 0 {
		modelTypes = docstore.KnownModelTypes()
	}
	mux := router.SetupRoutes(router.Options{
		Scheduler:  sched,
		Store:      store,
		Serving:    serve,
		ModelTypes: modelTypes,
		Logger:     logger,
		Metrics:    m,
	})
	httpServer := httpx.NewServer(cfg.Listen, mux, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := NewRetrainer(sched, logger, m)
	go func() {
		if err := loop.Run(ctx, cfg.SweepInterval); err != nil && err != context.Canceled {
			logger.Error("retraining loop failed", "error", err)
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		if cfg.TLS.Enabled {
			serverErr <- httpServer.StartTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serverErr <- httpServer.Start()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
	}

	logger.Info("shutting down")
	cancel()

	if err := httpServer.Stop(10 * time.Second); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// buildCacheAndLease wires the cache backend and the matching lease backend:
// redis gives cross-instance exclusion, memory is per-process only.
func buildCacheAndLease(cfg *config.Config, logger *slog.Logger) (cache.Cache, lease.Lease) {
	if cfg.Cache == "redis" {
		kv, err := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CacheTTL)
		if err != nil {
			logger.Error("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		locks, err := lease.NewRedisFromAddr(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Error("failed to build redis lease", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		return kv, locks
	}
	return cache.NewMemory(cfg.CacheTTL), lease.NewMemory()
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
