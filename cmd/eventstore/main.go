// Package main implements the eventstore service entry point: the events
// retrieval/aggregation engine and the asynchronous bulk-deletion pipeline
// behind one HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/eventstore/api"
	"github.com/c360/eventstore/cardinality"
	"github.com/c360/eventstore/config"
	"github.com/c360/eventstore/deletion"
	"github.com/c360/eventstore/docstore"
	"github.com/c360/eventstore/events"
	"github.com/c360/eventstore/limiter"
	"github.com/c360/eventstore/metric"
	"github.com/c360/eventstore/natsclient"
	"github.com/c360/eventstore/objectref"
	"github.com/c360/eventstore/scroll"
)

const (
	Version = "0.1.0"
	appName = "eventstore"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   = flag.String("config", "", "path to YAML configuration file")
		logFormat    = flag.String("log-format", "json", "log format: json or text")
		validateOnly = flag.Bool("validate", false, "validate configuration and exit")
		showVersion  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *validateOnly {
		fmt.Println("configuration is valid")
		return nil
	}

	logger := setupLogger(cfg.LogLevel, *logFormat)
	slog.SetDefault(logger)
	logger.Info("starting eventstore", "version", Version, "config_path", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Backing services.
	store, err := docstore.NewElastic(cfg.Elasticsearch, logger)
	if err != nil {
		return fmt.Errorf("connect document store: %w", err)
	}

	nats, err := natsclient.Connect(cfg.NATS, logger)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nats.Close()

	bucket, err := nats.KeyValue(ctx, cfg.NATSJobBucket)
	if err != nil {
		return fmt.Errorf("open job bucket: %w", err)
	}

	registry := metric.NewRegistry()

	// Aggregation read path.
	lim, err := limiter.New(cfg.MaxMetricsConcurrency)
	if err != nil {
		return err
	}
	estimator := cardinality.NewEstimator(store, cfg.CardinalityPolicy(), cfg.StaticCaps(), logger)
	engine := events.NewEngine(store, estimator, lim, events.Options{
		AllowUninitializedVariants: cfg.AllowUninitializedVariants,
		PlotCache:                  cfg.PlotCache,
	}, registry.Metrics, logger)

	scrolls, err := scroll.NewManager(store, []byte(cfg.ScrollSecret),
		cfg.StateExpirationSec, cfg.MaxRawScalarsSize, logger)
	if err != nil {
		return err
	}

	// Deletion pipeline.
	budget := deletion.NewRateBudget(cfg.MaxDeletionEventsPerSec, time.Second)
	jobs := deletion.NewKVJobStore(nats.NewKVStore(bucket))
	objects := deletion.NewObjectDeleter(cfg.FileServer, logger, registry.Metrics)

	schedCfg := cfg.Deletion
	schedCfg.AllowBatchDelete = cfg.DeleteAllowBatch
	scheduler := deletion.NewScheduler(schedCfg, store, jobs, budget,
		objectref.NewResolver(cfg.URLPrefixes), objects, logger, registry)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start deletion scheduler: %w", err)
	}
	defer func() {
		if err := scheduler.Stop(); err != nil {
			logger.Warn("deletion scheduler stop", "error", err)
		}
	}()

	// HTTP surface.
	server := api.NewServer(api.Deps{
		Engine:                   engine,
		Scrolls:                  scrolls,
		Scheduler:                scheduler,
		Store:                    store,
		NATS:                     nats,
		Registry:                 registry,
		Logger:                   logger,
		MaxRequestBytes:          cfg.HTTP.MaxRequestBytes,
		ValidatePlots:            cfg.ValidatePlots,
		PlotCompressionThreshold: cfg.PlotCompressionThreshold,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.HTTP.ShutdownTimeoutSec)*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	logger.Info("eventstore shutdown complete")
	return nil
}
