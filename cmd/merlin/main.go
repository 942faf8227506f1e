// Merlin - Fraud transaction evaluation for commerce payments.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/merlin/internal/api"
	"github.com/opensource-finance/merlin/internal/bus"
	"github.com/opensource-finance/merlin/internal/cache"
	"github.com/opensource-finance/merlin/internal/config"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/metrics"
	"github.com/opensource-finance/merlin/internal/pipeline"
	"github.com/opensource-finance/merlin/internal/realtime"
	"github.com/opensource-finance/merlin/internal/repository"
	"github.com/opensource-finance/merlin/internal/rules"
	"github.com/opensource-finance/merlin/internal/tracing"
	"github.com/opensource-finance/merlin/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting merlin",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"async_worker", cfg.Worker.Enabled,
		"tracing", cfg.Tracing.Enabled,
		"alert_threshold", cfg.Detection.AlertThreshold,
		"custom_rules", len(cfg.Detection.CustomRules),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, Version, logger)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	go metrics.StartDBStatsCollector(ctx, repo, 15*time.Second)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	engine, err := rules.NewEngine(cfg.Detection, cfg.Worker.RuleConcurrency)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "labels", engine.Labels())

	coordinator := pipeline.NewCoordinator(repo, engine,
		pipeline.WithCache(cacheImpl),
		pipeline.WithEventBus(busImpl),
		pipeline.WithMaxWorkers(cfg.Worker.BatchConcurrency),
	)

	hub := realtime.NewHub(logger)
	go hub.Run(ctx)
	if _, err := hub.Subscribe(ctx, busImpl); err != nil {
		slog.Error("failed to subscribe realtime hub", "error", err)
		os.Exit(1)
	}

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, coordinator)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "topic", domain.TopicTransactionIngested)
		}
	}

	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, coordinator, hub, Version)
	if asyncWorker != nil {
		srv.Handler().RegisterComponent("worker", func() any { return asyncWorker.GetStats() })
	}

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("merlin is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop the worker before the HTTP server.
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("failed to flush traces", "error", err)
	}

	slog.Info("merlin shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  MERLIN - fraud transaction evaluation")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Storage:  %s  Cache: %s  Bus: %s\n", cfg.Repository.Driver, cfg.Cache.Type, cfg.EventBus.Type)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST  /transactions               - Evaluate a transaction")
	fmt.Println("    POST  /transactions/batch         - Evaluate a batch")
	fmt.Println("    GET   /transactions/{id}          - Transaction with evaluation")
	fmt.Println("    GET   /transactions/{id}/related  - Transactions sharing email, IP or BIN")
	fmt.Println("    GET   /alerts                     - List alerts")
	fmt.Println("    GET   /alerts/{id}                - Get an alert")
	fmt.Println("    PATCH /alerts/{id}                - Update alert review status")
	fmt.Println("    GET   /stats                      - Dashboard statistics")
	fmt.Println("    GET   /ws                         - Live alert stream")
	fmt.Println("    GET   /metrics                    - Prometheus metrics")
	fmt.Println("    GET   /health                     - Health check")
	fmt.Println()
}
