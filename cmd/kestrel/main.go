// Kestrel - Expense receipt anomaly detection for fleet operations.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetops/kestrel/internal/api"
	"github.com/fleetops/kestrel/internal/bus"
	"github.com/fleetops/kestrel/internal/cache"
	"github.com/fleetops/kestrel/internal/contextbuild"
	"github.com/fleetops/kestrel/internal/domain"
	"github.com/fleetops/kestrel/internal/repository"
	"github.com/fleetops/kestrel/internal/rules"
	"github.com/fleetops/kestrel/internal/runner"
	"github.com/fleetops/kestrel/internal/velocity"
	"github.com/fleetops/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	if os.Getenv("KESTREL_SCHEDULE") == "true" {
		cfg.Detection.ScheduleEnabled = true
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache and wrap the repository with it
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	cachedRepo := repository.NewCached(repo, cacheImpl, cfg.Cache.RecordTTL, logger)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Detector with the built-in rule set
	detector, err := rules.NewDefaultDetector(logger,
		rules.WithMinConfidence(cfg.Detection.MinConfidence),
		rules.WithRuleTimeout(cfg.Detection.RuleTimeout),
	)
	if err != nil {
		slog.Error("failed to initialize detector", "error", err)
		os.Exit(1)
	}
	slog.Info("detector initialized", "rules_count", len(detector.Rules()))

	// Initialize Context Builder and Runner
	builder := contextbuild.NewBuilder(cachedRepo, cfg.Detection.LookbackDays, cfg.Detection.HistoryCap, logger)
	run := runner.New(cachedRepo, busImpl, detector, builder, cfg.Detection, logger)

	// Recurring schedule fast path
	var schedule *runner.Schedule
	if cfg.Detection.ScheduleEnabled {
		schedule = runner.NewSchedule(run, cfg.Detection.ScheduleInterval, logger)
		schedule.Start(ctx)
		slog.Info("detection schedule started", "interval", cfg.Detection.ScheduleInterval)
	}

	// Async worker: detection on receipt upload
	asyncWorker := worker.NewWorker(busImpl, run, worker.Config{})
	if err := asyncWorker.Start(); err != nil {
		slog.Error("failed to start async worker", "error", err)
	} else {
		slog.Info("async worker started")
	}

	// Submission-rate accounting for the upload path
	velocitySvc := velocity.NewService(cachedRepo, cacheImpl)

	// Initialize Server
	srv := api.NewServer(cfg.Server, cachedRepo, cacheImpl, busImpl, run, velocitySvc, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop background processing first
	if schedule != nil {
		schedule.Stop()
	}
	if err := asyncWorker.Stop(); err != nil {
		slog.Error("failed to stop async worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - Fleet Expense Anomaly Detection")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /detect               - Run batch detection")
	fmt.Println("    POST /receipts             - Upload a receipt")
	fmt.Println("    GET  /receipts/{id}        - Get receipt by ID")
	fmt.Println("    POST /receipts/{id}/detect - Detect a single receipt")
	fmt.Println("    GET  /rules                - List detection rules")
	fmt.Println("    POST /rules                - Create an expression rule")
	fmt.Println("    PUT  /rules/{id}           - Enable/disable a rule")
	fmt.Println("    GET  /findings             - List findings")
	fmt.Println("    PUT  /findings/{id}        - Review a finding")
	fmt.Println("    GET  /stats                - Finding statistics")
	fmt.Println("    GET  /health               - Health check")
	fmt.Println()
}
