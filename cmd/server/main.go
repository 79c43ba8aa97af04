// Command server runs the safety enforcement gateway: the HTTP ingress with
// the full middleware chain, the rule reloader, the blocklist refresher and
// the worker pool, all supervised under one shutdown context.
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

	"github.com/aegis/backend/internal/api"
	"github.com/aegis/backend/internal/audit"
	"github.com/aegis/backend/internal/config"
	"github.com/aegis/backend/internal/coord"
	"github.com/aegis/backend/internal/escalate"
	"github.com/aegis/backend/internal/governor"
	"github.com/aegis/backend/internal/identity"
	"github.com/aegis/backend/internal/metrics"
	"github.com/aegis/backend/internal/middleware"
	"github.com/aegis/backend/internal/notify"
	"github.com/aegis/backend/internal/postcheck"
	"github.com/aegis/backend/internal/precheck"
	"github.com/aegis/backend/internal/rules"
	"github.com/aegis/backend/internal/sandbox"
	"github.com/aegis/backend/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg)

	slog.Info("starting safety gateway",
		"port", cfg.Port,
		"environment", cfg.Environment,
		"workers", cfg.WorkerCount,
		"degraded", cfg.DegradedMode)

	store, err := coord.New(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("coordination store: %w", err)
	}
	defer store.Close()

	audits, err := audit.Open(cfg.AuditDBURL, cfg.DegradedMode)
	if err != nil {
		return fmt.Errorf("audit store: %w", err)
	}
	defer audits.Close()

	engine, err := rules.NewEngine(cfg.RuleFiles, store)
	if err != nil {
		return fmt.Errorf("rule engine: %w", err)
	}
	slog.Info("rule set loaded", "rules", engine.RuleCount(), "files", cfg.RuleFiles)

	m := metrics.New()

	notifier := notify.New(notify.Config{
		ChatWebhookURL: cfg.ReviewerWebhookURL,
		IncidentURL:    cfg.IncidentWebhookURL,
	})
	defer notifier.Close()

	escalator := escalate.NewManager(audits, store, notifier, m, escalate.Config{
		AutoSuspendSeverity: cfg.AutoSuspendSeverity,
		SuspensionTTL:       cfg.SuspensionTTL,
		MisuseWindow:        cfg.MisuseWindow,
		MisuseThreshold:     cfg.MisuseThreshold,
		ResultTTL:           cfg.ResultTTL,
	})

	tracker := governor.NewTracker(governor.TrackerConfig{
		StaminaMax:       cfg.StaminaMax,
		RegenPerSecond:   cfg.StaminaRegenPerSec,
		CostPerChar:      cfg.StaminaCostPerChar,
		FlowBonus:        cfg.StaminaFlowBonus,
		HeatThreshold:    cfg.HeatThreshold,
		HeatDecayRate:    cfg.HeatDecayRate,
		CooldownDuration: cfg.CooldownDuration,
		PatternWindow:    cfg.PatternWindow,
	})
	defer tracker.Close()
	limiter := governor.NewRateLimiter(store, cfg.RateLimitSecret)

	detector := precheck.NewDetector(engine, store, cfg.MaxInputBytes, cfg.BlocklistRefresh)

	invoker := sandbox.NewInvoker(sandbox.Config{
		BaseURL:   cfg.ModelBaseURL,
		APIKey:    cfg.ModelAPIKey,
		Model:     cfg.ModelName,
		MaxTokens: cfg.MaxTokens,
		Timeout:   cfg.ModelTimeout,
		MaxRPS:    cfg.ModelMaxRPS,
	})

	var classifier postcheck.Classifier
	if c := postcheck.NewHTTPClassifier(cfg.ClassifierURL); c != nil {
		classifier = c
		slog.Info("output classifier enabled", "url", cfg.ClassifierURL)
	} else {
		slog.Warn("no output classifier configured; heuristics only")
	}
	outputDetector := postcheck.NewDetector(engine, classifier, cfg.MLFlagThreshold)

	resolver := identity.NewResolver(cfg.JWTSecret, splitKeys(cfg.APIKeys))
	enforcer := middleware.NewEnforcer(resolver, store, escalator, limiter, tracker,
		detector, audits, m, middleware.Config{MaxInputBytes: cfg.MaxInputBytes})
	csrf := middleware.NewCSRF(cfg.CSRFSecret, []string{"/health", "/ready", "/metrics"})

	pool := worker.NewPool(store, invoker, outputDetector, escalator, tracker, m, worker.Config{
		Count:            cfg.WorkerCount,
		BatchSize:        int64(cfg.WorkerBatchSize),
		PostCheckTimeout: cfg.PostCheckTimeout,
		ResultTTL:        cfg.ResultTTL,
		CanaryBaseRisk:   cfg.CanaryBaseRisk,
	})

	server := api.NewServer(store, audits, escalator, resolver, enforcer, csrf, cfg.DegradedMode)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reloader := rules.NewReloader(engine, cfg.RuleFiles, cfg.RuleReloadInterval)
	go reloader.Run(ctx)
	go detector.RunRefresher(ctx)
	go pool.MonitorDepth(ctx, 15*time.Second)

	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx) }()

	serverDone := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", httpServer.Addr)
		serverDone <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serverDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	// Workers drain in-flight messages; anything unfinished stays pending
	// in the consumer group for the replay tool.
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		slog.Warn("worker pool did not drain in time")
	}

	slog.Info("shutdown complete")
	return nil
}

func setupLogger(cfg *config.Settings) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
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
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func splitKeys(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
