// Package main is the DevPulse server entry point. One binary runs the
// ingest pipeline, the derived-state stores, the subscriber stream, and
// the HTTP API together.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devpulse/devpulse/internal/alerts"
	"github.com/devpulse/devpulse/internal/api"
	"github.com/devpulse/devpulse/internal/common/config"
	"github.com/devpulse/devpulse/internal/common/logger"
	"github.com/devpulse/devpulse/internal/common/tracing"
	"github.com/devpulse/devpulse/internal/conflicts"
	"github.com/devpulse/devpulse/internal/derive"
	"github.com/devpulse/devpulse/internal/events/bus"
	"github.com/devpulse/devpulse/internal/processor"
	"github.com/devpulse/devpulse/internal/retention"
	"github.com/devpulse/devpulse/internal/store"
	"github.com/devpulse/devpulse/internal/streaming"
	"github.com/devpulse/devpulse/internal/webhooks"
)

// Alert thresholds are re-evaluated on this cadence even when no events
// arrive, so stuck and waiting sessions surface on time.
const alertEvaluationInterval = 30 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logging
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Open the store
	st, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = st.Close() }()
	log.Info("store opened", zap.String("path", cfg.Database.Path))

	// 4. Notification bus, optionally mirrored to NATS
	var b bus.Bus = bus.NewMemoryBus(log)
	if cfg.NATS.URL != "" {
		mirror, err := bus.NewNATSMirror(b, cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("failed to connect NATS mirror: %w", err)
		}
		b = mirror
		log.Info("stream notifications mirrored to NATS", zap.String("url", cfg.NATS.URL))
	}
	defer b.Close()

	// 5. Derived-state engines
	detector := conflicts.NewDetector(st, cfg.Conflicts.Window(), log)
	engine := alerts.NewEngine(cfg.Alerts, log)
	dispatcher := webhooks.NewDispatcher(st, cfg.Webhooks, log)
	defer dispatcher.Stop()

	proc := processor.New(st, b, detector, engine, dispatcher, log)
	if err := proc.Rebuild(ctx); err != nil {
		return fmt.Errorf("failed to rebuild in-memory state: %w", err)
	}

	// 6. Pricing table for cost estimates
	pricing := derive.DefaultPricing()
	if cfg.Pricing.Path != "" {
		pricing, err = derive.LoadPricing(cfg.Pricing.Path)
		if err != nil {
			return fmt.Errorf("failed to load pricing table: %w", err)
		}
	}

	// 7. Stream hub and retention manager
	hub, err := streaming.NewHub(st, engine, b, cfg.Conflicts.Window(), log)
	if err != nil {
		return fmt.Errorf("failed to start stream hub: %w", err)
	}

	manager := retention.NewManager(st, cfg.Retention, log)
	if err := manager.SeedSettings(); err != nil {
		return fmt.Errorf("failed to seed retention settings: %w", err)
	}

	// 8. HTTP server
	srv := api.NewServer(api.Deps{
		Store:     st,
		Processor: proc,
		Hub:       hub,
		Webhooks:  dispatcher,
		Retention: manager,
		Bus:       b,
		Pricing:   pricing,
		Config:    cfg,
		Logger:    log,
	})
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		err := manager.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		ticker := time.NewTicker(alertEvaluationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := proc.EvaluateAlerts(gctx); err != nil {
					log.WithError(err).Warn("alert evaluation failed")
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown incomplete")
		}
		return tracing.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
