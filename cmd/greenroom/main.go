package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mferrante/greenroom/internal/alerting"
	"github.com/mferrante/greenroom/internal/config"
	"github.com/mferrante/greenroom/internal/conversation"
	"github.com/mferrante/greenroom/internal/httpapi"
	"github.com/mferrante/greenroom/internal/memory"
	"github.com/mferrante/greenroom/internal/merge"
	"github.com/mferrante/greenroom/internal/observability"
	"github.com/mferrante/greenroom/internal/recovery"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("memory store init failed: %v", err)
	}
	defer store.Close()
	if cfg.DatabaseURL == "" {
		log.Printf("memory store: in-memory (set DATABASE_URL for postgres)")
	} else {
		log.Printf("memory store: postgres")
	}

	alerts := alerting.NewAggregator(alerting.DefaultThresholds(), cfg.AlertCooldown)

	service := conversation.New(conversation.Config{
		ThrottleInterval: cfg.ThrottleInterval,
		FlushInterval:    cfg.FlushInterval,
		MergeStrategy:    merge.Strategy(cfg.MergeStrategy),
		Recovery: recovery.Config{
			FailureThreshold:    cfg.BreakerFailureThreshold,
			FailureWindow:       cfg.BreakerFailureWindow,
			RecoveryTimeout:     cfg.BreakerRecoveryTimeout,
			MaxRecoveryAttempts: cfg.BreakerMaxRecoveryAttempts,
			DisabledCooldown:    cfg.BreakerDisabledCooldown,
		},
		TotalTokenBudget: cfg.TotalTokenBudget,
		WarnThreshold:    cfg.MemoryWarnThreshold,
		DisableThreshold: cfg.MemoryDisableThreshold,
	}, store, metrics, alerts)

	api := httpapi.New(cfg, service, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := service.RunFlushLoop(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Printf("shutdown signal received")
	case <-gctx.Done():
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	// Drain anything the throttler still holds before the store closes.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 2*time.Second)
	service.FlushPending(flushCtx)
	flushCancel()

	if err := g.Wait(); err != nil {
		log.Fatalf("run error: %v", err)
	}
	log.Printf("shutdown complete")
}
