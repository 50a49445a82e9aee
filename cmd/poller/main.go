// Package main provides the entry point for the dispatch poller.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/appforge/orchestrator/internal/allocator"
	"github.com/appforge/orchestrator/internal/chain"
	"github.com/appforge/orchestrator/internal/poller"
	pgqueue "github.com/appforge/orchestrator/internal/queue/postgres"
	pgstore "github.com/appforge/orchestrator/internal/store/postgres"
	"github.com/appforge/orchestrator/pkg/config"
	"github.com/appforge/orchestrator/pkg/logger"
)

func main() {
	log := logger.New(slog.LevelInfo, true)

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	store, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), log.Logger)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	queue := pgqueue.NewPostgresQueue(store, &pgqueue.Config{
		HeartbeatTimeout: cfg.Queue.HeartbeatTimeout,
		KilledCooldown:   cfg.Queue.KilledCooldown,
	}, log.Logger)

	alloc := allocator.New(store, allocator.NewHTTPWaker(cfg.Allocator.WakeTimeout), &allocator.Config{
		HeartbeatTTL:    cfg.Allocator.HeartbeatTTL,
		LeaseDuration:   cfg.Allocator.LeaseDuration,
		ClaimAttempts:   cfg.Allocator.ClaimAttempts,
		ClaimRetryDelay: cfg.Allocator.ClaimRetryDelay,
		WakeAttempts:    cfg.Allocator.WakeAttempts,
		WakeRetryDelay:  cfg.Allocator.WakeRetryDelay,
	}, log.Logger)

	chainSvc := chain.NewService(store, log.Logger)
	p := poller.New(queue, alloc, chainSvc, cfg.Queue.PollInterval, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("poller error", "error", err)
		os.Exit(1)
	}
	log.Info("poller stopped")
}
