// Package main provides the entry point for the API server.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/appforge/orchestrator/internal/allocator"
	"github.com/appforge/orchestrator/internal/api"
	"github.com/appforge/orchestrator/internal/auth"
	"github.com/appforge/orchestrator/internal/chain"
	"github.com/appforge/orchestrator/internal/ledger"
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

	chainSvc := chain.NewService(store, log.Logger)
	ledgerSvc := ledger.NewService(store, log.Logger)
	alloc := allocator.New(store, allocator.NewHTTPWaker(cfg.Allocator.WakeTimeout), &allocator.Config{
		HeartbeatTTL:    cfg.Allocator.HeartbeatTTL,
		LeaseDuration:   cfg.Allocator.LeaseDuration,
		ClaimAttempts:   cfg.Allocator.ClaimAttempts,
		ClaimRetryDelay: cfg.Allocator.ClaimRetryDelay,
		WakeAttempts:    cfg.Allocator.WakeAttempts,
		WakeRetryDelay:  cfg.Allocator.WakeRetryDelay,
	}, log.Logger)

	server := api.NewServer(cfg, api.Deps{
		Store:     store,
		Queue:     queue,
		Chain:     chainSvc,
		Ledger:    ledgerSvc,
		Allocator: alloc,
		Validator: auth.NewValidator(cfg.JWTSecret, cfg.ServiceKey),
		Pinger:    store,
	}, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	log.Info("starting API server",
		"host", cfg.APIHost,
		"port", cfg.APIPort,
	)

	if err := server.Start(ctx); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	// Give time for graceful shutdown
	time.Sleep(100 * time.Millisecond)
	log.Info("server stopped")
}
