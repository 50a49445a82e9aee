// Package allocator assigns pooled worker VMs to projects: prune dead
// workers, prefer a worker that already cached the project, claim it under a
// time-bounded lease, and wake it over HTTP.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/appforge/orchestrator/internal/models"
	"github.com/appforge/orchestrator/internal/store"
	"github.com/appforge/orchestrator/pkg/retry"
)

// Common errors returned by allocator operations. Each maps to one entry of
// the API error taxonomy.
var (
	// ErrNoIdleWorkers is returned when the pool has no live idle worker.
	ErrNoIdleWorkers = errors.New("no idle workers available")
	// ErrWakeFailed is returned when a claimed worker did not accept the
	// wake call; the claim is rolled back before this error surfaces.
	ErrWakeFailed = errors.New("worker wake failed")
	// ErrProjectHasActiveWorker is returned when the project is already
	// served by a non-idle worker.
	ErrProjectHasActiveWorker = errors.New("project already has an active worker")
	// ErrWorkerNotFound is returned when a worker cannot be found.
	ErrWorkerNotFound = errors.New("worker not found")
)

// Config holds allocator timing parameters.
type Config struct {
	// HeartbeatTTL is the liveness window: workers without a heartbeat
	// inside it are pruned from the claimable pool.
	HeartbeatTTL time.Duration
	// LeaseDuration bounds how long a claim may be held without renewal.
	LeaseDuration time.Duration
	// ClaimAttempts bounds retries when a claim races another claimant.
	ClaimAttempts int
	// ClaimRetryDelay is the fixed delay between claim attempts.
	ClaimRetryDelay time.Duration
	// WakeAttempts bounds retries of the wake call.
	WakeAttempts int
	// WakeRetryDelay is the fixed delay between wake attempts.
	WakeRetryDelay time.Duration
}

// DefaultConfig returns the reference timing parameters.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatTTL:    90 * time.Second,
		LeaseDuration:   15 * time.Minute,
		ClaimAttempts:   3,
		ClaimRetryDelay: 500 * time.Millisecond,
		WakeAttempts:    3,
		WakeRetryDelay:  time.Second,
	}
}

// Allocator claims and wakes workers for projects.
type Allocator struct {
	store  store.Store
	waker  Waker
	cfg    *Config
	logger *slog.Logger
}

// New creates a new allocator.
func New(st store.Store, waker Waker, cfg *Config, logger *slog.Logger) *Allocator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{store: st, waker: waker, cfg: cfg, logger: logger}
}

// StartWorkerForProject allocates a worker for the project's job and wakes
// it. The claim loop retries lost races against concurrent claimants; an
// empty pool aborts immediately. A worker that cannot be woken is released
// back to the pool and the call fails with ErrWakeFailed.
func (a *Allocator) StartWorkerForProject(ctx context.Context, projectID string, wakeReq *WakeRequest) (*models.Worker, error) {
	now := time.Now().UTC()
	pruned, err := a.store.Workers().PruneStale(ctx, now.Add(-a.cfg.HeartbeatTTL), now)
	if err != nil {
		return nil, fmt.Errorf("pruning stale workers: %w", err)
	}
	if pruned > 0 {
		a.logger.Warn("pruned stale workers", "count", pruned)
	}

	// One worker per project. The bound worker may be mid-release; only a
	// live non-idle binding blocks a new allocation.
	if bound, err := a.store.Workers().GetBound(ctx, projectID); err == nil {
		if bound.Status != models.WorkerStatusIdle {
			return nil, ErrProjectHasActiveWorker
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	worker, err := a.claim(ctx, projectID)
	if err != nil {
		return nil, err
	}

	if wakeReq == nil {
		wakeReq = &WakeRequest{}
	}
	wakeReq.ProjectID = projectID

	if err := a.wake(ctx, worker, wakeReq); err != nil {
		if relErr := a.store.Workers().Release(ctx, worker.ID, "wake_failed"); relErr != nil {
			a.logger.Error("releasing unwakeable worker", "worker_id", worker.ID, "error", relErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrWakeFailed, err)
	}

	a.logger.Info("worker started for project",
		"worker_id", worker.ID,
		"project_id", projectID,
	)
	return worker, nil
}

// claim picks an idle candidate and conditionally claims it, retrying lost
// races. The candidate query prefers workers that cached the project.
func (a *Allocator) claim(ctx context.Context, projectID string) (*models.Worker, error) {
	var claimed *models.Worker
	err := retry.Do(ctx, a.cfg.ClaimAttempts, a.cfg.ClaimRetryDelay, func(ctx context.Context) error {
		cutoff := time.Now().UTC().Add(-a.cfg.HeartbeatTTL)
		candidate, err := a.store.Workers().FindIdleCandidate(ctx, projectID, cutoff)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// An empty pool will not refill within the retry window.
				return retry.Stop(ErrNoIdleWorkers)
			}
			return retry.Stop(err)
		}

		ok, err := a.store.Workers().TryClaim(ctx,
			candidate.ID, projectID,
			models.LeaseOwnerForProject(projectID),
			time.Now().UTC().Add(a.cfg.LeaseDuration),
		)
		if err != nil {
			return retry.Stop(err)
		}
		if !ok {
			// Lost the race; another claimant took this worker.
			return fmt.Errorf("worker %s claimed concurrently", candidate.ID)
		}

		candidate.Status = models.WorkerStatusBusy
		candidate.ProjectID = projectID
		claimed = candidate
		return nil
	})
	if err != nil {
		if claimed == nil && !errors.Is(err, ErrNoIdleWorkers) {
			a.logger.Warn("worker claim failed", "project_id", projectID, "error", err)
			return nil, ErrNoIdleWorkers
		}
		return nil, err
	}
	return claimed, nil
}

func (a *Allocator) wake(ctx context.Context, worker *models.Worker, wakeReq *WakeRequest) error {
	return retry.Do(ctx, a.cfg.WakeAttempts, a.cfg.WakeRetryDelay, func(ctx context.Context) error {
		if err := a.waker.Wake(ctx, worker.BaseURL, wakeReq); err != nil {
			a.logger.Warn("wake attempt failed", "worker_id", worker.ID, "error", err)
			return err
		}
		return nil
	})
}

// ReleaseWorker returns a worker to the idle pool.
func (a *Allocator) ReleaseWorker(ctx context.Context, workerID, reason string) error {
	if err := a.store.Workers().Release(ctx, workerID, reason); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrWorkerNotFound
		}
		return err
	}
	a.logger.Info("released worker", "worker_id", workerID, "reason", reason)
	return nil
}
