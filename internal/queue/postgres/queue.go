// Package postgres provides the PostgreSQL-backed implementation of the job
// queue, including the liveness sweep that recovers work from dead workers.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/appforge/orchestrator/internal/models"
	"github.com/appforge/orchestrator/internal/queue"
	"github.com/appforge/orchestrator/internal/store"
)

// Config holds queue timing parameters.
type Config struct {
	// HeartbeatTimeout is the staleness threshold after which a claimed or
	// running job is considered dead and force-killed.
	HeartbeatTimeout time.Duration
	// KilledCooldown is how long a killed job rests before recovery, to
	// avoid racing an in-flight final status write.
	KilledCooldown time.Duration
}

// DefaultConfig returns the reference timing parameters.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatTimeout: 10 * time.Minute,
		KilledCooldown:   15 * time.Second,
	}
}

// PostgresQueue implements queue.Queue on the shared durable store.
type PostgresQueue struct {
	store  store.Store
	cfg    *Config
	logger *slog.Logger
}

// NewPostgresQueue creates a new PostgreSQL-backed queue.
func NewPostgresQueue(st store.Store, cfg *Config, logger *slog.Logger) *PostgresQueue {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresQueue{store: st, cfg: cfg, logger: logger}
}

// Enqueue adds a new job to the queue in queued status.
func (q *PostgresQueue) Enqueue(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := q.store.Jobs().Create(ctx, job); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	q.logger.Debug("enqueued job", "job_id", job.ID, "project_id", job.ProjectID)
	return nil
}

// Claim runs the liveness sweep and then claims the oldest claimable queued
// job. Sweep and claim share one transaction so a recovered job is
// immediately claimable by the same poller.
func (q *PostgresQueue) Claim(ctx context.Context, projectID, workerID string) (*models.Job, error) {
	var claimed *models.Job
	err := q.store.WithTx(ctx, func(tx store.Store) error {
		if err := q.sweep(ctx, tx); err != nil {
			return err
		}

		job, err := tx.Jobs().ClaimNext(ctx, projectID, workerID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return queue.ErrNoJobs
			}
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.logger.Info("claimed job",
		"job_id", claimed.ID,
		"project_id", claimed.ProjectID,
		"worker_id", workerID,
	)
	return claimed, nil
}

// sweep force-kills stale jobs and recovers killed jobs past the cooldown.
// Recovery resets the job and its build to a pre-run state and applies an
// exactly-once refund of whatever the build had spent.
func (q *PostgresQueue) sweep(ctx context.Context, tx store.Store) error {
	now := time.Now().UTC()

	killed, err := tx.Jobs().MarkStale(ctx, now.Add(-q.cfg.HeartbeatTimeout))
	if err != nil {
		return fmt.Errorf("marking stale jobs: %w", err)
	}
	for _, id := range killed {
		q.logger.Warn("killed stale job", "job_id", id)
	}

	recoverable, err := tx.Jobs().ListRecoverable(ctx, now.Add(-q.cfg.KilledCooldown))
	if err != nil {
		return fmt.Errorf("listing recoverable jobs: %w", err)
	}

	for _, job := range recoverable {
		if err := q.recover(ctx, tx, job); err != nil {
			return fmt.Errorf("recovering job %s: %w", job.ID, err)
		}
	}
	return nil
}

// recover requeues one killed job and resets its build. A build that a late
// status write already finished keeps its outcome: the spend was genuinely
// consumed, so nothing is refunded, and the job is closed out to match
// instead of being requeued to rebuild a finished build.
func (q *PostgresQueue) recover(ctx context.Context, tx store.Store, job *models.Job) error {
	build, err := tx.Builds().Get(ctx, job.BuildID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if build != nil && build.Status.Terminal() {
		outcome := models.JobStatusFailed
		if build.Status == models.BuildStatusSucceeded {
			outcome = models.JobStatusSucceeded
		}
		q.logger.Info("closing killed job for finished build",
			"job_id", job.ID, "build_id", build.ID, "build_status", build.Status)
		return tx.Jobs().SetStatus(ctx, job.ID, outcome, nil)
	}

	if build != nil {
		refunded, err := q.refund(ctx, tx, job, build)
		if err != nil {
			return err
		}

		if err := build.Transition(models.BuildStatusQueued); err != nil {
			return fmt.Errorf("resetting build %s: %w", build.ID, err)
		}
		build.ErrorCode = ""
		build.ErrorMessage = ""
		if err := tx.Builds().Update(ctx, build); err != nil {
			return err
		}
		if err := tx.Builds().ClearSteps(ctx, build.ID); err != nil {
			return err
		}
		if err := tx.Projects().SetStatus(ctx, build.ProjectID, models.ProjectStatusBuilding); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		q.logger.Info("recovered killed job",
			"job_id", job.ID,
			"build_id", build.ID,
			"refunded", refunded,
		)
	}

	return tx.Jobs().Requeue(ctx, job.ID)
}

// refund applies the exactly-once recovery refund: total spent against the
// build minus what was already refunded for killed jobs. The deterministic
// idempotency key makes repeated sweeps of the same kill a no-op even if two
// sweeps race past the row locks.
func (q *PostgresQueue) refund(ctx context.Context, tx store.Store, job *models.Job, build *models.Build) (float64, error) {
	spent, err := tx.Ledger().SpentOnBuild(ctx, build.ID)
	if err != nil {
		return 0, err
	}
	refunded, err := tx.Ledger().RefundedOnBuild(ctx, build.ID, models.ReasonJobKilled)
	if err != nil {
		return 0, err
	}

	amount := spent - refunded
	if amount <= 0 {
		return 0, nil
	}

	killedAt := time.Now().UTC()
	if job.KilledAt != nil {
		killedAt = *job.KilledAt
	}
	key := fmt.Sprintf("refund:%s:killed:%d", build.ID, killedAt.Unix())

	if prior, err := tx.Ledger().FindByIdempotencyKey(ctx, build.UserID, key); err == nil {
		return prior.Amount, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	entry := &models.LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         build.UserID,
		Type:           models.LedgerEntryAdjustment,
		Amount:         amount,
		Description:    "refund for interrupted build",
		Reason:         models.ReasonJobKilled,
		BuildID:        build.ID,
		IdempotencyKey: key,
	}
	if err := tx.Ledger().Append(ctx, entry); err != nil {
		return 0, err
	}
	if err := tx.Builds().AddSpend(ctx, build.ID, 0, amount); err != nil {
		return 0, err
	}
	return amount, nil
}

// Heartbeat stamps a job's liveness.
func (q *PostgresQueue) Heartbeat(ctx context.Context, jobID string) error {
	return q.store.Jobs().Heartbeat(ctx, jobID)
}

// Start transitions a claimed job to running.
func (q *PostgresQueue) Start(ctx context.Context, jobID string) error {
	if err := q.store.Jobs().SetStatus(ctx, jobID, models.JobStatusRunning, nil); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return queue.ErrJobNotFound
		}
		return err
	}
	return nil
}

// Complete records a job's terminal status and result.
func (q *PostgresQueue) Complete(ctx context.Context, jobID string, status models.JobStatus, result []byte) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	if err := q.store.Jobs().SetStatus(ctx, jobID, status, result); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return queue.ErrJobNotFound
		}
		return err
	}
	q.logger.Info("job completed", "job_id", jobID, "status", status)
	return nil
}

// Requeue returns a claimed job to the queue.
func (q *PostgresQueue) Requeue(ctx context.Context, jobID string) error {
	if err := q.store.Jobs().Requeue(ctx, jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return queue.ErrJobNotFound
		}
		return err
	}
	q.logger.Info("requeued job", "job_id", jobID)
	return nil
}

// Stats reports queue depth per status and the oldest queued job age.
func (q *PostgresQueue) Stats(ctx context.Context) (*queue.Stats, error) {
	counts, err := q.store.Jobs().CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	age, err := q.store.Jobs().OldestQueuedAge(ctx)
	if err != nil {
		return nil, err
	}
	return &queue.Stats{Counts: counts, OldestQueuedSec: age.Seconds()}, nil
}
