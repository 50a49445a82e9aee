// Package poller runs the dispatch loop that drains the job queue: claim a
// job, allocate a worker for its project, and hand back or fail the job when
// allocation cannot complete.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/appforge/orchestrator/internal/allocator"
	"github.com/appforge/orchestrator/internal/chain"
	"github.com/appforge/orchestrator/internal/models"
	"github.com/appforge/orchestrator/internal/queue"
)

// ErrorCodeWakeFailed is recorded on builds whose worker could not be woken.
const ErrorCodeWakeFailed = "worker_wake_failed"

// Poller claims jobs and dispatches them to workers.
type Poller struct {
	id        string
	queue     queue.Queue
	allocator *allocator.Allocator
	chain     *chain.Service
	interval  time.Duration
	logger    *slog.Logger
}

// New creates a poller with a unique dispatcher identity.
func New(q queue.Queue, alloc *allocator.Allocator, ch *chain.Service, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	id := "poller-" + uuid.NewString()[:8]
	return &Poller{
		id:        id,
		queue:     q,
		allocator: alloc,
		chain:     ch,
		interval:  interval,
		logger:    logger.With("poller_id", id),
	}
}

// Run drains the queue until the context is cancelled. An empty queue sleeps
// one poll interval; a claimed job is dispatched immediately and the loop
// continues without sleeping so bursts drain fast.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", "interval", p.interval)
	for {
		if err := ctx.Err(); err != nil {
			p.logger.Info("poller stopped")
			return err
		}

		dispatched, err := p.Tick(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("poll tick failed", "error", err)
		}
		if dispatched {
			continue
		}

		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return ctx.Err()
		case <-time.After(p.interval):
		}
	}
}

// Tick claims and dispatches at most one job. It reports whether a job was
// claimed, so the caller knows to poll again immediately.
func (p *Poller) Tick(ctx context.Context) (bool, error) {
	job, err := p.queue.Claim(ctx, "", p.id)
	if err != nil {
		if errors.Is(err, queue.ErrNoJobs) {
			return false, nil
		}
		return false, fmt.Errorf("claiming job: %w", err)
	}

	if err := p.dispatch(ctx, job); err != nil {
		return true, fmt.Errorf("dispatching job %s: %w", job.ID, err)
	}
	return true, nil
}

// dispatch allocates a worker for the claimed job. A full pool or a busy
// project puts the job back for a later tick; a wake failure fails the job
// and its build so the user sees the error instead of a silent stall.
func (p *Poller) dispatch(ctx context.Context, job *models.Job) error {
	wakeReq := &allocator.WakeRequest{JobID: job.ID, BuildID: job.BuildID}
	if len(job.Payload) > 0 {
		var payload struct {
			Mode      string `json:"mode"`
			AgentType string `json:"agent_type"`
		}
		if err := json.Unmarshal(job.Payload, &payload); err == nil {
			wakeReq.Mode = payload.Mode
			wakeReq.AgentType = payload.AgentType
		}
	}

	worker, err := p.allocator.StartWorkerForProject(ctx, job.ProjectID, wakeReq)
	if err != nil {
		switch {
		case errors.Is(err, allocator.ErrNoIdleWorkers),
			errors.Is(err, allocator.ErrProjectHasActiveWorker):
			p.logger.Info("no worker available, requeueing job",
				"job_id", job.ID, "reason", err)
			return p.queue.Requeue(ctx, job.ID)
		case errors.Is(err, allocator.ErrWakeFailed):
			return p.failJob(ctx, job, err)
		default:
			// Unknown allocation error: requeue rather than lose the job.
			p.logger.Error("allocation failed, requeueing job",
				"job_id", job.ID, "error", err)
			return p.queue.Requeue(ctx, job.ID)
		}
	}

	p.logger.Info("dispatched job",
		"job_id", job.ID,
		"project_id", job.ProjectID,
		"worker_id", worker.ID,
	)
	return nil
}

// failJob records a terminal failure on the job and its build.
func (p *Poller) failJob(ctx context.Context, job *models.Job, cause error) error {
	result, _ := json.Marshal(map[string]string{
		"error_code": ErrorCodeWakeFailed,
		"error":      cause.Error(),
	})
	if err := p.queue.Complete(ctx, job.ID, models.JobStatusFailed, result); err != nil {
		return err
	}
	if _, err := p.chain.CompleteBuild(ctx, job.BuildID, models.BuildStatusFailed, ErrorCodeWakeFailed, cause.Error()); err != nil {
		if !errors.Is(err, chain.ErrBuildNotFound) {
			return err
		}
	}
	p.logger.Warn("job failed: worker wake unsuccessful", "job_id", job.ID, "error", cause)
	return nil
}
