// Package queue provides the durable build job queue: atomic claiming,
// heartbeat-based liveness, and kill/requeue/refund recovery.
package queue

import (
	"context"
	"errors"

	"github.com/appforge/orchestrator/internal/models"
)

// Common errors returned by queue operations.
var (
	// ErrNoJobs is returned when no jobs are claimable.
	ErrNoJobs = errors.New("no jobs available")
	// ErrJobNotFound is returned when a job cannot be found.
	ErrJobNotFound = errors.New("job not found")
)

// Queue defines the interface for job queue operations.
type Queue interface {
	// Enqueue adds a new job to the queue in queued status.
	Enqueue(ctx context.Context, job *models.Job) error

	// Claim runs the liveness sweep and then atomically claims the oldest
	// claimable queued job for the given worker, optionally filtered to one
	// project. Returns ErrNoJobs when nothing is claimable; concurrent
	// claimants never receive the same job.
	Claim(ctx context.Context, projectID, workerID string) (*models.Job, error)

	// Heartbeat stamps a job's liveness. A no-op for jobs that are not in
	// claimed or running status.
	Heartbeat(ctx context.Context, jobID string) error

	// Start transitions a claimed job to running.
	Start(ctx context.Context, jobID string) error

	// Complete records a job's terminal status and result.
	Complete(ctx context.Context, jobID string, status models.JobStatus, result []byte) error

	// Requeue returns a claimed job to the queue, e.g. when no worker could
	// be allocated for it.
	Requeue(ctx context.Context, jobID string) error

	// Stats reports queue depth per status and the oldest queued job age.
	Stats(ctx context.Context) (*Stats, error)
}

// Stats summarizes queue state for operators.
type Stats struct {
	Counts          map[models.JobStatus]int `json:"counts"`
	OldestQueuedSec float64                  `json:"oldest_queued_seconds"`
}
