package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/appforge/orchestrator/internal/models"
	"github.com/appforge/orchestrator/internal/store"
)

// JobStore implements store.JobStore using PostgreSQL.
//
// Claiming relies on FOR UPDATE SKIP LOCKED so concurrent pollers never
// serialize behind each other's locked rows: a losing claimant immediately
// moves on to the next unlocked queued job instead of waiting.
type JobStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *JobStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const jobColumns = `
	id, project_id, build_id, status, COALESCE(worker_id, ''),
	payload, result, last_heartbeat, killed_at,
	created_at, claimed_at, updated_at`

// Create enqueues a new job in queued status.
func (s *JobStore) Create(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (id, project_id, build_id, status, payload,
			created_at, updated_at)
		VALUES ($1, $2, $3, 'queued', $4, $5, $5)`

	now := time.Now().UTC()
	_, err := s.conn().ExecContext(ctx, query,
		job.ID, job.ProjectID, job.BuildID, []byte(job.Payload), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("inserting job: %w", err)
	}
	job.Status = models.JobStatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

// Get retrieves a job by ID.
func (s *JobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying job: %w", err)
	}
	return job, nil
}

// ClaimNext atomically claims the oldest claimable queued job.
//
// The NOT EXISTS guard keeps the "one active job per project" invariant
// inside the claim transaction itself rather than relying solely on the
// allocator's rejection of a second start call.
func (s *JobStore) ClaimNext(ctx context.Context, projectID, workerID string) (*models.Job, error) {
	selectQuery := `
		SELECT id
		FROM jobs
		WHERE status = 'queued'
			AND ($1 = '' OR project_id = $1)
			AND NOT EXISTS (
				SELECT 1 FROM jobs active
				WHERE active.project_id = jobs.project_id
					AND active.status IN ('claimed', 'running')
			)
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	var id string
	err := s.conn().QueryRowContext(ctx, selectQuery, projectID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("selecting claimable job: %w", err)
	}

	updateQuery := `
		UPDATE jobs
		SET status = 'claimed', worker_id = $2, claimed_at = $3,
			last_heartbeat = $3, updated_at = $3
		WHERE id = $1
		RETURNING ` + jobColumns

	now := time.Now().UTC()
	job, err := scanJob(s.conn().QueryRowContext(ctx, updateQuery, id, workerID, now))
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return job, nil
}

// MarkStale force-kills claimed or running jobs whose heartbeat is older than
// the cutoff. Jobs that never heartbeated fall back to their claim time.
func (s *JobStore) MarkStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := `
		UPDATE jobs
		SET status = 'killed', killed_at = $2, updated_at = $2
		WHERE status IN ('claimed', 'running')
			AND COALESCE(last_heartbeat, claimed_at, updated_at) < $1
		RETURNING id`

	rows, err := s.conn().QueryContext(ctx, query, cutoff, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("killing stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning killed job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating killed job ids: %w", err)
	}
	return ids, nil
}

// ListRecoverable retrieves killed jobs past the cooldown. The cooldown
// avoids racing an in-flight final status write from the dying worker; the
// row locks keep two concurrent sweeps from recovering the same job.
func (s *JobStore) ListRecoverable(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'killed' AND killed_at < $1
		ORDER BY killed_at ASC
		FOR UPDATE SKIP LOCKED`

	rows, err := s.conn().QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying recoverable jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job rows: %w", err)
	}
	return jobs, nil
}

// Requeue resets a killed job to queued, discarding its worker binding,
// heartbeat and any partial result.
func (s *JobStore) Requeue(ctx context.Context, id string) error {
	query := `
		UPDATE jobs
		SET status = 'queued', worker_id = NULL, last_heartbeat = NULL,
			killed_at = NULL, claimed_at = NULL, result = NULL,
			updated_at = $2
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("requeueing job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Heartbeat stamps the job's liveness. Heartbeats against jobs that are not
// claimed or running are silently ignored.
func (s *JobStore) Heartbeat(ctx context.Context, id string) error {
	query := `
		UPDATE jobs
		SET last_heartbeat = $2, updated_at = $2
		WHERE id = $1 AND status IN ('claimed', 'running')`

	if _, err := s.conn().ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("updating job heartbeat: %w", err)
	}
	return nil
}

// SetStatus transitions a job after validating the transition is legal.
// The update is guarded on the status the transition was validated against,
// so a racing writer that landed in between fails with ErrConflict instead
// of being silently overwritten.
func (s *JobStore) SetStatus(ctx context.Context, id string, status models.JobStatus, result []byte) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	prev := job.Status
	if err := job.Transition(status); err != nil {
		return err
	}

	query := `
		UPDATE jobs
		SET status = $2, result = COALESCE($3, result), updated_at = $4
		WHERE id = $1 AND status = $5`

	res, err := s.conn().ExecContext(ctx, query, id, status, result, time.Now().UTC(), prev)
	if err != nil {
		return fmt.Errorf("updating job status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrConflict
	}
	return nil
}

// CountByStatus returns job counts grouped by status.
func (s *JobStore) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.conn().QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status models.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning job count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job counts: %w", err)
	}
	return counts, nil
}

// OldestQueuedAge returns the age of the oldest queued job, or zero when the
// queue is empty.
func (s *JobStore) OldestQueuedAge(ctx context.Context) (time.Duration, error) {
	var oldest sql.NullTime
	err := s.conn().QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM jobs WHERE status = 'queued'`,
	).Scan(&oldest)
	if err != nil {
		return 0, fmt.Errorf("querying oldest queued job: %w", err)
	}
	if !oldest.Valid {
		return 0, nil
	}
	return time.Since(oldest.Time), nil
}

func scanJob(row scanner) (*models.Job, error) {
	job := &models.Job{}
	var payload, result []byte
	var lastHeartbeat, killedAt, claimedAt sql.NullTime
	err := row.Scan(
		&job.ID, &job.ProjectID, &job.BuildID, &job.Status, &job.WorkerID,
		&payload, &result, &lastHeartbeat, &killedAt,
		&job.CreatedAt, &claimedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Payload = payload
	job.Result = result
	if lastHeartbeat.Valid {
		job.LastHeartbeat = &lastHeartbeat.Time
	}
	if killedAt.Valid {
		job.KilledAt = &killedAt.Time
	}
	if claimedAt.Valid {
		job.ClaimedAt = &claimedAt.Time
	}
	return job, nil
}
