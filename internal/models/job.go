package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the current state of a job in the queue.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusKilled    JobStatus = "killed"
)

// jobTransitions enumerates the legal status transitions.
// The liveness sweep recycles a killed job back to queued, or closes it
// out terminally when its build already finished via a late status write.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:  {JobStatusClaimed, JobStatusKilled},
	JobStatusClaimed: {JobStatusRunning, JobStatusSucceeded, JobStatusFailed, JobStatusKilled},
	JobStatusRunning: {JobStatusSucceeded, JobStatusFailed, JobStatusKilled},
	JobStatusKilled:  {JobStatusQueued, JobStatusSucceeded, JobStatusFailed},
}

// CanTransition reports whether a job may move from its current status to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is a final outcome.
// Killed is not terminal: the sweep recycles killed jobs back to queued.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// Active reports whether the job currently holds its project's execution slot.
func (s JobStatus) Active() bool {
	return s == JobStatusClaimed || s == JobStatusRunning
}

// Job is one attempt to execute build work for a project.
type Job struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"project_id"`
	BuildID       string          `json:"build_id"`
	Status        JobStatus       `json:"status"`
	WorkerID      string          `json:"worker_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	LastHeartbeat *time.Time      `json:"last_heartbeat,omitempty"`
	KilledAt      *time.Time      `json:"killed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Transition validates and applies a status change.
func (j *Job) Transition(next JobStatus) error {
	if !j.Status.CanTransition(next) {
		return fmt.Errorf("illegal job transition %s -> %s", j.Status, next)
	}
	j.Status = next
	return nil
}
