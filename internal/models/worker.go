package models

import (
	"fmt"
	"time"
)

// WorkerStatus represents the state of a pooled worker VM.
type WorkerStatus string

const (
	WorkerStatusIdle     WorkerStatus = "idle"
	WorkerStatusStarting WorkerStatus = "starting"
	WorkerStatusBusy     WorkerStatus = "busy"
	WorkerStatusError    WorkerStatus = "error"
)

var workerTransitions = map[WorkerStatus][]WorkerStatus{
	WorkerStatusIdle:     {WorkerStatusBusy, WorkerStatusStarting, WorkerStatusError},
	WorkerStatusStarting: {WorkerStatusBusy, WorkerStatusIdle, WorkerStatusError},
	WorkerStatusBusy:     {WorkerStatusIdle, WorkerStatusError},
	WorkerStatusError:    {WorkerStatusIdle},
}

// CanTransition reports whether a worker may move from its current status to next.
func (s WorkerStatus) CanTransition(next WorkerStatus) bool {
	for _, allowed := range workerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Worker is a stateful, network-addressable compute unit that executes one
// build's job at a time. Workers register themselves on boot, heartbeat
// periodically, and are claimed by the allocator under a time-bounded lease.
type Worker struct {
	ID               string       `json:"id"`
	ProjectID        string       `json:"project_id,omitempty"`
	Status           WorkerStatus `json:"status"`
	BaseURL          string       `json:"base_url"`
	CachedProjectIDs []string     `json:"cached_project_ids,omitempty"`
	LeaseOwner       string       `json:"lease_owner,omitempty"`
	LeaseExpiresAt   *time.Time   `json:"lease_expires_at,omitempty"`
	LastHeartbeat    time.Time    `json:"last_heartbeat"`
	LastError        string       `json:"last_error,omitempty"`
	ReleasedAt       *time.Time   `json:"released_at,omitempty"`
	RegisteredAt     time.Time    `json:"registered_at"`
}

// Transition validates and applies a status change.
func (w *Worker) Transition(next WorkerStatus) error {
	if !w.Status.CanTransition(next) {
		return fmt.Errorf("illegal worker transition %s -> %s", w.Status, next)
	}
	w.Status = next
	return nil
}

// LeaseOwnerForProject is the lease owner string recorded when a worker is
// claimed on behalf of a project.
func LeaseOwnerForProject(projectID string) string {
	return "project:" + projectID
}
