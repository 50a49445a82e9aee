// Package models defines the core entities of the orchestration backplane:
// jobs, builds, workers, projects and credit ledger entries.
package models

import (
	"fmt"
	"time"
)

// BuildStatus represents the user-visible state of a build.
type BuildStatus string

const (
	// BuildStatusPending means the build is staged behind a dependency
	// and has not been enqueued yet.
	BuildStatusPending   BuildStatus = "pending"
	BuildStatusQueued    BuildStatus = "queued"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

var buildTransitions = map[BuildStatus][]BuildStatus{
	BuildStatusPending: {BuildStatusQueued, BuildStatusCancelled},
	// queued -> queued covers recovery resets of an interrupted build.
	BuildStatusQueued:  {BuildStatusQueued, BuildStatusRunning, BuildStatusSucceeded, BuildStatusFailed, BuildStatusCancelled},
	BuildStatusRunning: {BuildStatusQueued, BuildStatusSucceeded, BuildStatusFailed, BuildStatusCancelled},
	// failed -> queued is the user retry path, failed -> cancelled the dismissal.
	BuildStatusFailed: {BuildStatusQueued, BuildStatusCancelled},
}

// CanTransition reports whether a build may move from its current status to next.
func (s BuildStatus) CanTransition(next BuildStatus) bool {
	for _, allowed := range buildTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status ends the build's lifecycle.
func (s BuildStatus) Terminal() bool {
	return s == BuildStatusSucceeded || s == BuildStatusFailed || s == BuildStatusCancelled
}

// Build is the user-visible, billable unit of work. One build is created per
// chat turn that triggers generation. A build with a non-nil DependsOnBuildID
// is staged: it waits until its dependency reaches a terminal status.
type Build struct {
	ID               string      `json:"id"`
	ProjectID        string      `json:"project_id"`
	UserID           string      `json:"user_id"`
	Status           BuildStatus `json:"status"`
	Content          string      `json:"content"`
	DependsOnBuildID *string     `json:"depends_on_build_id,omitempty"`
	ErrorCode        string      `json:"error_code,omitempty"`
	ErrorMessage     string      `json:"error_message,omitempty"`
	SpendTotal       float64     `json:"spend_total"`
	RefundedTotal    float64     `json:"refunded_total"`
	Promoted         bool        `json:"promoted"`
	Version          int         `json:"version"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Staged reports whether the build is waiting behind a dependency.
func (b *Build) Staged() bool {
	return b.DependsOnBuildID != nil && b.Status == BuildStatusPending
}

// Transition validates and applies a status change.
func (b *Build) Transition(next BuildStatus) error {
	if !b.Status.CanTransition(next) {
		return fmt.Errorf("illegal build transition %s -> %s", b.Status, next)
	}
	b.Status = next
	return nil
}

// BuildStep records one step of the external pipeline's progress for a build.
// Steps are cleared when an interrupted build is reset by job recovery.
type BuildStep struct {
	ID        string     `json:"id"`
	BuildID   string     `json:"build_id"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
