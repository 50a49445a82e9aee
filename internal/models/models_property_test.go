package models

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genJobStatus generates a random JobStatus.
func genJobStatus() gopter.Gen {
	return gen.OneConstOf(
		JobStatusQueued,
		JobStatusClaimed,
		JobStatusRunning,
		JobStatusSucceeded,
		JobStatusFailed,
		JobStatusKilled,
	)
}

// genBuildStatus generates a random BuildStatus.
func genBuildStatus() gopter.Gen {
	return gen.OneConstOf(
		BuildStatusPending,
		BuildStatusQueued,
		BuildStatusRunning,
		BuildStatusSucceeded,
		BuildStatusFailed,
		BuildStatusCancelled,
	)
}

// genWorkerStatus generates a random WorkerStatus.
func genWorkerStatus() gopter.Gen {
	return gen.OneConstOf(
		WorkerStatusIdle,
		WorkerStatusStarting,
		WorkerStatusBusy,
		WorkerStatusError,
	)
}

// genTime generates a random time truncated to second precision for JSON
// compatibility.
func genTime() gopter.Gen {
	return gen.Int64Range(0, 2000000000).Map(func(secs int64) time.Time {
		return time.Unix(secs, 0).UTC()
	})
}

// genOptionalString generates an optional string pointer.
func genOptionalString() gopter.Gen {
	return gen.Bool().FlatMap(func(v interface{}) gopter.Gen {
		if v.(bool) {
			return gen.Identifier().Map(func(s string) *string { return &s })
		}
		return gen.Const((*string)(nil))
	}, reflect.TypeOf((*string)(nil)))
}

func TestTerminalJobStatusesHaveNoTransitions(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("terminal job statuses allow no further transitions", prop.ForAll(
		func(from, to JobStatus) bool {
			if !from.Terminal() {
				return true
			}
			return !from.CanTransition(to)
		},
		genJobStatus(),
		genJobStatus(),
	))

	properties.Property("killed jobs recycle to queued or close out terminally", prop.ForAll(
		func(to JobStatus) bool {
			allowed := to == JobStatusQueued || to.Terminal()
			return JobStatusKilled.CanTransition(to) == allowed
		},
		genJobStatus(),
	))

	properties.Property("Transition mutates status exactly when legal", prop.ForAll(
		func(from, to JobStatus) bool {
			job := &Job{ID: "j", Status: from}
			err := job.Transition(to)
			if from.CanTransition(to) {
				return err == nil && job.Status == to
			}
			return err != nil && job.Status == from
		},
		genJobStatus(),
		genJobStatus(),
	))

	properties.TestingRun(t)
}

func TestBuildStatusTransitions(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("succeeded and cancelled builds are immutable", prop.ForAll(
		func(to BuildStatus) bool {
			return !BuildStatusSucceeded.CanTransition(to) &&
				!BuildStatusCancelled.CanTransition(to)
		},
		genBuildStatus(),
	))

	properties.Property("failed builds only retry or dismiss", prop.ForAll(
		func(to BuildStatus) bool {
			allowed := to == BuildStatusQueued || to == BuildStatusCancelled
			return BuildStatusFailed.CanTransition(to) == allowed
		},
		genBuildStatus(),
	))

	properties.Property("staged requires pending with a dependency", prop.ForAll(
		func(status BuildStatus, dependsOn *string) bool {
			b := &Build{ID: "b", Status: status, DependsOnBuildID: dependsOn}
			return b.Staged() == (status == BuildStatusPending && dependsOn != nil)
		},
		genBuildStatus(),
		genOptionalString(),
	))

	properties.TestingRun(t)
}

func TestWorkerStatusTransitions(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("error workers only recover to idle", prop.ForAll(
		func(to WorkerStatus) bool {
			return WorkerStatusError.CanTransition(to) == (to == WorkerStatusIdle)
		},
		genWorkerStatus(),
	))

	properties.TestingRun(t)
}

func TestJobJSONRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("job survives JSON round-trip", prop.ForAll(
		func(id, projectID, buildID string, status JobStatus, created time.Time) bool {
			job := Job{
				ID:        id,
				ProjectID: projectID,
				BuildID:   buildID,
				Status:    status,
				CreatedAt: created,
				UpdatedAt: created,
			}
			data, err := json.Marshal(job)
			if err != nil {
				return false
			}
			var decoded Job
			if err := json.Unmarshal(data, &decoded); err != nil {
				return false
			}
			return reflect.DeepEqual(job, decoded)
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
		genJobStatus(),
		genTime(),
	))

	properties.TestingRun(t)
}
