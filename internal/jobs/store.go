package jobs

import (
	"context"
	"time"

	"chorus/internal/media"
)

// Expectation is the compare half of a transition: the status (and, while
// running, the stage) the caller believes the job is in.
type Expectation struct {
	Status Status
	Stage  media.StageName
}

// OutputPatch records one completed stage's result.
type OutputPatch struct {
	Stage  media.StageName
	Output media.StageOutput
}

// Patch carries the field updates applied alongside a status transition.
// Nil fields are left untouched.
type Patch struct {
	Stage           *media.StageName
	Output          *OutputPatch
	Err             *JobError
	CancelRequested *bool
}

// Store is the single owner of job state. All mutation flows through
// Transition so concurrent dispatchers and pollers cannot lose updates.
type Store interface {
	// Create validates the spec and persists a queued job. Invalid specs
	// fail with ErrInvalidSpec and never enter the store.
	Create(ctx context.Context, spec Spec) (*Job, error)

	// Get returns a copy of the job or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// GetByRecordingID returns the most recent job for a recording.
	GetByRecordingID(ctx context.Context, recordingID string) (*Job, error)

	// Transition atomically compares the job against expected and, on match,
	// applies the patch and moves it to next. A mismatch or an illegal edge
	// returns ErrConflict; terminal states are never left.
	Transition(ctx context.Context, id string, expected Expectation, next Status, patch Patch) (*Job, error)

	// RequestCancel marks a running job for advisory cancellation. Queued
	// jobs should be cancelled through Transition instead.
	RequestCancel(ctx context.Context, id string) error

	// Remove deletes a job outright. Used to roll back admission when the
	// queue is full, and by operators clearing records.
	Remove(ctx context.Context, id string) (bool, error)

	// List returns jobs filtered by status (all jobs when none given),
	// ordered by creation time.
	List(ctx context.Context, statuses ...Status) ([]*Job, error)

	// Stats counts jobs grouped by status.
	Stats(ctx context.Context) (map[Status]int, error)

	// GC removes terminal jobs whose last update is older than the cutoff
	// and reports how many were removed.
	GC(ctx context.Context, olderThan time.Time) (int64, error)

	// Close releases any underlying resources.
	Close() error
}

// applyPatch mutates a job in place. Callers hold whatever lock the backing
// store requires.
func applyPatch(job *Job, next Status, patch Patch) {
	job.Status = next
	if patch.Stage != nil {
		job.Stage = *patch.Stage
	}
	if patch.Output != nil {
		job.Outputs.Set(patch.Output.Stage, patch.Output.Output)
	}
	if patch.Err != nil {
		errCopy := *patch.Err
		job.Err = &errCopy
	}
	if patch.CancelRequested != nil {
		job.CancelRequested = *patch.CancelRequested
	}
	if next.IsTerminal() && next != StatusFailed {
		job.Err = nil
	}
	if next.IsTerminal() {
		job.Stage = ""
	}
	job.UpdatedAt = time.Now().UTC()
}

// matches reports whether the job satisfies the expectation. The stage is
// compared only while the expected status is running, since stage is
// meaningless otherwise.
func matches(job *Job, expected Expectation) bool {
	if job.Status != expected.Status {
		return false
	}
	if expected.Status == StatusRunning && job.Stage != expected.Stage {
		return false
	}
	return true
}
