package testsupport

import (
	"context"
	"testing"

	"chorus/internal/jobs"
)

// MustOpenStore opens the configured job store for tests and registers
// cleanup.
func MustOpenStore(t testing.TB, store jobs.Store, err error) jobs.Store {
	t.Helper()

	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewQueuedJob creates a queued job for tests using the provided store.
func NewQueuedJob(t testing.TB, store jobs.Store, recordingID string, stages ...string) *jobs.Job {
	t.Helper()

	if len(stages) == 0 {
		stages = []string{"diarize"}
	}
	job, err := store.Create(context.Background(), jobs.Spec{
		RecordingID: recordingID,
		AudioURL:    "http://audio.local/" + recordingID + ".wav",
		Stages:      stages,
	})
	if err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return job
}
