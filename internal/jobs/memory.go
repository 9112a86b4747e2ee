package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"chorus/internal/services"
)

// MemoryStore keeps jobs in an in-process map guarded by a mutex. Suitable
// for single-instance deployments and tests.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewMemoryStore returns an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

// Create validates the spec and records a queued job.
func (s *MemoryStore) Create(ctx context.Context, spec Spec) (*Job, error) {
	job, err := newJob(spec)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return job.Clone(), nil
}

// Get returns a copy of the job or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, "", "get", "job "+id, nil)
	}
	return job.Clone(), nil
}

// GetByRecordingID returns the most recently created job for a recording.
func (s *MemoryStore) GetByRecordingID(ctx context.Context, recordingID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *Job
	for _, job := range s.jobs {
		if job.RecordingID != recordingID {
			continue
		}
		if latest == nil || job.CreatedAt.After(latest.CreatedAt) {
			latest = job
		}
	}
	if latest == nil {
		return nil, services.Wrap(services.ErrNotFound, "", "get", "recording "+recordingID, nil)
	}
	return latest.Clone(), nil
}

// Transition performs the compare-and-swap under the store mutex.
func (s *MemoryStore) Transition(ctx context.Context, id string, expected Expectation, next Status, patch Patch) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, "", "transition", "job "+id, nil)
	}
	if !matches(job, expected) || !canTransition(job.Status, next) {
		return nil, services.Wrap(services.ErrConflict, "", "transition",
			"job "+id+" is "+string(job.Status)+", expected "+string(expected.Status), nil)
	}
	applyPatch(job, next, patch)
	return job.Clone(), nil
}

// RequestCancel sets the advisory cancel flag on a running job.
func (s *MemoryStore) RequestCancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return services.Wrap(services.ErrNotFound, "", "cancel", "job "+id, nil)
	}
	if job.Status != StatusRunning {
		return services.Wrap(services.ErrConflict, "", "cancel",
			"job "+id+" is "+string(job.Status), nil)
	}
	job.CancelRequested = true
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// Remove deletes a job outright.
func (s *MemoryStore) Remove(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	delete(s.jobs, id)
	return true, nil
}

// List returns jobs filtered by status, ordered by creation time.
func (s *MemoryStore) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	wanted := make(map[Status]struct{}, len(statuses))
	for _, status := range statuses {
		wanted[status] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if len(wanted) > 0 {
			if _, ok := wanted[job.Status]; !ok {
				continue
			}
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Stats counts jobs grouped by status.
func (s *MemoryStore) Stats(ctx context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := make(map[Status]int)
	for _, job := range s.jobs {
		stats[job.Status]++
	}
	return stats, nil
}

// GC removes terminal jobs older than the cutoff.
func (s *MemoryStore) GC(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, job := range s.jobs {
		if job.Status.IsTerminal() && job.UpdatedAt.Before(olderThan) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
