package jobs

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"chorus/internal/media"
	"chorus/internal/services"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var allStatuses = []Status{
	StatusQueued,
	StatusRunning,
	StatusSucceeded,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether no further transition may leave the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// canTransition encodes the legal status edges. Running to running covers
// stage advancement; the stage expectation distinguishes the steps.
func canTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusFailed || to == StatusCancelled
	case StatusRunning:
		return to == StatusRunning || to == StatusSucceeded || to == StatusFailed
	default:
		return false
	}
}

// JobError captures why a job failed, including which stage errored.
type JobError struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

// FromError converts a pipeline error into its persisted form.
func FromError(err error) *JobError {
	if err == nil {
		return nil
	}
	return &JobError{
		Kind:    services.Kind(err),
		Stage:   services.StageFromError(err),
		Message: err.Error(),
	}
}

// Spec is a job submission as received from a caller.
type Spec struct {
	RecordingID   string
	AudioURL      string
	Stages        []string
	CallbackURL   string
	WebhookSecret string
	Voiceprints   []media.Voiceprint
}

// Job is the canonical job record. Owned exclusively by the Store; workers
// receive copies and mutate only through Transition.
type Job struct {
	ID              string
	RecordingID     string
	AudioURL        string
	Stages          []media.StageName
	CallbackURL     string
	WebhookSecret   string
	Voiceprints     []media.Voiceprint
	Status          Status
	Stage           media.StageName
	Outputs         media.StageOutputs
	Err             *JobError
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone returns a copy safe to hand out of the store.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Stages = append([]media.StageName(nil), j.Stages...)
	cp.Voiceprints = append([]media.Voiceprint(nil), j.Voiceprints...)
	cp.Outputs = j.Outputs.Clone()
	if j.Err != nil {
		errCopy := *j.Err
		cp.Err = &errCopy
	}
	return &cp
}

// newJob validates a spec and builds the initial queued record. Validation
// failures wrap ErrInvalidSpec so they surface as caller errors and never
// enter the queue.
func newJob(spec Spec) (*Job, error) {
	stages, err := media.ParseStages(spec.Stages)
	if err != nil {
		return nil, services.Wrap(services.ErrInvalidSpec, "", "create", err.Error(), nil)
	}
	if err := validateAbsoluteURL(spec.AudioURL); err != nil {
		return nil, services.Wrap(services.ErrInvalidSpec, "", "create", fmt.Sprintf("audio_url: %v", err), nil)
	}
	if strings.TrimSpace(spec.CallbackURL) != "" {
		if err := validateAbsoluteURL(spec.CallbackURL); err != nil {
			return nil, services.Wrap(services.ErrInvalidSpec, "", "create", fmt.Sprintf("callback_url: %v", err), nil)
		}
	}
	for _, vp := range spec.Voiceprints {
		if strings.TrimSpace(vp.Label) == "" || strings.TrimSpace(vp.Data) == "" {
			return nil, services.Wrap(services.ErrInvalidSpec, "", "create", "voiceprint entries require label and voiceprint", nil)
		}
	}

	now := time.Now().UTC()
	return &Job{
		ID:            uuid.NewString(),
		RecordingID:   strings.TrimSpace(spec.RecordingID),
		AudioURL:      strings.TrimSpace(spec.AudioURL),
		Stages:        stages,
		CallbackURL:   strings.TrimSpace(spec.CallbackURL),
		WebhookSecret: spec.WebhookSecret,
		Voiceprints:   append([]media.Voiceprint(nil), spec.Voiceprints...),
		Status:        StatusQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func validateAbsoluteURL(value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("must be set")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("must be an absolute URL, got %q", value)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("must use http or https, got %q", value)
	}
	return nil
}
