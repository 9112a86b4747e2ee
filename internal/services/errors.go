package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidSpec marks caller errors rejected synchronously at submission.
	ErrInvalidSpec = errors.New("invalid spec")
	// ErrOverloaded marks transient admission failures; callers should retry with backoff.
	ErrOverloaded = errors.New("overloaded")
	// ErrFetchFailed marks audio that could not be resolved or validated.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrStageFailed marks a failure inside a pipeline stage or its collaborator.
	ErrStageFailed = errors.New("stage failed")
	// ErrMissingDependency marks a stage invoked without its required prior outputs.
	ErrMissingDependency = errors.New("missing dependency")
	// ErrDeliveryFailed marks webhook delivery exhaustion; job status is unaffected.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrIncompleteJob marks assembly over a job missing a requested stage output.
	ErrIncompleteJob = errors.New("incomplete job")
	// ErrNotFound marks lookups for unknown jobs.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a compare-and-swap transition that lost to another actor.
	ErrConflict = errors.New("conflict")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrStageFailed
	}
	var wrapped error
	if err != nil {
		wrapped = fmt.Errorf("%w: %s: %w", marker, detail, err)
	} else {
		wrapped = fmt.Errorf("%w: %s", marker, detail)
	}
	if stage = strings.TrimSpace(stage); stage != "" {
		return &stageError{stage: stage, err: wrapped}
	}
	return wrapped
}

type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// StageFromError returns the most recently recorded stage tag, if any.
func StageFromError(err error) string {
	var tagged *stageError
	if errors.As(err, &tagged) {
		return tagged.stage
	}
	return ""
}

// Kind maps an error chain to its wire-visible taxonomy string. Unclassified
// errors report as StageFailed since they only ever surface from workers.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidSpec):
		return "InvalidSpec"
	case errors.Is(err, ErrOverloaded):
		return "Overloaded"
	case errors.Is(err, ErrFetchFailed):
		return "FetchFailed"
	case errors.Is(err, ErrMissingDependency):
		return "MissingDependency"
	case errors.Is(err, ErrDeliveryFailed):
		return "DeliveryFailed"
	case errors.Is(err, ErrIncompleteJob), errors.Is(err, ErrStageFailed):
		return "StageFailed"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	default:
		return "StageFailed"
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
