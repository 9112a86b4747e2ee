package webhook

import (
	"chorus/internal/assemble"
	"chorus/internal/jobs"
	"chorus/internal/media"
)

// Event types set in the X-Chorus-Event header.
const (
	EventJobSucceeded = "job.succeeded"
	EventJobFailed    = "job.failed"
)

// Payload is the outbound webhook body. Success deliveries carry the
// assembled result; failure deliveries carry the job error instead.
type Payload struct {
	RecordingID    string               `json:"recording_id"`
	JobID          string               `json:"job_id"`
	Status         string               `json:"status"`
	Segments       []media.AlignedSpan  `json:"segments,omitempty"`
	SpeakerCount   int                  `json:"speaker_count,omitempty"`
	Embeddings     map[string][]float64 `json:"embeddings,omitempty"`
	FullTranscript string               `json:"full_transcript,omitempty"`
	Error          *jobs.JobError       `json:"error,omitempty"`
}

// SuccessPayload builds the delivery body for a succeeded job.
func SuccessPayload(job *jobs.Job, result *assemble.Result) Payload {
	return Payload{
		RecordingID:    job.RecordingID,
		JobID:          job.ID,
		Status:         string(jobs.StatusSucceeded),
		Segments:       result.Segments,
		SpeakerCount:   result.SpeakerCount,
		Embeddings:     result.Embeddings,
		FullTranscript: result.FullTranscript,
	}
}

// FailurePayload builds the delivery body for a failed job.
func FailurePayload(job *jobs.Job) Payload {
	return Payload{
		RecordingID: job.RecordingID,
		JobID:       job.ID,
		Status:      string(jobs.StatusFailed),
		Error:       job.Err,
	}
}

// EventType returns the event header value for the payload.
func (p Payload) EventType() string {
	if p.Status == string(jobs.StatusFailed) {
		return EventJobFailed
	}
	return EventJobSucceeded
}
