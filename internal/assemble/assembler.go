package assemble

import (
	"fmt"
	"strings"

	"chorus/internal/jobs"
	"chorus/internal/media"
	"chorus/internal/services"
)

// Result is the canonical output shape delivered over the webhook and
// returned by the synchronous endpoint.
type Result struct {
	RecordingID    string               `json:"recording_id"`
	Segments       []media.AlignedSpan  `json:"segments"`
	SpeakerCount   int                  `json:"speaker_count"`
	Embeddings     map[string][]float64 `json:"embeddings,omitempty"`
	FullTranscript string               `json:"full_transcript"`
}

// Assemble merges a job's stage outputs into the canonical result. Segments
// come from alignment when it was requested, otherwise from raw diarization.
// The full transcript is the space-joined text of the assembled segments in
// start order; without alignment it falls back to the raw transcript spans.
func Assemble(job *jobs.Job) (*Result, error) {
	for _, stage := range job.Stages {
		if !job.Outputs.Has(stage) {
			return nil, services.Wrap(services.ErrIncompleteJob, string(stage), "assemble",
				fmt.Sprintf("requested stage %s has no output", stage), nil)
		}
	}

	result := &Result{RecordingID: job.RecordingID}

	if diarization, ok := job.Outputs.Get(media.StageDiarize); ok {
		result.SpeakerCount = len(media.SpeakerLabels(diarization.Diarization))
		result.Segments = rawSegments(diarization.Diarization)
	}
	if alignment, ok := job.Outputs.Get(media.StageAlign); ok {
		result.Segments = alignment.Alignment
	}
	if embeddings, ok := job.Outputs.Get(media.StageEmbed); ok {
		result.Embeddings = embeddings.Embeddings
	}

	result.FullTranscript = joinTranscript(result.Segments)
	if _, aligned := job.Outputs.Get(media.StageAlign); !aligned {
		if transcript, ok := job.Outputs.Get(media.StageTranscribe); ok {
			result.FullTranscript = joinSpans(transcript.Transcript)
		}
	}
	return result, nil
}

func rawSegments(segments []media.Segment) []media.AlignedSpan {
	spans := make([]media.AlignedSpan, len(segments))
	for i, segment := range segments {
		spans[i] = media.AlignedSpan{
			Start:   segment.Start,
			End:     segment.End,
			Speaker: segment.Speaker,
		}
	}
	return spans
}

func joinSpans(spans []media.TranscriptSpan) string {
	parts := make([]string, 0, len(spans))
	for _, span := range spans {
		if text := strings.TrimSpace(span.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func joinTranscript(segments []media.AlignedSpan) string {
	parts := make([]string, 0, len(segments))
	for _, segment := range segments {
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}
