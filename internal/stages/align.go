package stages

import (
	"context"
	"math"
	"strings"

	"chorus/internal/media"
)

// mergeGapSeconds is the largest silence between two same-speaker spans that
// still merges them into one aligned span.
const mergeGapSeconds = 1.0

// AlignStage attributes each transcript span to a diarized speaker. It is a
// pure computation over the diarize and transcribe outputs: no collaborator
// calls, no audio access.
type AlignStage struct{}

// NewAlignStage builds the align stage.
func NewAlignStage() *AlignStage { return &AlignStage{} }

// Name implements Stage.
func (s *AlignStage) Name() media.StageName { return media.StageAlign }

// Run implements Stage. Each transcript span gets the speaker whose segment
// overlaps it the most, ties going to the segment that starts earliest. A
// span overlapping no segment falls back to the segment nearest its
// midpoint. Consecutive same-speaker spans separated by at most one second
// are merged.
func (s *AlignStage) Run(ctx context.Context, req Request) (media.StageOutput, error) {
	diarization, err := requirePrior(req.Prior, media.StageDiarize, s.Name())
	if err != nil {
		return media.StageOutput{}, err
	}
	transcript, err := requirePrior(req.Prior, media.StageTranscribe, s.Name())
	if err != nil {
		return media.StageOutput{}, err
	}

	segments := diarization.Diarization
	if len(segments) == 0 {
		// Silent audio diarizes to nothing; there is no speaker to
		// attribute spans to.
		return media.AlignmentOutput(nil), nil
	}

	aligned := make([]media.AlignedSpan, 0, len(transcript.Transcript))
	for _, span := range transcript.Transcript {
		aligned = append(aligned, media.AlignedSpan{
			Start:   span.Start,
			End:     span.End,
			Speaker: assignSpeaker(span, segments),
			Text:    span.Text,
		})
	}

	return media.AlignmentOutput(mergeConsecutive(aligned)), nil
}

func assignSpeaker(span media.TranscriptSpan, segments []media.Segment) string {
	bestLabel := ""
	bestOverlap := 0.0
	bestStart := math.Inf(1)
	for _, segment := range segments {
		overlap := math.Min(span.End, segment.End) - math.Max(span.Start, segment.Start)
		if overlap <= 0 {
			continue
		}
		if overlap > bestOverlap || (overlap == bestOverlap && segment.Start < bestStart) {
			bestLabel = segment.Speaker
			bestOverlap = overlap
			bestStart = segment.Start
		}
	}
	if bestLabel != "" {
		return bestLabel
	}
	return nearestSpeaker(span, segments)
}

// nearestSpeaker handles spans falling entirely between segments: the
// segment closest to the span midpoint wins.
func nearestSpeaker(span media.TranscriptSpan, segments []media.Segment) string {
	midpoint := (span.Start + span.End) / 2
	bestLabel := ""
	bestDistance := math.Inf(1)
	for _, segment := range segments {
		distance := 0.0
		switch {
		case midpoint < segment.Start:
			distance = segment.Start - midpoint
		case midpoint > segment.End:
			distance = midpoint - segment.End
		}
		if distance < bestDistance {
			bestLabel = segment.Speaker
			bestDistance = distance
		}
	}
	return bestLabel
}

func mergeConsecutive(spans []media.AlignedSpan) []media.AlignedSpan {
	if len(spans) == 0 {
		return spans
	}
	merged := make([]media.AlignedSpan, 0, len(spans))
	current := spans[0]
	for _, span := range spans[1:] {
		if span.Speaker == current.Speaker && span.Start-current.End <= mergeGapSeconds {
			current.End = span.End
			current.Text = strings.TrimSpace(current.Text + " " + span.Text)
			continue
		}
		merged = append(merged, current)
		current = span
	}
	return append(merged, current)
}
