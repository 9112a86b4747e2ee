package stages

import (
	"context"
	"fmt"

	"chorus/internal/media"
	"chorus/internal/services"
)

// Request carries everything a stage may read: the fetched audio, the
// outputs of the stages that already ran, and any caller voiceprints.
type Request struct {
	Audio       []byte
	Prior       media.StageOutputs
	Voiceprints []media.Voiceprint
}

// Stage is one unit of the processing pipeline.
type Stage interface {
	Name() media.StageName
	Run(ctx context.Context, req Request) (media.StageOutput, error)
}

// DiarizeProvider produces speaker turns from audio.
type DiarizeProvider interface {
	Diarize(ctx context.Context, audio []byte) ([]media.Segment, error)
}

// TranscribeProvider produces timed text spans from audio.
type TranscribeProvider interface {
	Transcribe(ctx context.Context, audio []byte) ([]media.TranscriptSpan, error)
}

// EmbedProvider produces a voice embedding for a window of the audio.
type EmbedProvider interface {
	Embed(ctx context.Context, audio []byte, start, end float64) ([]float64, error)
}

// SpeakerMatcher maps detected speaker embeddings onto caller voiceprint
// labels.
type SpeakerMatcher interface {
	Match(ctx context.Context, embeddings map[string][]float64, voiceprints []media.Voiceprint) (map[string]string, error)
}

// Set bundles the configured stages for lookup by name.
type Set struct {
	stages map[media.StageName]Stage
}

// NewSet registers the given stages.
func NewSet(all ...Stage) *Set {
	set := &Set{stages: make(map[media.StageName]Stage, len(all))}
	for _, stage := range all {
		set.stages[stage.Name()] = stage
	}
	return set
}

// Get returns the stage registered under name.
func (s *Set) Get(name media.StageName) (Stage, error) {
	stage, ok := s.stages[name]
	if !ok {
		return nil, services.Wrap(services.ErrMissingDependency, string(name), "lookup",
			fmt.Sprintf("no %s stage configured", name), nil)
	}
	return stage, nil
}

// requirePrior fetches a dependency output or fails with MissingDependency.
func requirePrior(prior media.StageOutputs, needed, forStage media.StageName) (media.StageOutput, error) {
	output, ok := prior.Get(needed)
	if !ok {
		return media.StageOutput{}, services.Wrap(services.ErrMissingDependency, string(forStage), "",
			fmt.Sprintf("%s output required before %s", needed, forStage), nil)
	}
	return output, nil
}
