package stages

import (
	"context"

	"chorus/internal/media"
	"chorus/internal/services"
)

// EmbedStage extracts one voice embedding per detected speaker, computed
// over that speaker's longest contiguous segment.
type EmbedStage struct {
	provider EmbedProvider
}

// NewEmbedStage builds the embed stage.
func NewEmbedStage(provider EmbedProvider) *EmbedStage {
	return &EmbedStage{provider: provider}
}

// Name implements Stage.
func (s *EmbedStage) Name() media.StageName { return media.StageEmbed }

// Run implements Stage.
func (s *EmbedStage) Run(ctx context.Context, req Request) (media.StageOutput, error) {
	diarization, err := requirePrior(req.Prior, media.StageDiarize, s.Name())
	if err != nil {
		return media.StageOutput{}, err
	}

	segments := diarization.Diarization
	longest := media.LongestSegmentPerSpeaker(segments)
	vectors := make(map[string][]float64, len(longest))
	for _, label := range media.SpeakerLabels(segments) {
		segment := longest[label]
		vector, err := s.provider.Embed(ctx, req.Audio, segment.Start, segment.End)
		if err != nil {
			return media.StageOutput{}, services.Wrap(services.ErrStageFailed, string(s.Name()), "request", "embedding collaborator", err)
		}
		vectors[label] = vector
	}

	return media.EmbeddingsOutput(vectors), nil
}
