package stages

import (
	"context"
	"sort"

	"chorus/internal/media"
	"chorus/internal/services"
)

// TranscribeStage converts audio into timed text spans.
type TranscribeStage struct {
	provider TranscribeProvider
}

// NewTranscribeStage builds the transcribe stage.
func NewTranscribeStage(provider TranscribeProvider) *TranscribeStage {
	return &TranscribeStage{provider: provider}
}

// Name implements Stage.
func (s *TranscribeStage) Name() media.StageName { return media.StageTranscribe }

// Run implements Stage.
func (s *TranscribeStage) Run(ctx context.Context, req Request) (media.StageOutput, error) {
	spans, err := s.provider.Transcribe(ctx, req.Audio)
	if err != nil {
		return media.StageOutput{}, services.Wrap(services.ErrStageFailed, string(s.Name()), "request", "transcriber collaborator", err)
	}
	sort.SliceStable(spans, func(i, j int) bool {
		return spans[i].Start < spans[j].Start
	})
	return media.TranscriptOutput(spans), nil
}
