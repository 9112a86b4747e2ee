package stages

import (
	"context"
	"sort"

	"chorus/internal/media"
	"chorus/internal/services"
)

// DiarizeStage runs speaker diarization and, when the caller supplied
// voiceprints, relabels the detected speakers before any later stage sees
// them. Relabeling here rather than after align keeps caller labels
// consistent across aligned spans, embeddings, and the full transcript.
type DiarizeStage struct {
	provider DiarizeProvider
	embedder EmbedProvider
	matcher  SpeakerMatcher
}

// NewDiarizeStage builds the diarize stage. embedder and matcher may be nil
// when voiceprint identification is not deployed.
func NewDiarizeStage(provider DiarizeProvider, embedder EmbedProvider, matcher SpeakerMatcher) *DiarizeStage {
	return &DiarizeStage{provider: provider, embedder: embedder, matcher: matcher}
}

// Name implements Stage.
func (s *DiarizeStage) Name() media.StageName { return media.StageDiarize }

// Run implements Stage.
func (s *DiarizeStage) Run(ctx context.Context, req Request) (media.StageOutput, error) {
	segments, err := s.provider.Diarize(ctx, req.Audio)
	if err != nil {
		return media.StageOutput{}, services.Wrap(services.ErrStageFailed, string(s.Name()), "request", "diarizer collaborator", err)
	}

	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Start < segments[j].Start
	})
	segments = media.NormalizeSpeakers(segments)

	if len(req.Voiceprints) > 0 {
		segments, err = s.identify(ctx, req.Audio, segments, req.Voiceprints)
		if err != nil {
			return media.StageOutput{}, err
		}
	}

	return media.DiarizationOutput(segments), nil
}

// identify computes one embedding per detected speaker from that speaker's
// longest segment, asks the matcher for a label mapping, and relabels.
func (s *DiarizeStage) identify(ctx context.Context, audio []byte, segments []media.Segment, voiceprints []media.Voiceprint) ([]media.Segment, error) {
	if s.embedder == nil || s.matcher == nil {
		return nil, services.Wrap(services.ErrMissingDependency, string(s.Name()), "identify",
			"voiceprints supplied but no matcher is configured", nil)
	}

	longest := media.LongestSegmentPerSpeaker(segments)
	embeddings := make(map[string][]float64, len(longest))
	for _, label := range media.SpeakerLabels(segments) {
		segment := longest[label]
		vector, err := s.embedder.Embed(ctx, audio, segment.Start, segment.End)
		if err != nil {
			return nil, services.Wrap(services.ErrStageFailed, string(s.Name()), "identify", "embedding collaborator", err)
		}
		embeddings[label] = vector
	}

	mapping, err := s.matcher.Match(ctx, embeddings, voiceprints)
	if err != nil {
		return nil, services.Wrap(services.ErrStageFailed, string(s.Name()), "identify", "matcher collaborator", err)
	}
	return media.RelabelSegments(segments, mapping), nil
}
