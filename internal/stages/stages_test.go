package stages_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"chorus/internal/media"
	"chorus/internal/services"
	"chorus/internal/stages"
)

type stubDiarizer struct {
	segments []media.Segment
	err      error
}

func (s *stubDiarizer) Diarize(ctx context.Context, audio []byte) ([]media.Segment, error) {
	return s.segments, s.err
}

type stubTranscriber struct {
	spans []media.TranscriptSpan
	err   error
}

func (s *stubTranscriber) Transcribe(ctx context.Context, audio []byte) ([]media.TranscriptSpan, error) {
	return s.spans, s.err
}

type stubEmbedder struct {
	windows [][2]float64
	err     error
}

func (s *stubEmbedder) Embed(ctx context.Context, audio []byte, start, end float64) ([]float64, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.windows = append(s.windows, [2]float64{start, end})
	return []float64{start, end}, nil
}

type stubMatcher struct {
	mapping map[string]string
	err     error
}

func (s *stubMatcher) Match(ctx context.Context, embeddings map[string][]float64, voiceprints []media.Voiceprint) (map[string]string, error) {
	return s.mapping, s.err
}

func TestDiarizeNormalizesAndOrdersSegments(t *testing.T) {
	provider := &stubDiarizer{segments: []media.Segment{
		{Speaker: "spk_x", Start: 5, End: 8},
		{Speaker: "spk_y", Start: 0, End: 4},
		{Speaker: "spk_x", Start: 9, End: 11},
	}}

	output, err := stages.NewDiarizeStage(provider, nil, nil).Run(context.Background(), stages.Request{Audio: []byte("wav")})
	if err != nil {
		t.Fatalf("diarize: %v", err)
	}
	segments := output.Diarization
	if segments[0].Start != 0 {
		t.Fatalf("segments not ordered by start: %+v", segments)
	}
	want := []string{"SPEAKER_00", "SPEAKER_01", "SPEAKER_01"}
	for i, segment := range segments {
		if segment.Speaker != want[i] {
			t.Fatalf("segment %d: expected %s, got %s", i, want[i], segment.Speaker)
		}
	}
}

func TestDiarizeWrapsCollaboratorFailure(t *testing.T) {
	provider := &stubDiarizer{err: fmt.Errorf("connection refused")}
	_, err := stages.NewDiarizeStage(provider, nil, nil).Run(context.Background(), stages.Request{})
	if !errors.Is(err, services.ErrStageFailed) {
		t.Fatalf("expected ErrStageFailed, got %v", err)
	}
	if services.StageFromError(err) != "diarize" {
		t.Fatalf("expected stage tag diarize, got %q", services.StageFromError(err))
	}
}

func TestDiarizeRelabelsWithVoiceprints(t *testing.T) {
	provider := &stubDiarizer{segments: []media.Segment{
		{Speaker: "a", Start: 0, End: 3},
		{Speaker: "b", Start: 3, End: 5},
	}}
	embedder := &stubEmbedder{}
	matcher := &stubMatcher{mapping: map[string]string{"SPEAKER_00": "alice"}}

	output, err := stages.NewDiarizeStage(provider, embedder, matcher).Run(context.Background(), stages.Request{
		Audio:       []byte("wav"),
		Voiceprints: []media.Voiceprint{{Label: "alice", Data: "b64"}},
	})
	if err != nil {
		t.Fatalf("diarize: %v", err)
	}
	if output.Diarization[0].Speaker != "alice" {
		t.Fatalf("voiceprint relabel not applied: %+v", output.Diarization)
	}
	if output.Diarization[1].Speaker != "SPEAKER_01" {
		t.Fatalf("unmatched speaker lost generated label: %+v", output.Diarization)
	}
	if len(embedder.windows) != 2 {
		t.Fatalf("expected one embedding per speaker, got %d", len(embedder.windows))
	}
}

func TestDiarizeVoiceprintsWithoutMatcher(t *testing.T) {
	provider := &stubDiarizer{segments: []media.Segment{{Speaker: "a", Start: 0, End: 1}}}
	_, err := stages.NewDiarizeStage(provider, nil, nil).Run(context.Background(), stages.Request{
		Voiceprints: []media.Voiceprint{{Label: "alice", Data: "b64"}},
	})
	if !errors.Is(err, services.ErrMissingDependency) {
		t.Fatalf("expected ErrMissingDependency, got %v", err)
	}
}

func TestTranscribeOrdersSpans(t *testing.T) {
	provider := &stubTranscriber{spans: []media.TranscriptSpan{
		{Start: 4, End: 5, Text: "world"},
		{Start: 0, End: 1, Text: "hello"},
	}}
	output, err := stages.NewTranscribeStage(provider).Run(context.Background(), stages.Request{})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if output.Transcript[0].Text != "hello" {
		t.Fatalf("spans not ordered: %+v", output.Transcript)
	}
}

func TestEmbedUsesLongestSegmentPerSpeaker(t *testing.T) {
	var prior media.StageOutputs
	prior.Set(media.StageDiarize, media.DiarizationOutput([]media.Segment{
		{Speaker: "SPEAKER_00", Start: 0, End: 2},
		{Speaker: "SPEAKER_00", Start: 5, End: 12},
		{Speaker: "SPEAKER_01", Start: 2, End: 5},
	}))

	embedder := &stubEmbedder{}
	output, err := stages.NewEmbedStage(embedder).Run(context.Background(), stages.Request{
		Audio: []byte("wav"),
		Prior: prior,
	})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(output.Embeddings) != 2 {
		t.Fatalf("expected 2 embeddings, got %d", len(output.Embeddings))
	}
	wantWindows := [][2]float64{{5, 12}, {2, 5}}
	if !reflect.DeepEqual(embedder.windows, wantWindows) {
		t.Fatalf("unexpected embedding windows: %v", embedder.windows)
	}
}

func TestEmbedRequiresDiarization(t *testing.T) {
	_, err := stages.NewEmbedStage(&stubEmbedder{}).Run(context.Background(), stages.Request{})
	if !errors.Is(err, services.ErrMissingDependency) {
		t.Fatalf("expected ErrMissingDependency, got %v", err)
	}
}

func TestSetLookup(t *testing.T) {
	set := stages.NewSet(
		stages.NewAlignStage(),
		stages.NewTranscribeStage(&stubTranscriber{}),
	)
	if _, err := set.Get(media.StageAlign); err != nil {
		t.Fatalf("align lookup: %v", err)
	}
	if _, err := set.Get(media.StageEmbed); !errors.Is(err, services.ErrMissingDependency) {
		t.Fatalf("expected ErrMissingDependency for unregistered stage, got %v", err)
	}
}
