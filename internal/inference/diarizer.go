package inference

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"chorus/internal/config"
	"chorus/internal/media"
)

// DiarizerClient talks to the diarization sidecar. Besides "who spoke when"
// it exposes the sidecar's embedding head for per-speaker voice vectors.
type DiarizerClient struct {
	baseURL     string
	minSpeakers int
	maxSpeakers int
	client      *http.Client
}

// NewDiarizerClient builds a client from configuration.
func NewDiarizerClient(cfg config.Diarizer) *DiarizerClient {
	return &DiarizerClient{
		baseURL:     cfg.BaseURL,
		minSpeakers: cfg.MinSpeakers,
		maxSpeakers: cfg.MaxSpeakers,
		client:      &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
	}
}

type diarizeResponse struct {
	Segments []struct {
		SpeakerID string  `json:"speaker_id"`
		StartTime float64 `json:"start_time"`
		EndTime   float64 `json:"end_time"`
	} `json:"segments"`
	Error string `json:"error,omitempty"`
}

// Diarize runs speaker diarization over the audio and returns raw segments
// in sidecar label space, ordered as the sidecar emitted them.
func (c *DiarizerClient) Diarize(ctx context.Context, audio []byte) ([]media.Segment, error) {
	fields := map[string]string{}
	if c.minSpeakers > 0 {
		fields["min_speakers"] = strconv.Itoa(c.minSpeakers)
	}
	if c.maxSpeakers > 0 {
		fields["max_speakers"] = strconv.Itoa(c.maxSpeakers)
	}

	var result diarizeResponse
	if err := postAudio(ctx, c.client, c.baseURL+"/diarize", audio, fields, &result); err != nil {
		return nil, fmt.Errorf("diarize: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("diarize: %s", result.Error)
	}

	segments := make([]media.Segment, len(result.Segments))
	for i, seg := range result.Segments {
		segments[i] = media.Segment{
			Speaker: seg.SpeakerID,
			Start:   seg.StartTime,
			End:     seg.EndTime,
		}
	}
	return segments, nil
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// Embed extracts a voice embedding for one time window of the audio.
func (c *DiarizerClient) Embed(ctx context.Context, audio []byte, start, end float64) ([]float64, error) {
	fields := map[string]string{
		"start": strconv.FormatFloat(start, 'f', -1, 64),
		"end":   strconv.FormatFloat(end, 'f', -1, 64),
	}
	var result embedResponse
	if err := postAudio(ctx, c.client, c.baseURL+"/embed", audio, fields, &result); err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("embed: %s", result.Error)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("embed: empty embedding")
	}
	return result.Embedding, nil
}

// Healthy reports whether the sidecar responds to its health probe.
func (c *DiarizerClient) Healthy(ctx context.Context) bool {
	return checkHealth(ctx, c.client, c.baseURL)
}
