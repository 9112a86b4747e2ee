package inference

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"chorus/internal/config"
	"chorus/internal/media"
)

// TranscriberClient talks to the transcription sidecar.
type TranscriberClient struct {
	baseURL  string
	model    string
	language string
	client   *http.Client
}

// NewTranscriberClient builds a client from configuration.
func NewTranscriberClient(cfg config.Transcriber) *TranscriberClient {
	return &TranscriberClient{
		baseURL:  cfg.BaseURL,
		model:    cfg.Model,
		language: cfg.Language,
		client:   &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
	}
}

type transcribeResponse struct {
	Spans []struct {
		StartTime float64 `json:"start_time"`
		EndTime   float64 `json:"end_time"`
		Text      string  `json:"text"`
	} `json:"spans"`
	Error string `json:"error,omitempty"`
}

// Transcribe converts audio to timed text spans.
func (c *TranscriberClient) Transcribe(ctx context.Context, audio []byte) ([]media.TranscriptSpan, error) {
	fields := map[string]string{
		"model":    c.model,
		"language": c.language,
	}
	var result transcribeResponse
	if err := postAudio(ctx, c.client, c.baseURL+"/transcribe", audio, fields, &result); err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("transcribe: %s", result.Error)
	}

	spans := make([]media.TranscriptSpan, len(result.Spans))
	for i, span := range result.Spans {
		spans[i] = media.TranscriptSpan{
			Start: span.StartTime,
			End:   span.EndTime,
			Text:  span.Text,
		}
	}
	return spans, nil
}

// Healthy reports whether the sidecar responds to its health probe.
func (c *TranscriberClient) Healthy(ctx context.Context) bool {
	return checkHealth(ctx, c.client, c.baseURL)
}
