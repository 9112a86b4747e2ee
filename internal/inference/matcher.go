package inference

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"chorus/internal/config"
	"chorus/internal/media"
)

// MatcherClient talks to the voiceprint matching sidecar. It is optional:
// when no base URL is configured the identify and voiceprint surfaces are
// disabled.
type MatcherClient struct {
	baseURL string
	client  *http.Client
}

// NewMatcherClient builds a client from configuration. Returns nil when no
// base URL is set.
func NewMatcherClient(cfg config.Matcher) *MatcherClient {
	if cfg.BaseURL == "" {
		return nil
	}
	return &MatcherClient{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
	}
}

type matchRequest struct {
	Embeddings  map[string][]float64 `json:"embeddings"`
	Voiceprints []media.Voiceprint   `json:"voiceprints"`
}

type matchResponse struct {
	Mapping map[string]string `json:"mapping"`
	Error   string            `json:"error,omitempty"`
}

// Match compares detected speaker embeddings against caller voiceprints and
// returns a mapping from diarizer label to caller label. Unmatched speakers
// are absent from the mapping and keep their generated labels.
func (c *MatcherClient) Match(ctx context.Context, embeddings map[string][]float64, voiceprints []media.Voiceprint) (map[string]string, error) {
	var result matchResponse
	if err := postJSON(ctx, c.client, c.baseURL+"/match", matchRequest{
		Embeddings:  embeddings,
		Voiceprints: voiceprints,
	}, &result); err != nil {
		return nil, fmt.Errorf("match: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("match: %s", result.Error)
	}
	return result.Mapping, nil
}

type voiceprintResponse struct {
	Voiceprint string `json:"voiceprint"`
	Error      string `json:"error,omitempty"`
}

// Voiceprint computes an opaque voiceprint blob from a short audio sample.
func (c *MatcherClient) Voiceprint(ctx context.Context, audio []byte) (string, error) {
	var result voiceprintResponse
	if err := postAudio(ctx, c.client, c.baseURL+"/voiceprint", audio, nil, &result); err != nil {
		return "", fmt.Errorf("voiceprint: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("voiceprint: %s", result.Error)
	}
	if result.Voiceprint == "" {
		return "", fmt.Errorf("voiceprint: empty result")
	}
	return result.Voiceprint, nil
}

// Healthy reports whether the sidecar responds to its health probe.
func (c *MatcherClient) Healthy(ctx context.Context) bool {
	return checkHealth(ctx, c.client, c.baseURL)
}
