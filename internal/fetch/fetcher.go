package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"chorus/internal/config"
	"chorus/internal/logging"
	"chorus/internal/services"
)

// Fetcher downloads audio resources over HTTP with a size cap and bounded
// retries.
type Fetcher struct {
	client      *http.Client
	maxBytes    int64
	maxAttempts int
	logger      *slog.Logger
}

// NewFetcher builds a fetcher from configuration.
func NewFetcher(cfg config.Fetch, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Fetcher{
		client:      &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
		maxBytes:    cfg.MaxBytes,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger,
	}
}

// Fetch downloads the resource at rawURL. All failures wrap ErrFetchFailed
// so the scheduler can map them onto the job error taxonomy.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	var body []byte
	attempt := 0

	op := func() error {
		attempt++
		data, err := f.fetchOnce(ctx, rawURL)
		if err != nil {
			f.logger.Warn("audio fetch attempt failed",
				logging.String("url", rawURL),
				logging.Int("attempt", attempt),
				logging.Error(err),
			)
			return err
		}
		body = data
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second

	retries := uint64(0)
	if f.maxAttempts > 1 {
		retries = uint64(f.maxAttempts - 1)
	}
	wrapped := backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx)

	if err := backoff.Retry(op, wrapped); err != nil {
		return nil, services.Wrap(services.ErrFetchFailed, "", "fetch", rawURL, err)
	}
	return body, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	default:
		return nil, backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}

	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return nil, backoff.Permanent(fmt.Errorf("resource is %d bytes, cap is %d", resp.ContentLength, f.maxBytes))
	}

	reader := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, backoff.Permanent(fmt.Errorf("resource exceeds %d byte cap", f.maxBytes))
	}
	if len(data) == 0 {
		return nil, backoff.Permanent(fmt.Errorf("empty response body"))
	}
	return data, nil
}
