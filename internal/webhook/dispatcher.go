package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"chorus/internal/config"
	"chorus/internal/logging"
	"chorus/internal/metrics"
	"chorus/internal/services"
)

const userAgent = "chorus/0.1.0"

// Delivery is one pending webhook send.
type Delivery struct {
	JobID       string
	CallbackURL string
	Secret      string
	Payload     Payload
}

// Dispatcher runs a bounded pool of delivery workers.
type Dispatcher struct {
	client      *http.Client
	maxAttempts int
	queue       chan Delivery
	logger      *slog.Logger
	metrics     *metrics.Metrics

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewDispatcher builds a dispatcher from configuration. Call Start before
// enqueuing and Close during shutdown.
func NewDispatcher(cfg config.Webhook, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{
		client:      &http.Client{Timeout: time.Duration(cfg.RequestTimeout) * time.Second},
		maxAttempts: cfg.MaxAttempts,
		queue:       make(chan Delivery, cfg.QueueDepth),
		logger:      logger,
		metrics:     m,
		stopped:     make(chan struct{}),
	}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start(ctx context.Context, workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-d.stopped:
					return
				case delivery := <-d.queue:
					d.deliver(ctx, delivery)
				}
			}
		}()
	}
}

// Close stops accepting work and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() { close(d.stopped) })
	d.wg.Wait()
}

// Enqueue schedules a delivery without blocking. A full queue drops the
// delivery; the job result stays readable through the status endpoint.
func (d *Dispatcher) Enqueue(delivery Delivery) {
	if delivery.CallbackURL == "" {
		return
	}
	select {
	case d.queue <- delivery:
	default:
		if d.metrics != nil {
			d.metrics.DeliveriesDropped.Inc()
		}
		d.logger.Warn("webhook queue full, dropping delivery",
			logging.String(logging.FieldJobID, delivery.JobID),
			logging.String("callback_url", delivery.CallbackURL),
			logging.String(logging.FieldEventType, "webhook_dropped"),
		)
	}
}

// deliver posts the payload with retry. Connection failures, 5xx, and 429
// retry with exponential backoff up to the attempt cap; any other 4xx is
// permanent. Outcomes are logged and counted but never touch job status.
func (d *Dispatcher) deliver(ctx context.Context, delivery Delivery) {
	body, err := json.Marshal(delivery.Payload)
	if err != nil {
		d.logger.Error("webhook payload marshal failed",
			logging.String(logging.FieldJobID, delivery.JobID),
			logging.Error(err),
		)
		return
	}

	attempts := 0
	op := func() error {
		attempts++
		return d.post(ctx, delivery, body)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 15 * time.Second

	retries := uint64(0)
	if d.maxAttempts > 1 {
		retries = uint64(d.maxAttempts - 1)
	}

	err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx))
	if d.metrics != nil {
		d.metrics.RecordDelivery(err == nil, attempts)
	}
	if err != nil {
		wrapped := services.Wrap(services.ErrDeliveryFailed, "", "deliver", delivery.CallbackURL, err)
		d.logger.Error("webhook delivery failed",
			logging.String(logging.FieldJobID, delivery.JobID),
			logging.String("callback_url", delivery.CallbackURL),
			logging.Int("attempts", attempts),
			logging.String(logging.FieldEventType, "webhook_failed"),
			logging.Error(wrapped),
		)
		return
	}
	d.logger.Info("webhook delivered",
		logging.String(logging.FieldJobID, delivery.JobID),
		logging.String("callback_url", delivery.CallbackURL),
		logging.Int("attempts", attempts),
		logging.String(logging.FieldEventType, "webhook_delivered"),
	)
}

func (d *Dispatcher) post(ctx context.Context, delivery Delivery, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(EventHeader, delivery.Payload.EventType())
	if delivery.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, delivery.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}
