package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chorus/internal/config"
	"chorus/internal/jobs"
	"chorus/internal/metrics"
	"chorus/internal/webhook"
)

func testDispatcher(t *testing.T, cfg config.Webhook) (*webhook.Dispatcher, context.CancelFunc) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	dispatcher := webhook.NewDispatcher(cfg, nil, m)
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.Start(ctx, cfg.Workers)
	t.Cleanup(func() {
		cancel()
		dispatcher.Close()
	})
	return dispatcher, cancel
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDeliverySignsPayload(t *testing.T) {
	var gotSignature atomic.Value
	var gotEvent atomic.Value
	var gotBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSignature.Store(r.Header.Get(webhook.SignatureHeader))
		gotEvent.Store(r.Header.Get(webhook.EventHeader))
	}))
	defer server.Close()

	dispatcher, _ := testDispatcher(t, config.Webhook{
		MaxAttempts: 3, RequestTimeout: 5, Workers: 1, QueueDepth: 8,
	})

	dispatcher.Enqueue(webhook.Delivery{
		JobID:       "job-1",
		CallbackURL: server.URL,
		Secret:      "s3cret",
		Payload: webhook.Payload{
			RecordingID: "rec-1",
			JobID:       "job-1",
			Status:      string(jobs.StatusSucceeded),
		},
	})

	waitFor(t, 2*time.Second, func() bool { return gotSignature.Load() != nil })

	body := gotBody.Load().([]byte)
	signature := gotSignature.Load().(string)
	if !webhook.Verify(body, "s3cret", signature) {
		t.Fatalf("signature does not verify: %q", signature)
	}
	if gotEvent.Load().(string) != webhook.EventJobSucceeded {
		t.Fatalf("unexpected event header: %v", gotEvent.Load())
	}

	var decoded webhook.Payload
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("decode delivered body: %v", err)
	}
	if decoded.RecordingID != "rec-1" || decoded.Status != "succeeded" {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dispatcher, _ := testDispatcher(t, config.Webhook{
		MaxAttempts: 3, RequestTimeout: 5, Workers: 1, QueueDepth: 8,
	})
	dispatcher.Enqueue(webhook.Delivery{JobID: "job-1", CallbackURL: server.URL})

	waitFor(t, 5*time.Second, func() bool { return calls.Load() == 3 })
}

func TestDeliveryAttemptsAreCapped(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	dispatcher, _ := testDispatcher(t, config.Webhook{
		MaxAttempts: 3, RequestTimeout: 5, Workers: 1, QueueDepth: 8,
	})
	dispatcher.Enqueue(webhook.Delivery{JobID: "job-1", CallbackURL: server.URL})

	waitFor(t, 10*time.Second, func() bool { return calls.Load() == 3 })
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 3 {
		t.Fatalf("attempts exceeded cap: %d", calls.Load())
	}
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	dispatcher, _ := testDispatcher(t, config.Webhook{
		MaxAttempts: 3, RequestTimeout: 5, Workers: 1, QueueDepth: 8,
	})
	dispatcher.Enqueue(webhook.Delivery{JobID: "job-1", CallbackURL: server.URL})

	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 1 })
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("4xx retried: %d attempts", calls.Load())
	}
}

func TestEnqueueWithoutCallbackIsNoop(t *testing.T) {
	dispatcher, _ := testDispatcher(t, config.Webhook{
		MaxAttempts: 1, RequestTimeout: 1, Workers: 1, QueueDepth: 1,
	})
	// Must not panic or block.
	dispatcher.Enqueue(webhook.Delivery{JobID: "job-1"})
}

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"job_id":"j"}`)
	signature := webhook.Sign(body, "secret")
	if !webhook.Verify(body, "secret", signature) {
		t.Fatal("signature should verify")
	}
	if webhook.Verify(body, "other", signature) {
		t.Fatal("signature verified with wrong secret")
	}
	if webhook.Verify([]byte(`{}`), "secret", signature) {
		t.Fatal("signature verified for different body")
	}
}
