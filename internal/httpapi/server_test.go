package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chorus/internal/config"
	"chorus/internal/httpapi"
	"chorus/internal/jobs"
	"chorus/internal/media"
	"chorus/internal/metrics"
	"chorus/internal/scheduler"
	"chorus/internal/stages"
)

type stubStage struct {
	name media.StageName
	run  func(ctx context.Context, req stages.Request) (media.StageOutput, error)
}

func (s stubStage) Name() media.StageName { return s.name }

func (s stubStage) Run(ctx context.Context, req stages.Request) (media.StageOutput, error) {
	return s.run(ctx, req)
}

type stubFetcher struct{}

func (stubFetcher) Fetch(context.Context, string) ([]byte, error) {
	return []byte("wav"), nil
}

type stubVoiceprinter struct {
	blob string
	err  error
}

func (v stubVoiceprinter) Voiceprint(context.Context, []byte) (string, error) {
	return v.blob, v.err
}

type fixture struct {
	server *httptest.Server
	store  jobs.Store
	api    *httpapi.Server
}

func newFixture(t *testing.T, pipeline config.Pipeline, set *stages.Set, matcher httpapi.VoiceprintProvider, start bool) fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Pipeline = pipeline

	store := jobs.NewMemoryStore()
	registry := prometheus.NewRegistry()
	sched := scheduler.New(pipeline, store, stubFetcher{}, set, nil, nil, metrics.New(registry))
	if start {
		ctx, cancel := context.WithCancel(context.Background())
		sched.Start(ctx)
		t.Cleanup(cancel)
	}
	t.Cleanup(sched.Close)

	api := httpapi.NewServer(&cfg, sched, store, matcher, registry, nil)
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)
	return fixture{server: server, store: store, api: api}
}

func defaultStages() *stages.Set {
	diarize := stubStage{name: media.StageDiarize, run: func(context.Context, stages.Request) (media.StageOutput, error) {
		return media.DiarizationOutput([]media.Segment{
			{Speaker: "SPEAKER_00", Start: 0, End: 4},
			{Speaker: "SPEAKER_01", Start: 4, End: 7},
		}), nil
	}}
	transcribe := stubStage{name: media.StageTranscribe, run: func(context.Context, stages.Request) (media.StageOutput, error) {
		return media.TranscriptOutput([]media.TranscriptSpan{
			{Start: 0, End: 4, Text: "hello there"},
			{Start: 4, End: 7, Text: "hi"},
		}), nil
	}}
	align := stubStage{name: media.StageAlign, run: func(_ context.Context, req stages.Request) (media.StageOutput, error) {
		return media.AlignmentOutput([]media.AlignedSpan{
			{Start: 0, End: 4, Speaker: "SPEAKER_00", Text: "hello there"},
			{Start: 4, End: 7, Speaker: "SPEAKER_01", Text: "hi"},
		}), nil
	}}
	return stages.NewSet(diarize, transcribe, align)
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func submitBody() map[string]any {
	return map[string]any{
		"recording_id": "rec-1",
		"audio_url":    "http://audio.local/rec-1.wav",
	}
}

func TestSubmitAndPollJob(t *testing.T) {
	fx := newFixture(t, config.Pipeline{MaxConcurrency: 2, QueueDepth: 8, SyncTimeout: 30, DefaultStages: []string{"diarize", "transcribe", "align"}}, defaultStages(), nil, true)

	resp := postJSON(t, fx.server.URL+"/diarize", submitBody())
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	accepted := decode[map[string]string](t, resp)
	if accepted["job_id"] == "" || accepted["status"] != "queued" {
		t.Fatalf("unexpected submit response: %v", accepted)
	}

	var snapshot map[string]any
	deadline := time.Now().Add(5 * time.Second)
	for {
		statusResp, err := http.Get(fx.server.URL + "/jobs/" + accepted["job_id"])
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if statusResp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", statusResp.StatusCode)
		}
		snapshot = decode[map[string]any](t, statusResp)
		if status, _ := snapshot["status"].(string); status == "succeeded" || status == "failed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never finished: %v", snapshot)
		}
		time.Sleep(50 * time.Millisecond)
	}

	if snapshot["status"] != "succeeded" {
		t.Fatalf("expected succeeded, got %v", snapshot)
	}
	outputs, ok := snapshot["stage_outputs"].(map[string]any)
	if !ok || outputs["diarize"] == nil || outputs["align"] == nil {
		t.Fatalf("missing stage outputs: %v", snapshot["stage_outputs"])
	}

	// The same snapshot resolves through the recording id.
	byRecording, err := http.Get(fx.server.URL + "/jobs/rec-1")
	if err != nil {
		t.Fatalf("get by recording: %v", err)
	}
	viaRecording := decode[map[string]any](t, byRecording)
	if viaRecording["job_id"] != accepted["job_id"] {
		t.Fatalf("recording lookup returned %v, want %v", viaRecording["job_id"], accepted["job_id"])
	}
}

func TestSubmitInvalidSpec(t *testing.T) {
	fx := newFixture(t, config.Pipeline{MaxConcurrency: 1, QueueDepth: 4, DefaultStages: []string{"diarize"}}, defaultStages(), nil, true)

	body := submitBody()
	body["audio_url"] = "not-a-url"
	resp := postJSON(t, fx.server.URL+"/diarize", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	errBody := decode[map[string]string](t, resp)
	if errBody["kind"] != "InvalidSpec" {
		t.Fatalf("unexpected error body: %v", errBody)
	}
}

func TestSubmitOverloadedReturns429(t *testing.T) {
	// Workers never start, so the single queue slot fills immediately.
	fx := newFixture(t, config.Pipeline{MaxConcurrency: 1, QueueDepth: 1, DefaultStages: []string{"diarize"}}, defaultStages(), nil, false)

	first := postJSON(t, fx.server.URL+"/diarize", submitBody())
	first.Body.Close()
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", first.StatusCode)
	}

	second := postJSON(t, fx.server.URL+"/diarize", submitBody())
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.StatusCode)
	}
	errBody := decode[map[string]string](t, second)
	if errBody["kind"] != "Overloaded" {
		t.Fatalf("unexpected error body: %v", errBody)
	}
}

func TestSyncReturnsAssembledResult(t *testing.T) {
	fx := newFixture(t, config.Pipeline{MaxConcurrency: 1, QueueDepth: 4, SyncTimeout: 10, DefaultStages: []string{"diarize", "transcribe", "align"}}, defaultStages(), nil, true)

	resp := postJSON(t, fx.server.URL+"/diarize/sync", submitBody())
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	result := decode[map[string]any](t, resp)
	if result["recording_id"] != "rec-1" {
		t.Fatalf("unexpected result: %v", result)
	}
	if count, _ := result["speaker_count"].(float64); count != 2 {
		t.Fatalf("expected speaker_count 2, got %v", result["speaker_count"])
	}
	if result["full_transcript"] != "hello there hi" {
		t.Fatalf("unexpected transcript: %v", result["full_transcript"])
	}
}

func TestSyncTimesOutWith504(t *testing.T) {
	release := make(chan struct{})
	blocking := stubStage{name: media.StageDiarize, run: func(ctx context.Context, _ stages.Request) (media.StageOutput, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return media.DiarizationOutput(nil), nil
	}}
	defer close(release)

	fx := newFixture(t, config.Pipeline{MaxConcurrency: 1, QueueDepth: 4, SyncTimeout: 1, DefaultStages: []string{"diarize"}}, stages.NewSet(blocking), nil, true)

	resp := postJSON(t, fx.server.URL+"/diarize/sync", submitBody())
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["job_id"] == "" || body["kind"] != "Timeout" {
		t.Fatalf("unexpected timeout body: %v", body)
	}
}

func TestIdentifyRequiresVoiceprints(t *testing.T) {
	fx := newFixture(t, config.Pipeline{MaxConcurrency: 1, QueueDepth: 4, DefaultStages: []string{"diarize"}}, defaultStages(), nil, true)

	resp := postJSON(t, fx.server.URL+"/identify", submitBody())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	body := submitBody()
	body["voiceprints"] = []map[string]string{{"label": "alice", "voiceprint": "b64"}}
	resp = postJSON(t, fx.server.URL+"/identify", body)
	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 202, got %d: %s", resp.StatusCode, raw)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	fx := newFixture(t, config.Pipeline{MaxConcurrency: 1, QueueDepth: 4, DefaultStages: []string{"diarize"}}, defaultStages(), nil, false)

	resp := postJSON(t, fx.server.URL+"/diarize", submitBody())
	accepted := decode[map[string]string](t, resp)

	cancelURL := fmt.Sprintf("%s/jobs/%s/cancel", fx.server.URL, accepted["job_id"])
	cancelResp, err := http.Post(cancelURL, "application/json", nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", cancelResp.StatusCode)
	}
	view := decode[map[string]any](t, cancelResp)
	if view["status"] != "cancelled" {
		t.Fatalf("expected cancelled, got %v", view["status"])
	}

	again, err := http.Post(cancelURL, "application/json", nil)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	defer again.Body.Close()
	if again.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for cancelled job, got %d", again.StatusCode)
	}
}

func TestJobListFiltersByStatus(t *testing.T) {
	fx := newFixture(t, config.Pipeline{MaxConcurrency: 1, QueueDepth: 4, DefaultStages: []string{"diarize"}}, defaultStages(), nil, false)

	first := decode[map[string]string](t, postJSON(t, fx.server.URL+"/diarize", submitBody()))
	body := submitBody()
	body["recording_id"] = "rec-2"
	decode[map[string]string](t, postJSON(t, fx.server.URL+"/diarize", body))

	cancelResp, err := http.Post(fx.server.URL+"/jobs/"+first["job_id"]+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	cancelResp.Body.Close()

	all, err := http.Get(fx.server.URL + "/jobs")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	listed := decode[map[string][]map[string]any](t, all)
	if len(listed["jobs"]) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(listed["jobs"]))
	}

	queued, err := http.Get(fx.server.URL + "/jobs?status=queued")
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	filtered := decode[map[string][]map[string]any](t, queued)
	if len(filtered["jobs"]) != 1 || filtered["jobs"][0]["recording_id"] != "rec-2" {
		t.Fatalf("unexpected filtered list: %v", filtered["jobs"])
	}

	bad, err := http.Get(fx.server.URL + "/jobs?status=bogus")
	if err != nil {
		t.Fatalf("bad filter: %v", err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", bad.StatusCode)
	}
}

func TestJobNotFound(t *testing.T) {
	fx := newFixture(t, config.Pipeline{MaxConcurrency: 1, QueueDepth: 4, DefaultStages: []string{"diarize"}}, defaultStages(), nil, false)

	resp, err := http.Get(fx.server.URL + "/jobs/no-such-job")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestVoiceprintEnrollment(t *testing.T) {
	fx := newFixture(t, config.Pipeline{MaxConcurrency: 1, QueueDepth: 4, DefaultStages: []string{"diarize"}}, defaultStages(), stubVoiceprinter{blob: "opaque-blob"}, false)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("audio", "sample.wav")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("short sample")); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	writer.Close()

	resp, err := http.Post(fx.server.URL+"/voiceprint", writer.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("post voiceprint: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	body := decode[map[string]string](t, resp)
	if body["voiceprint"] != "opaque-blob" {
		t.Fatalf("unexpected voiceprint body: %v", body)
	}
}

func TestVoiceprintWithoutMatcherIs503(t *testing.T) {
	fx := newFixture(t, config.Pipeline{MaxConcurrency: 1, QueueDepth: 4, DefaultStages: []string{"diarize"}}, defaultStages(), nil, false)

	resp, err := http.Post(fx.server.URL+"/voiceprint", "multipart/form-data", strings.NewReader(""))
	if err != nil {
		t.Fatalf("post voiceprint: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["kind"] != "MissingDependency" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	fx := newFixture(t, config.Pipeline{MaxConcurrency: 1, QueueDepth: 4, DefaultStages: []string{"diarize"}}, defaultStages(), nil, false)

	// Before a provider is installed the endpoint reports unavailability.
	resp, err := http.Get(fx.server.URL + "/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	fx.api.SetStatusFunc(func(context.Context) any {
		return map[string]any{"running": true}
	})
	resp, err = http.Get(fx.server.URL + "/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["running"] != true {
		t.Fatalf("unexpected status body: %v", body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	fx := newFixture(t, config.Pipeline{MaxConcurrency: 1, QueueDepth: 4, DefaultStages: []string{"diarize"}}, defaultStages(), nil, false)

	health, err := http.Get(fx.server.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", health.StatusCode)
	}

	metricsResp, err := http.Get(fx.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", metricsResp.StatusCode)
	}
}
