package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chorus/internal/config"
	"chorus/internal/jobs"
	"chorus/internal/media"
	"chorus/internal/metrics"
	"chorus/internal/scheduler"
	"chorus/internal/services"
	"chorus/internal/stages"
	"chorus/internal/webhook"
)

type stubStage struct {
	name media.StageName
	run  func(ctx context.Context, req stages.Request) (media.StageOutput, error)
}

func (s stubStage) Name() media.StageName { return s.name }

func (s stubStage) Run(ctx context.Context, req stages.Request) (media.StageOutput, error) {
	return s.run(ctx, req)
}

type stubFetcher struct {
	data []byte
	err  error
}

func (f stubFetcher) Fetch(context.Context, string) ([]byte, error) {
	return f.data, f.err
}

type captureNotifier struct {
	mu         sync.Mutex
	deliveries []webhook.Delivery
}

func (n *captureNotifier) Enqueue(delivery webhook.Delivery) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveries = append(n.deliveries, delivery)
}

func (n *captureNotifier) all() []webhook.Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]webhook.Delivery(nil), n.deliveries...)
}

func diarizeOutput() media.StageOutput {
	return media.DiarizationOutput([]media.Segment{
		{Speaker: "SPEAKER_00", Start: 0, End: 4},
		{Speaker: "SPEAKER_01", Start: 4, End: 7},
	})
}

func passingDiarize() stubStage {
	return stubStage{name: media.StageDiarize, run: func(context.Context, stages.Request) (media.StageOutput, error) {
		return diarizeOutput(), nil
	}}
}

func newScheduler(t *testing.T, cfg config.Pipeline, set *stages.Set, fetcher scheduler.Fetcher, notifier scheduler.Notifier) (*scheduler.Scheduler, jobs.Store) {
	t.Helper()
	store := jobs.NewMemoryStore()
	m := metrics.New(prometheus.NewRegistry())
	s := scheduler.New(cfg, store, fetcher, set, notifier, nil, m)
	t.Cleanup(s.Close)
	return s, store
}

func submitSpec() jobs.Spec {
	return jobs.Spec{
		RecordingID: "rec-1",
		AudioURL:    "http://audio.local/rec-1.wav",
		Stages:      []string{"diarize"},
		CallbackURL: "http://callbacks.local/hook",
	}
}

func TestJobRunsToSuccess(t *testing.T) {
	notifier := &captureNotifier{}
	set := stages.NewSet(passingDiarize())
	s, _ := newScheduler(t, config.Pipeline{MaxConcurrency: 2, QueueDepth: 4}, set, stubFetcher{data: []byte("wav")}, notifier)

	ctx := context.Background()
	s.Start(ctx)

	job, err := s.Submit(ctx, submitSpec())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != jobs.StatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}

	done, finished, err := s.Wait(ctx, job.ID, 5*time.Second)
	if err != nil || !finished {
		t.Fatalf("wait: finished=%v err=%v", finished, err)
	}
	if done.Status != jobs.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (err=%+v)", done.Status, done.Err)
	}
	if !done.Outputs.Has(media.StageDiarize) {
		t.Fatal("diarize output missing from finished job")
	}

	deliveries := notifier.all()
	if len(deliveries) != 1 {
		t.Fatalf("expected one delivery, got %d", len(deliveries))
	}
	payload := deliveries[0].Payload
	if payload.Status != string(jobs.StatusSucceeded) || payload.SpeakerCount != 2 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	set := stages.NewSet(passingDiarize())
	// No Start call, so the single slot stays occupied.
	s, store := newScheduler(t, config.Pipeline{MaxConcurrency: 1, QueueDepth: 1}, set, stubFetcher{data: []byte("wav")}, nil)

	ctx := context.Background()
	if _, err := s.Submit(ctx, submitSpec()); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	_, err := s.Submit(ctx, submitSpec())
	if !errors.Is(err, services.ErrOverloaded) {
		t.Fatalf("expected overloaded, got %v", err)
	}
	if services.Kind(err) != "Overloaded" {
		t.Fatalf("unexpected kind %q", services.Kind(err))
	}

	// The rejected record must not linger in the store.
	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 stored job after rejection, got %d", len(all))
	}
}

func TestCancelQueuedJobWinsOverClaim(t *testing.T) {
	set := stages.NewSet(passingDiarize())
	s, _ := newScheduler(t, config.Pipeline{MaxConcurrency: 1, QueueDepth: 4}, set, stubFetcher{data: []byte("wav")}, nil)

	ctx := context.Background()
	job, err := s.Submit(ctx, submitSpec())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	cancelled, err := s.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != jobs.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	// Workers started after the cancel must lose the claim race.
	s.Start(ctx)
	time.Sleep(200 * time.Millisecond)

	done, finished, err := s.Wait(ctx, job.ID, time.Second)
	if err != nil || !finished {
		t.Fatalf("wait: finished=%v err=%v", finished, err)
	}
	if done.Status != jobs.StatusCancelled {
		t.Fatalf("cancelled job was resurrected: %s", done.Status)
	}
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	set := stages.NewSet(passingDiarize())
	s, _ := newScheduler(t, config.Pipeline{MaxConcurrency: 1, QueueDepth: 4}, set, stubFetcher{data: []byte("wav")}, nil)

	ctx := context.Background()
	s.Start(ctx)

	job, err := s.Submit(ctx, submitSpec())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, finished, err := s.Wait(ctx, job.ID, 5*time.Second); err != nil || !finished {
		t.Fatalf("wait: finished=%v err=%v", finished, err)
	}

	_, err = s.Cancel(ctx, job.ID)
	if !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestStageFailureMarksJobFailed(t *testing.T) {
	notifier := &captureNotifier{}
	failing := stubStage{name: media.StageDiarize, run: func(context.Context, stages.Request) (media.StageOutput, error) {
		return media.StageOutput{}, services.Wrap(services.ErrStageFailed, "diarize", "run", "sidecar returned garbage", nil)
	}}
	s, _ := newScheduler(t, config.Pipeline{MaxConcurrency: 1, QueueDepth: 4}, stages.NewSet(failing), stubFetcher{data: []byte("wav")}, notifier)

	ctx := context.Background()
	s.Start(ctx)

	job, err := s.Submit(ctx, submitSpec())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, finished, err := s.Wait(ctx, job.ID, 5*time.Second)
	if err != nil || !finished {
		t.Fatalf("wait: finished=%v err=%v", finished, err)
	}
	if done.Status != jobs.StatusFailed {
		t.Fatalf("expected failed, got %s", done.Status)
	}
	if done.Err == nil || done.Err.Kind != "StageFailed" || done.Err.Stage != "diarize" {
		t.Fatalf("unexpected job error: %+v", done.Err)
	}

	deliveries := notifier.all()
	if len(deliveries) != 1 || deliveries[0].Payload.Status != string(jobs.StatusFailed) {
		t.Fatalf("expected one failure delivery, got %+v", deliveries)
	}
	if deliveries[0].Payload.Error == nil {
		t.Fatal("failure payload missing error")
	}
}

func TestFetchFailureMarksJobFailed(t *testing.T) {
	set := stages.NewSet(passingDiarize())
	fetchErr := services.Wrap(services.ErrFetchFailed, "", "fetch", "connection refused", nil)
	s, _ := newScheduler(t, config.Pipeline{MaxConcurrency: 1, QueueDepth: 4}, set, stubFetcher{err: fetchErr}, nil)

	ctx := context.Background()
	s.Start(ctx)

	job, err := s.Submit(ctx, submitSpec())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, finished, err := s.Wait(ctx, job.ID, 5*time.Second)
	if err != nil || !finished {
		t.Fatalf("wait: finished=%v err=%v", finished, err)
	}
	if done.Status != jobs.StatusFailed {
		t.Fatalf("expected failed, got %s", done.Status)
	}
	if done.Err == nil || done.Err.Kind != "FetchFailed" {
		t.Fatalf("unexpected job error: %+v", done.Err)
	}
	// The job fails straight from queued; it never claims a stage.
	if done.Stage != "" {
		t.Fatalf("fetch failure must not enter running, got stage %q", done.Stage)
	}
}

func TestQueuedJobsRecoveredOnStart(t *testing.T) {
	set := stages.NewSet(passingDiarize())
	store := jobs.NewMemoryStore()

	// Persisted before any scheduler existed, as after a daemon restart.
	ctx := context.Background()
	job, err := store.Create(ctx, submitSpec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	m := metrics.New(prometheus.NewRegistry())
	s := scheduler.New(config.Pipeline{MaxConcurrency: 1, QueueDepth: 4}, store, stubFetcher{data: []byte("wav")}, set, nil, nil, m)
	t.Cleanup(s.Close)
	s.Start(ctx)

	done, finished, err := s.Wait(ctx, job.ID, 5*time.Second)
	if err != nil || !finished {
		t.Fatalf("wait: finished=%v err=%v", finished, err)
	}
	if done.Status != jobs.StatusSucceeded {
		t.Fatalf("recovered job did not run: %s (err=%+v)", done.Status, done.Err)
	}
}

func TestUnconfiguredStageFailsWithMissingDependency(t *testing.T) {
	// The set has no transcribe stage.
	set := stages.NewSet(passingDiarize())
	s, _ := newScheduler(t, config.Pipeline{MaxConcurrency: 1, QueueDepth: 4}, set, stubFetcher{data: []byte("wav")}, nil)

	ctx := context.Background()
	s.Start(ctx)

	spec := submitSpec()
	spec.Stages = []string{"diarize", "transcribe"}
	job, err := s.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, finished, err := s.Wait(ctx, job.ID, 5*time.Second)
	if err != nil || !finished {
		t.Fatalf("wait: finished=%v err=%v", finished, err)
	}
	if done.Status != jobs.StatusFailed || done.Err == nil || done.Err.Kind != "MissingDependency" {
		t.Fatalf("unexpected outcome: status=%s err=%+v", done.Status, done.Err)
	}
	// The diarize output committed before the failure stays visible.
	if !done.Outputs.Has(media.StageDiarize) {
		t.Fatal("expected diarize output to survive the failure")
	}
}

func TestCancelAfterClaimIsAdvisoryOnly(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var startedOnce sync.Once

	blocking := stubStage{name: media.StageDiarize, run: func(ctx context.Context, _ stages.Request) (media.StageOutput, error) {
		startedOnce.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
			return media.StageOutput{}, ctx.Err()
		}
		return diarizeOutput(), nil
	}}

	s, _ := newScheduler(t, config.Pipeline{MaxConcurrency: 1, QueueDepth: 4}, stages.NewSet(blocking), stubFetcher{data: []byte("wav")}, nil)

	ctx := context.Background()
	s.Start(ctx)

	job, err := s.Submit(ctx, submitSpec())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	<-started
	flagged, err := s.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !flagged.CancelRequested || flagged.Status != jobs.StatusRunning {
		t.Fatalf("expected running job with cancel flag, got %+v", flagged)
	}
	close(release)

	done, finished, err := s.Wait(ctx, job.ID, 5*time.Second)
	if err != nil || !finished {
		t.Fatalf("wait: finished=%v err=%v", finished, err)
	}
	if done.Status != jobs.StatusSucceeded {
		t.Fatalf("claimed job must run to completion, got %s (err=%+v)", done.Status, done.Err)
	}
}

func TestWaitTimesOutWhileRunning(t *testing.T) {
	release := make(chan struct{})
	blocking := stubStage{name: media.StageDiarize, run: func(ctx context.Context, _ stages.Request) (media.StageOutput, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return diarizeOutput(), nil
	}}
	s, _ := newScheduler(t, config.Pipeline{MaxConcurrency: 1, QueueDepth: 4}, stages.NewSet(blocking), stubFetcher{data: []byte("wav")}, nil)
	defer close(release)

	ctx := context.Background()
	s.Start(ctx)

	job, err := s.Submit(ctx, submitSpec())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	snapshot, finished, err := s.Wait(ctx, job.ID, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if finished {
		t.Fatal("wait reported completion for a blocked job")
	}
	if snapshot.Status.IsTerminal() {
		t.Fatalf("expected non-terminal snapshot, got %s", snapshot.Status)
	}
}
