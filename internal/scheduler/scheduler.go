package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chorus/internal/assemble"
	"chorus/internal/config"
	"chorus/internal/jobs"
	"chorus/internal/logging"
	"chorus/internal/media"
	"chorus/internal/metrics"
	"chorus/internal/services"
	"chorus/internal/stages"
	"chorus/internal/webhook"
)

// pollInterval is how often Wait re-reads the store.
const pollInterval = 100 * time.Millisecond

// Fetcher downloads the audio a job points at.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Notifier receives completed-job deliveries. Satisfied by
// webhook.Dispatcher.
type Notifier interface {
	Enqueue(delivery webhook.Delivery)
}

// Scheduler owns the admission queue and the worker pool.
type Scheduler struct {
	store    jobs.Store
	fetcher  Fetcher
	stages   *stages.Set
	notifier Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics

	workers int
	queue   chan string

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// New builds a scheduler. The notifier may be nil when webhook delivery is
// not wired, for example in tests.
func New(cfg config.Pipeline, store jobs.Store, fetcher Fetcher, set *stages.Set, notifier Notifier, logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	workers := cfg.MaxConcurrency
	if workers < 1 {
		workers = 1
	}
	depth := cfg.QueueDepth
	if depth < 1 {
		depth = 1
	}
	return &Scheduler{
		store:    store,
		fetcher:  fetcher,
		stages:   set,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "scheduler"),
		metrics:  m,
		workers:  workers,
		queue:    make(chan string, depth),
		stopped:  make(chan struct{}),
	}
}

// Start launches the worker pool and re-enqueues jobs a previous run left
// queued in a durable store.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-s.stopped:
					return
				case id := <-s.queue:
					if s.metrics != nil {
						s.metrics.QueueDepth.Dec()
					}
					s.run(ctx, id)
				}
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.recoverQueued(ctx)
	}()
}

// recoverQueued feeds jobs persisted as queued back into the pool, so a
// restart does not strand them. Claiming is compare-and-swap, so an id that
// somehow lands in the queue twice still runs at most once.
func (s *Scheduler) recoverQueued(ctx context.Context) {
	queued, err := s.store.List(ctx, jobs.StatusQueued)
	if err != nil {
		s.logger.Error("queued job recovery failed", logging.Error(err))
		return
	}
	for _, job := range queued {
		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		case s.queue <- job.ID:
			if s.metrics != nil {
				s.metrics.QueueDepth.Inc()
			}
		}
	}
	if len(queued) > 0 {
		s.logger.Info("recovered queued jobs", logging.Int("count", len(queued)))
	}
}

// Close stops accepting work and waits for in-flight jobs to finish their
// current transition.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() { close(s.stopped) })
	s.wg.Wait()
}

// Submit validates and persists a job, then hands it to the worker pool. A
// full queue rolls the record back and fails with ErrOverloaded so the
// caller sees the rejection immediately.
func (s *Scheduler) Submit(ctx context.Context, spec jobs.Spec) (*jobs.Job, error) {
	job, err := s.store.Create(ctx, spec)
	if err != nil {
		if s.metrics != nil && errors.Is(err, services.ErrInvalidSpec) {
			s.metrics.JobsRejected.WithLabelValues("invalid_spec").Inc()
		}
		return nil, err
	}

	select {
	case s.queue <- job.ID:
		if s.metrics != nil {
			s.metrics.JobsSubmitted.Inc()
			s.metrics.QueueDepth.Inc()
		}
		s.logger.Info("job queued",
			logging.String(logging.FieldJobID, job.ID),
			logging.String("recording_id", job.RecordingID),
			logging.String("stages", fmt.Sprint(media.StageStrings(job.Stages))),
		)
		return job, nil
	default:
		if _, removeErr := s.store.Remove(ctx, job.ID); removeErr != nil {
			s.logger.Error("rollback of rejected job failed",
				logging.String(logging.FieldJobID, job.ID),
				logging.Error(removeErr),
			)
		}
		if s.metrics != nil {
			s.metrics.JobsRejected.WithLabelValues("queue_full").Inc()
		}
		return nil, services.Wrap(services.ErrOverloaded, "", "submit",
			fmt.Sprintf("queue full (%d pending)", cap(s.queue)), nil)
	}
}

// Wait blocks until the job reaches a terminal status or the timeout
// elapses. The returned boolean reports whether the job finished in time;
// on timeout the job keeps running and the last observed snapshot is
// returned.
func (s *Scheduler) Wait(ctx context.Context, id string, timeout time.Duration) (*jobs.Job, bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		job, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if job.Status.IsTerminal() {
			return job, true, nil
		}
		if time.Now().After(deadline) {
			return job, false, nil
		}
		select {
		case <-ctx.Done():
			return job, false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel cancels a queued job outright or flags a running one for advisory
// cancellation. Terminal jobs fail with ErrConflict.
func (s *Scheduler) Cancel(ctx context.Context, id string) (*jobs.Job, error) {
	// Two passes: a queued job may be claimed between the read and the
	// transition, in which case the second pass sees it running.
	for attempt := 0; attempt < 2; attempt++ {
		job, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		switch job.Status {
		case jobs.StatusQueued:
			updated, err := s.store.Transition(ctx, id, jobs.Expectation{Status: jobs.StatusQueued}, jobs.StatusCancelled, jobs.Patch{})
			if err == nil {
				if s.metrics != nil {
					s.metrics.JobsCancelled.Inc()
				}
				s.logger.Info("job cancelled", logging.String(logging.FieldJobID, id))
				return updated, nil
			}
			if errors.Is(err, services.ErrConflict) {
				continue
			}
			return nil, err
		case jobs.StatusRunning:
			if err := s.store.RequestCancel(ctx, id); err != nil {
				if errors.Is(err, services.ErrConflict) {
					continue
				}
				return nil, err
			}
			s.logger.Info("cancel requested for running job", logging.String(logging.FieldJobID, id))
			return s.store.Get(ctx, id)
		default:
			return nil, services.Wrap(services.ErrConflict, "", "cancel",
				fmt.Sprintf("job already %s", job.Status), nil)
		}
	}
	return nil, services.Wrap(services.ErrConflict, "", "cancel", "job state changed during cancel", nil)
}

// run processes a single job to a terminal status. Audio is fetched before
// the claim so an unreachable resource fails the job straight from queued.
func (s *Scheduler) run(ctx context.Context, id string) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			s.logger.Error("job lookup failed", logging.String(logging.FieldJobID, id), logging.Error(err))
		}
		return
	}
	if job.Status != jobs.StatusQueued {
		// Cancelled (or otherwise moved on) before a worker got to it.
		return
	}

	if s.metrics != nil {
		s.metrics.JobsActive.Inc()
		defer s.metrics.JobsActive.Dec()
	}

	started := time.Now()
	logger := s.logger.With(logging.String(logging.FieldJobID, job.ID))

	audio, err := s.fetcher.Fetch(ctx, job.AudioURL)
	if err != nil {
		s.fail(ctx, job, started, err)
		return
	}

	job, err = s.claim(ctx, job)
	if err != nil {
		// Lost the claim race, usually to a cancel.
		if !errors.Is(err, services.ErrConflict) && !errors.Is(err, services.ErrNotFound) {
			logger.Error("claim failed", logging.Error(err))
		}
		return
	}
	logger.Info("job started", logging.String("recording_id", job.RecordingID))

	request := stages.Request{
		Audio:       audio,
		Voiceprints: job.Voiceprints,
	}

	// A cancel that arrives after the claim is advisory only; the job runs
	// to completion.
	for i, name := range job.Stages {
		stage, err := s.stages.Get(name)
		if err != nil {
			s.fail(ctx, job, started, err)
			return
		}

		request.Prior = job.Outputs
		stageStarted := time.Now()
		output, err := stage.Run(ctx, request)
		if s.metrics != nil {
			kind := ""
			if err != nil {
				kind = services.Kind(err)
			}
			s.metrics.RecordStage(string(name), time.Since(stageStarted).Seconds(), kind)
		}
		if err != nil {
			s.fail(ctx, job, started, err)
			return
		}

		job, err = s.advance(ctx, job, i, name, output)
		if err != nil {
			logger.Error("stage commit failed",
				logging.String(logging.FieldStage, string(name)),
				logging.Error(err),
			)
			return
		}
		logger.Info("stage completed",
			logging.String(logging.FieldStage, string(name)),
			logging.Duration("elapsed", time.Since(stageStarted)),
		)
	}

	if s.metrics != nil {
		s.metrics.RecordJobOutcome(true, "", time.Since(started).Seconds())
	}
	logger.Info("job succeeded", logging.Duration("elapsed", time.Since(started)))
	s.notifySuccess(job)
}

// claim moves a queued job to running on its first stage. A conflict means
// someone else changed the job first.
func (s *Scheduler) claim(ctx context.Context, job *jobs.Job) (*jobs.Job, error) {
	if len(job.Stages) == 0 {
		return nil, services.Wrap(services.ErrInvalidSpec, "", "claim", "job has no stages", nil)
	}
	first := job.Stages[0]
	return s.store.Transition(ctx, job.ID,
		jobs.Expectation{Status: jobs.StatusQueued},
		jobs.StatusRunning,
		jobs.Patch{Stage: &first},
	)
}

// advance commits a finished stage: the last stage completes the job, any
// other moves it to the next stage. Both carry the stage output in the same
// transition so a crash never leaves a committed status without its data.
func (s *Scheduler) advance(ctx context.Context, job *jobs.Job, index int, name media.StageName, output media.StageOutput) (*jobs.Job, error) {
	expected := jobs.Expectation{Status: jobs.StatusRunning, Stage: name}
	patch := jobs.Patch{Output: &jobs.OutputPatch{Stage: name, Output: output}}

	if index == len(job.Stages)-1 {
		return s.store.Transition(ctx, job.ID, expected, jobs.StatusSucceeded, patch)
	}

	next := job.Stages[index+1]
	patch.Stage = &next
	return s.store.Transition(ctx, job.ID, expected, jobs.StatusRunning, patch)
}

// fail moves the job to failed from its snapshot state, recording the error,
// and emits the failure webhook. Fetch failures land here with the job still
// queued.
func (s *Scheduler) fail(ctx context.Context, job *jobs.Job, started time.Time, cause error) {
	jobErr := jobs.FromError(cause)
	updated, err := s.store.Transition(ctx, job.ID,
		jobs.Expectation{Status: job.Status, Stage: job.Stage},
		jobs.StatusFailed,
		jobs.Patch{Err: jobErr},
	)
	if err != nil {
		if errors.Is(err, services.ErrConflict) {
			// A cancel won the race; the job is already terminal.
			return
		}
		s.logger.Error("failure commit failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err),
		)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordJobOutcome(false, jobErr.Kind, time.Since(started).Seconds())
	}
	s.logger.Error("job failed",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldStage, jobErr.Stage),
		logging.String("kind", jobErr.Kind),
		logging.Error(cause),
	)
	s.notifyFailure(updated)
}

func (s *Scheduler) notifySuccess(job *jobs.Job) {
	if s.notifier == nil || job.CallbackURL == "" {
		return
	}
	result, err := assemble.Assemble(job)
	if err != nil {
		s.logger.Error("result assembly failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err),
		)
		return
	}
	s.notifier.Enqueue(webhook.Delivery{
		JobID:       job.ID,
		CallbackURL: job.CallbackURL,
		Secret:      job.WebhookSecret,
		Payload:     webhook.SuccessPayload(job, result),
	})
}

func (s *Scheduler) notifyFailure(job *jobs.Job) {
	if s.notifier == nil || job.CallbackURL == "" {
		return
	}
	s.notifier.Enqueue(webhook.Delivery{
		JobID:       job.ID,
		CallbackURL: job.CallbackURL,
		Secret:      job.WebhookSecret,
		Payload:     webhook.FailurePayload(job),
	})
}
