package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"

	"chorus/internal/config"
	"chorus/internal/fetch"
	"chorus/internal/httpapi"
	"chorus/internal/inference"
	"chorus/internal/jobs"
	"chorus/internal/logging"
	"chorus/internal/metrics"
	"chorus/internal/scheduler"
	"chorus/internal/stages"
	"chorus/internal/webhook"
)

// Daemon owns the lifecycle of every long-running component.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      jobs.Store
	scheduler  *scheduler.Scheduler
	dispatcher *webhook.Dispatcher
	api        *httpapi.Server
	registry   *prometheus.Registry

	diarizer    *inference.DiarizerClient
	transcriber *inference.TranscriberClient
	matcher     *inference.MatcherClient

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status represents daemon runtime information, served on GET /status.
type Status struct {
	Running      bool                `json:"running"`
	APIAddress   string              `json:"api_address"`
	StorePath    string              `json:"store_path"`
	LockFilePath string              `json:"lock_file_path"`
	Jobs         map[jobs.Status]int `json:"jobs"`
	Sidecars     []SidecarStatus     `json:"sidecars"`
}

// SidecarStatus reports one inference sidecar's reachability.
type SidecarStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// OpenStore builds the configured job store backend.
func OpenStore(cfg *config.Config) (jobs.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return jobs.NewMemoryStore(), nil
	case "sqlite":
		return jobs.OpenSQLite(filepath.Join(cfg.Paths.DataDir, "jobs.db"))
	default:
		return nil, fmt.Errorf("store backend: unsupported value %q", cfg.Store.Backend)
	}
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires configuration")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	store, err := OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	diarizer := inference.NewDiarizerClient(cfg.Diarizer)
	transcriber := inference.NewTranscriberClient(cfg.Transcriber)
	matcher := inference.NewMatcherClient(cfg.Matcher)

	// The matcher is optional; hand typed nils to nobody.
	var speakerMatcher stages.SpeakerMatcher
	var voiceprinter httpapi.VoiceprintProvider
	if matcher != nil {
		speakerMatcher = matcher
		voiceprinter = matcher
	}

	set := stages.NewSet(
		stages.NewDiarizeStage(diarizer, diarizer, speakerMatcher),
		stages.NewTranscribeStage(transcriber),
		stages.NewAlignStage(),
		stages.NewEmbedStage(diarizer),
	)

	dispatcher := webhook.NewDispatcher(cfg.Webhook, logger, m)
	fetcher := fetch.NewFetcher(cfg.Fetch, logger)
	sched := scheduler.New(cfg.Pipeline, store, fetcher, set, dispatcher, logger, m)
	api := httpapi.NewServer(cfg, sched, store, voiceprinter, registry, logger)

	lockPath := filepath.Join(cfg.Paths.DataDir, "chorusd.lock")
	d := &Daemon{
		cfg:         cfg,
		logger:      logging.NewComponentLogger(logger, "daemon"),
		store:       store,
		scheduler:   sched,
		dispatcher:  dispatcher,
		api:         api,
		registry:    registry,
		diarizer:    diarizer,
		transcriber: transcriber,
		matcher:     matcher,
		lockPath:    lockPath,
		lock:        flock.New(lockPath),
	}
	api.SetStatusFunc(func(ctx context.Context) any { return d.Status(ctx) })
	return d, nil
}

// Start acquires the instance lock and launches all components.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another chorus daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.dispatcher.Start(runCtx, d.cfg.Webhook.Workers)
	d.scheduler.Start(runCtx)
	if err := d.api.Start(runCtx); err != nil {
		cancel()
		d.cancel = nil
		d.scheduler.Close()
		d.dispatcher.Close()
		_ = d.lock.Unlock()
		return err
	}
	go d.gcLoop(runCtx)

	d.running.Store(true)
	d.logger.Info("chorus daemon started",
		logging.String("api", d.api.Addr()),
		logging.String("store", d.cfg.Store.Backend),
		logging.String("lock", d.lockPath),
	)
	return nil
}

// Stop shuts down components in dependency order and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.api.Stop()
	d.scheduler.Close()
	d.dispatcher.Close()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("chorus daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// APIAddr returns the bound API address once started.
func (d *Daemon) APIAddr() string {
	return d.api.Addr()
}

// Status reports current runtime information.
func (d *Daemon) Status(ctx context.Context) Status {
	stats, err := d.store.Stats(ctx)
	if err != nil {
		d.logger.Warn("job stats unavailable", logging.Error(err))
	}
	storePath := d.cfg.Store.Backend
	if d.cfg.Store.Backend == "sqlite" {
		storePath = filepath.Join(d.cfg.Paths.DataDir, "jobs.db")
	}
	sidecars := []SidecarStatus{
		{Name: "diarizer", Available: d.diarizer.Healthy(ctx)},
		{Name: "transcriber", Available: d.transcriber.Healthy(ctx)},
	}
	if d.matcher != nil {
		sidecars = append(sidecars, SidecarStatus{Name: "matcher", Available: d.matcher.Healthy(ctx)})
	}

	return Status{
		Running:      d.running.Load(),
		APIAddress:   d.api.Addr(),
		StorePath:    storePath,
		LockFilePath: d.lockPath,
		Jobs:         stats,
		Sidecars:     sidecars,
	}
}

// RunGC removes terminal jobs older than the configured retention.
func (d *Daemon) RunGC(ctx context.Context) (int64, error) {
	retention := time.Duration(d.cfg.Store.RetentionDays) * 24 * time.Hour
	return d.store.GC(ctx, time.Now().UTC().Add(-retention))
}

func (d *Daemon) gcLoop(ctx context.Context) {
	interval := time.Duration(d.cfg.Store.GCInterval) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := d.RunGC(ctx)
			if err != nil {
				d.logger.Warn("job gc failed", logging.Error(err))
				continue
			}
			if removed > 0 {
				d.logger.Info("job gc completed", logging.Int64("removed", removed))
			}
		}
	}
}
