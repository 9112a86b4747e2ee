package testsupport

import (
	"path/filepath"
	"testing"

	"chorus/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Store.Backend = "memory"

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithSQLiteStore switches the test config to the sqlite backend.
func WithSQLiteStore() ConfigOption {
	return func(cfg *config.Config) {
		cfg.Store.Backend = "sqlite"
	}
}

// WithSidecars points the inference clients at the given base URLs. Empty
// values leave the defaults untouched.
func WithSidecars(diarizer, transcriber, matcher string) ConfigOption {
	return func(cfg *config.Config) {
		if diarizer != "" {
			cfg.Diarizer.BaseURL = diarizer
		}
		if transcriber != "" {
			cfg.Transcriber.BaseURL = transcriber
		}
		if matcher != "" {
			cfg.Matcher.BaseURL = matcher
		}
	}
}

// WithPipeline overrides the worker pool shape.
func WithPipeline(concurrency, queueDepth int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Pipeline.MaxConcurrency = concurrency
		cfg.Pipeline.QueueDepth = queueDepth
	}
}
