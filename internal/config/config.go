package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	LogDir  string `toml:"log_dir"`
	DataDir string `toml:"data_dir"`
	APIBind string `toml:"api_bind"`
}

// Pipeline contains job admission and worker pool settings.
type Pipeline struct {
	MaxConcurrency int      `toml:"max_concurrency"`
	QueueDepth     int      `toml:"queue_depth"`
	SyncTimeout    int      `toml:"sync_timeout"`
	DefaultStages  []string `toml:"default_stages"`
}

// Fetch contains audio download settings.
type Fetch struct {
	Timeout     int   `toml:"timeout"`
	MaxBytes    int64 `toml:"max_bytes"`
	MaxAttempts int   `toml:"max_attempts"`
}

// Diarizer contains configuration for the diarization sidecar.
type Diarizer struct {
	BaseURL     string `toml:"base_url"`
	Timeout     int    `toml:"timeout"`
	MinSpeakers int    `toml:"min_speakers"`
	MaxSpeakers int    `toml:"max_speakers"`
}

// Transcriber contains configuration for the transcription sidecar.
type Transcriber struct {
	BaseURL  string `toml:"base_url"`
	Model    string `toml:"model"`
	Language string `toml:"language"`
	Timeout  int    `toml:"timeout"`
}

// Matcher contains configuration for the voiceprint matching sidecar.
// The base URL may be empty when the identify and voiceprint endpoints
// are not used.
type Matcher struct {
	BaseURL string `toml:"base_url"`
	Timeout int    `toml:"timeout"`
}

// Webhook contains callback delivery settings.
type Webhook struct {
	Secret         string `toml:"secret"`
	MaxAttempts    int    `toml:"max_attempts"`
	RequestTimeout int    `toml:"request_timeout"`
	Workers        int    `toml:"workers"`
	QueueDepth     int    `toml:"queue_depth"`
}

// Store selects and tunes the job store backend.
type Store struct {
	Backend       string `toml:"backend"`
	RetentionDays int    `toml:"retention_days"`
	GCInterval    int    `toml:"gc_interval"`
}

// Logging contains log output settings.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for chorus.
//
// Configuration sections by subsystem:
//   - Paths: directories and API bind address
//   - Pipeline: worker pool size, queue depth, sync endpoint timeout
//   - Fetch: audio download limits
//   - Diarizer / Transcriber / Matcher: inference sidecar endpoints
//   - Webhook: callback signing and retry settings
//   - Store: job store backend and retention
//   - Logging: log format and level
type Config struct {
	Paths       Paths       `toml:"paths"`
	Pipeline    Pipeline    `toml:"pipeline"`
	Fetch       Fetch       `toml:"fetch"`
	Diarizer    Diarizer    `toml:"diarizer"`
	Transcriber Transcriber `toml:"transcriber"`
	Matcher     Matcher     `toml:"matcher"`
	Webhook     Webhook     `toml:"webhook"`
	Store       Store       `toml:"store"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/chorus/config.toml")
}

// SampleConfig returns the embedded annotated sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The boolean reports
// whether a config file was found at the resolved path.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("chorus.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.LogDir, c.Paths.DataDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}
