package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var knownStages = map[string]struct{}{
	"diarize":    {},
	"transcribe": {},
	"align":      {},
	"embed":      {},
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateFetch(); err != nil {
		return err
	}
	if err := c.validateSidecars(); err != nil {
		return err
	}
	if err := c.validateWebhook(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if err := ensurePositiveMap(map[string]int{
		"pipeline.max_concurrency": c.Pipeline.MaxConcurrency,
		"pipeline.queue_depth":     c.Pipeline.QueueDepth,
		"pipeline.sync_timeout":    c.Pipeline.SyncTimeout,
	}); err != nil {
		return err
	}
	if len(c.Pipeline.DefaultStages) == 0 {
		return errors.New("pipeline.default_stages must not be empty")
	}
	for _, stage := range c.Pipeline.DefaultStages {
		if _, ok := knownStages[strings.ToLower(strings.TrimSpace(stage))]; !ok {
			return fmt.Errorf("pipeline.default_stages: unknown stage %q", stage)
		}
	}
	return nil
}

func (c *Config) validateFetch() error {
	if err := ensurePositiveMap(map[string]int{
		"fetch.timeout":      c.Fetch.Timeout,
		"fetch.max_attempts": c.Fetch.MaxAttempts,
	}); err != nil {
		return err
	}
	if c.Fetch.MaxBytes <= 0 {
		return errors.New("fetch.max_bytes must be positive")
	}
	return nil
}

func (c *Config) validateSidecars() error {
	if err := validateBaseURL("diarizer.base_url", c.Diarizer.BaseURL, true); err != nil {
		return err
	}
	if err := validateBaseURL("transcriber.base_url", c.Transcriber.BaseURL, true); err != nil {
		return err
	}
	// Matcher is optional; identify/voiceprint endpoints reject at runtime when unset.
	if err := validateBaseURL("matcher.base_url", c.Matcher.BaseURL, false); err != nil {
		return err
	}
	return ensurePositiveMap(map[string]int{
		"diarizer.timeout":    c.Diarizer.Timeout,
		"transcriber.timeout": c.Transcriber.Timeout,
		"matcher.timeout":     c.Matcher.Timeout,
	})
}

func (c *Config) validateWebhook() error {
	return ensurePositiveMap(map[string]int{
		"webhook.max_attempts":    c.Webhook.MaxAttempts,
		"webhook.request_timeout": c.Webhook.RequestTimeout,
		"webhook.workers":         c.Webhook.Workers,
		"webhook.queue_depth":     c.Webhook.QueueDepth,
	})
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("store.backend must be \"memory\" or \"sqlite\", got %q", c.Store.Backend)
	}
	return ensurePositiveMap(map[string]int{
		"store.retention_days": c.Store.RetentionDays,
		"store.gc_interval":    c.Store.GCInterval,
	})
}

func validateBaseURL(field, value string, required bool) error {
	if strings.TrimSpace(value) == "" {
		if required {
			return fmt.Errorf("%s must be set", field)
		}
		return nil
	}
	parsed, err := url.Parse(value)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", field, value)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", field, value)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for field, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", field)
		}
	}
	return nil
}
