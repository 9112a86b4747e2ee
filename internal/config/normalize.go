package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeSidecars()
	c.normalizeWebhook()
	c.normalizeStore()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeSidecars() {
	c.Diarizer.BaseURL = strings.TrimRight(strings.TrimSpace(c.Diarizer.BaseURL), "/")
	c.Transcriber.BaseURL = strings.TrimRight(strings.TrimSpace(c.Transcriber.BaseURL), "/")
	c.Matcher.BaseURL = strings.TrimRight(strings.TrimSpace(c.Matcher.BaseURL), "/")

	if value, ok := os.LookupEnv("CHORUS_DIARIZER_URL"); ok {
		c.Diarizer.BaseURL = strings.TrimRight(strings.TrimSpace(value), "/")
	}
	if value, ok := os.LookupEnv("CHORUS_TRANSCRIBER_URL"); ok {
		c.Transcriber.BaseURL = strings.TrimRight(strings.TrimSpace(value), "/")
	}
	if value, ok := os.LookupEnv("CHORUS_MATCHER_URL"); ok {
		c.Matcher.BaseURL = strings.TrimRight(strings.TrimSpace(value), "/")
	}
}

func (c *Config) normalizeWebhook() {
	if c.Webhook.Secret == "" {
		if value, ok := os.LookupEnv("CHORUS_WEBHOOK_SECRET"); ok {
			c.Webhook.Secret = value
		}
	}
}

func (c *Config) normalizeStore() {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = defaultStoreBackend
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
