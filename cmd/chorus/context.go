package main

import (
	"strings"

	"chorus/internal/config"
)

// commandContext resolves configuration lazily so commands that never read
// it (for example config init) do not require a valid file.
type commandContext struct {
	configFlag *string
	serverFlag *string

	cfg     *config.Config
	cfgPath string
}

func newCommandContext(configFlag, serverFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag, serverFlag: serverFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, path, _, err := config.Load(strings.TrimSpace(*c.configFlag))
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	c.cfgPath = path
	return cfg, nil
}

// apiBaseURL prefers the --server flag and falls back to the configured
// bind address.
func (c *commandContext) apiBaseURL() (string, error) {
	if server := strings.TrimSpace(*c.serverFlag); server != "" {
		return normalizeServerURL(server), nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return "", err
	}
	return normalizeServerURL(cfg.Paths.APIBind), nil
}

func normalizeServerURL(value string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(value), "/")
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return trimmed
	}
	return "http://" + trimmed
}
