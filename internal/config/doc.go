// Package config loads, normalizes, and validates the chorus configuration.
//
// Configuration is TOML with one section per subsystem. Load resolves the
// file location (explicit path, then ~/.config/chorus/config.toml, then
// ./chorus.toml), decodes it over compiled-in defaults, expands paths, and
// applies environment overrides for secrets before validating. Missing files
// are not an error; the defaults are usable for a memory-backed single
// instance with sidecars on localhost.
package config
