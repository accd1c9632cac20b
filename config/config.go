// Package config handles telereply global settings from YAML files.
//
// Rules and accounts are NOT configured here; they live in their own
// persisted stores. This file covers the ambient knobs: paths, browser
// behaviour, detection cadence, the host API, and log retention.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level telereply configuration.
type Config struct {
	// DataDir is the root for profiles, stores, screenshots, and the log DB.
	DataDir   string          `yaml:"data_dir"`
	Browser   BrowserConfig   `yaml:"browser"`
	Detection DetectionConfig `yaml:"detection"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logs      LogConfig       `yaml:"logs"`
}

// BrowserConfig controls Chrome lifecycle for account sessions.
type BrowserConfig struct {
	// ClientURL is the messaging web client to drive.
	ClientURL string `yaml:"client_url"`
	// Headless launches Chrome without a visible window.
	Headless bool `yaml:"headless"`
	// Proxy is an optional proxy server (host:port).
	Proxy string `yaml:"proxy"`
	// NavTimeout bounds launch + navigation before Start fails.
	NavTimeout time.Duration `yaml:"nav_timeout"`
}

// DetectionConfig controls the inbound message detection loop.
type DetectionConfig struct {
	// PollInterval is the detection tick cadence.
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxReloadAttempts bounds page reloads before a session goes to Error.
	MaxReloadAttempts int `yaml:"max_reload_attempts"`
	// DedupeTTL is how long processed message IDs are remembered.
	DedupeTTL time.Duration `yaml:"dedupe_ttl"`
}

// HTTPConfig controls the host-facing API server.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
	// PasswordHash is a bcrypt hash checked by basic auth. Empty disables auth.
	PasswordHash string `yaml:"password_hash"`
}

// LogConfig controls the structured log store.
type LogConfig struct {
	// Path of the SQLite log database. Empty = <data_dir>/logs.db.
	Path string `yaml:"path"`
	// RetentionDays prunes older records. 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// LoadFile reads a YAML configuration file and applies defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-value fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Browser.ClientURL == "" {
		c.Browser.ClientURL = "https://web.telegram.org/k/"
	}
	if c.Browser.NavTimeout <= 0 {
		c.Browser.NavTimeout = 30 * time.Second
	}
	if c.Detection.PollInterval <= 0 {
		c.Detection.PollInterval = 5 * time.Second
	}
	if c.Detection.MaxReloadAttempts <= 0 {
		c.Detection.MaxReloadAttempts = 3
	}
	if c.Detection.DedupeTTL <= 0 {
		c.Detection.DedupeTTL = 24 * time.Hour
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8087"
	}
}
