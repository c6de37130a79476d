// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the runtime configuration.
type Config struct {
	Run       RunConfig       `toml:"run"`
	Storage   StorageConfig   `toml:"storage"`
	Runner    RunnerConfig    `toml:"runner"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Phase     PhaseConfig     `toml:"phase"`
	Policy    PolicyConfig    `toml:"policy"`
	Events    EventsConfig    `toml:"events"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Logging   LoggingConfig   `toml:"logging"`
}

// RunConfig contains run identity settings.
type RunConfig struct {
	Workspace string `toml:"workspace"` // Working directory for spawned processes
}

// StorageConfig contains event ledger storage settings.
type StorageConfig struct {
	Path string `toml:"path"` // SQLite database path; empty = in-memory only
}

// RunnerConfig bounds spawned processes.
type RunnerConfig struct {
	Timeout        string `toml:"timeout"`          // Per-process wall clock limit (default "2m")
	MaxStreamBytes int64  `toml:"max_stream_bytes"` // Per-stream output cap (default 512 KiB)
}

// DispatchConfig tunes the auto-fix retry loop.
type DispatchConfig struct {
	MaxAttempts int    `toml:"max_attempts"` // Invocations per command, rewrites included (default 3)
	RetryDelay  string `toml:"retry_delay"`  // Pause between attempts (default "250ms")
}

// PhaseConfig tunes the workflow state machine.
type PhaseConfig struct {
	ErrorDelay string `toml:"error_delay"` // Dwell in analyzing_error (default "500ms")
	FixDelay   string `toml:"fix_delay"`   // Dwell in auto_fixing (default "200ms")
	MaxRetries int    `toml:"max_retries"` // Consecutive build failures before escalation (default 3)
}

// PolicyConfig points at the command policy overrides.
type PolicyConfig struct {
	File  string `toml:"file"`  // YAML table overrides; empty = built-in defaults
	Watch bool   `toml:"watch"` // Hot-reload the file on change
}

// EventsConfig configures external event delivery.
type EventsConfig struct {
	NATSURL       string `toml:"nats_url"`       // Empty = local subscribers only
	SubjectPrefix string `toml:"subject_prefix"` // Default "runbox.events"
}

// TelemetryConfig contains tracing settings.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	Level string `toml:"level"` // debug|info|warn|error (default "info")
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		Storage: StorageConfig{
			Path: "~/.local/runbox/ledger.db",
		},
		Runner: RunnerConfig{
			Timeout:        "2m",
			MaxStreamBytes: 512 * 1024,
		},
		Dispatch: DispatchConfig{
			MaxAttempts: 3,
			RetryDelay:  "250ms",
		},
		Phase: PhaseConfig{
			ErrorDelay: "500ms",
			FixDelay:   "200ms",
			MaxRetries: 3,
		},
		Events: EventsConfig{
			SubjectPrefix: "runbox.events",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads configuration from runbox.toml in the current
// directory, falling back to defaults when the file is absent.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	path := filepath.Join(cwd, "runbox.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return New(), nil
	}
	return LoadFile(path)
}

// StoragePath expands the configured ledger path, resolving a leading ~.
func (c *Config) StoragePath() string {
	p := c.Storage.Path
	if p == "" {
		return ""
	}
	if p[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			p = filepath.Join(home, p[1:])
		}
	}
	return p
}

// Duration parses a duration field, returning fallback on empty or bad
// input so a typo cannot zero out a timeout.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
