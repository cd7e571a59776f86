// Package config loads sessiond's TOML configuration and watches it for
// edits. A missing file yields the defaults; a malformed file yields the
// defaults plus an error the caller can surface.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file under the sessiond directory.
const FileName = "sessiond.toml"

// Config is the user-facing configuration.
type Config struct {
	// Session defines the lifecycle timers.
	Session SessionSettings `toml:"session"`

	// Refresh defines token refresh retry behavior.
	Refresh RefreshSettings `toml:"refresh"`

	// Activity defines activity detection behavior.
	Activity ActivitySettings `toml:"activity"`

	// Tasks defines background task polling behavior.
	Tasks TaskSettings `toml:"tasks"`

	// Backend defines the auth backend endpoints.
	Backend BackendSettings `toml:"backend"`

	// Storage defines where session state is persisted.
	Storage StorageSettings `toml:"storage"`

	// Web defines the local HTTP surface.
	Web WebSettings `toml:"web"`

	// Logs defines log file management.
	Logs LogSettings `toml:"logs"`
}

// SessionSettings defines the lifecycle timers.
type SessionSettings struct {
	// IdleTimeoutMinutes is how long without activity before the session goes
	// idle (default 30).
	IdleTimeoutMinutes int `toml:"idle_timeout_minutes"`

	// WarningMinutes is the expiry grace window (default 2).
	WarningMinutes int `toml:"warning_minutes"`

	// RefreshWindowMinutes is how long before token expiry a refresh is
	// scheduled (default 5).
	RefreshWindowMinutes int `toml:"refresh_window_minutes"`
}

// RefreshSettings defines token refresh retry behavior.
type RefreshSettings struct {
	// MaxAttempts bounds one refresh sequence (default 3).
	MaxAttempts int `toml:"max_attempts"`

	// BaseDelayMS is the first retry delay in milliseconds (default 1000).
	BaseDelayMS int `toml:"base_delay_ms"`

	// MaxDelayMS caps the retry delay in milliseconds (default 30000).
	MaxDelayMS int `toml:"max_delay_ms"`

	// BackoffMultiplier scales the delay per attempt (default 2).
	BackoffMultiplier float64 `toml:"backoff_multiplier"`

	// CooldownSeconds is the minimum spacing between refresh sequences
	// (default 30).
	CooldownSeconds int `toml:"cooldown_seconds"`
}

// ActivitySettings defines activity detection behavior.
type ActivitySettings struct {
	// ThrottleMS is the per-class spacing for continuous signals in
	// milliseconds (default 1000).
	ThrottleMS int `toml:"throttle_ms"`

	// ActiveThresholdMinutes is how recent activity must be for the user to
	// count as active (default 5).
	ActiveThresholdMinutes int `toml:"active_threshold_minutes"`
}

// TaskSettings defines background task polling behavior.
type TaskSettings struct {
	// PollIntervalSeconds is the per-task status poll spacing (default 5).
	PollIntervalSeconds int `toml:"poll_interval_seconds"`

	// RunningCeilingMinutes bounds how long a task may stay unresolved before
	// it is forcibly failed (default 30).
	RunningCeilingMinutes int `toml:"running_ceiling_minutes"`
}

// BackendSettings defines the auth backend endpoints.
type BackendSettings struct {
	// BaseURL is the backend root, e.g. "https://api.example.com".
	BaseURL string `toml:"base_url"`

	// TimeoutSeconds bounds each backend request (default 10).
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// StorageSettings defines where session state is persisted.
type StorageSettings struct {
	// Path is the SQLite database file. Empty selects
	// ~/.sessiond/state.db; the literal value "memory" selects the
	// non-durable in-memory backend.
	Path string `toml:"path"`
}

// WebSettings defines the local HTTP surface.
type WebSettings struct {
	// Enabled starts the local HTTP server (default true).
	Enabled *bool `toml:"enabled"`

	// Port is the listen port on localhost (default 7833).
	Port int `toml:"port"`
}

// LogSettings defines log file management.
type LogSettings struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	// (default "info").
	Level string `toml:"level"`

	// Format sets the log format: "json" (default) or "text".
	Format string `toml:"format"`

	// MaxSizeMB is the max log size before rotation (default 10).
	MaxSizeMB int `toml:"max_size_mb"`

	// Backups is the number of rotated files to keep (default 5).
	Backups int `toml:"backups"`

	// RetentionDays is how long rotated files are kept (default 10).
	RetentionDays int `toml:"retention_days"`

	// Compress gzips rotated files (default true; pointer to distinguish
	// "not set" from "explicitly false").
	Compress *bool `toml:"compress"`
}

func boolPtr(b bool) *bool { return &b }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Session: SessionSettings{
			IdleTimeoutMinutes:   30,
			WarningMinutes:       2,
			RefreshWindowMinutes: 5,
		},
		Refresh: RefreshSettings{
			MaxAttempts:       3,
			BaseDelayMS:       1000,
			MaxDelayMS:        30000,
			BackoffMultiplier: 2,
			CooldownSeconds:   30,
		},
		Activity: ActivitySettings{
			ThrottleMS:             1000,
			ActiveThresholdMinutes: 5,
		},
		Tasks: TaskSettings{
			PollIntervalSeconds:   5,
			RunningCeilingMinutes: 30,
		},
		Backend: BackendSettings{
			TimeoutSeconds: 10,
		},
		Web: WebSettings{
			Enabled: boolPtr(true),
			Port:    7833,
		},
		Logs: LogSettings{
			Level:         "info",
			Format:        "json",
			MaxSizeMB:     10,
			Backups:       5,
			RetentionDays: 10,
			Compress:      boolPtr(true),
		},
	}
}

// Dir returns the sessiond directory, creating it if needed. Overridable via
// SESSIOND_HOME for tests and parallel installs.
func Dir() (string, error) {
	if dir := os.Getenv("SESSIOND_HOME"); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("config: create dir: %w", err)
		}
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home: %w", err)
	}
	dir := filepath.Join(home, ".sessiond")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("config: create dir: %w", err)
	}
	return dir, nil
}

// Path returns the config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads the config at path. A missing file returns the defaults; a
// malformed file returns the defaults plus the parse error so the caller can
// surface it without losing a working configuration.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return Default(), fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.fillDefaults()
	return cfg, nil
}

// fillDefaults replaces zero values with the built-in defaults, so a partial
// file only overrides what it mentions.
func (c *Config) fillDefaults() {
	d := Default()
	if c.Session.IdleTimeoutMinutes <= 0 {
		c.Session.IdleTimeoutMinutes = d.Session.IdleTimeoutMinutes
	}
	if c.Session.WarningMinutes <= 0 {
		c.Session.WarningMinutes = d.Session.WarningMinutes
	}
	if c.Session.RefreshWindowMinutes <= 0 {
		c.Session.RefreshWindowMinutes = d.Session.RefreshWindowMinutes
	}
	if c.Refresh.MaxAttempts <= 0 {
		c.Refresh.MaxAttempts = d.Refresh.MaxAttempts
	}
	if c.Refresh.BaseDelayMS <= 0 {
		c.Refresh.BaseDelayMS = d.Refresh.BaseDelayMS
	}
	if c.Refresh.MaxDelayMS <= 0 {
		c.Refresh.MaxDelayMS = d.Refresh.MaxDelayMS
	}
	if c.Refresh.BackoffMultiplier <= 0 {
		c.Refresh.BackoffMultiplier = d.Refresh.BackoffMultiplier
	}
	if c.Refresh.CooldownSeconds <= 0 {
		c.Refresh.CooldownSeconds = d.Refresh.CooldownSeconds
	}
	if c.Activity.ThrottleMS <= 0 {
		c.Activity.ThrottleMS = d.Activity.ThrottleMS
	}
	if c.Activity.ActiveThresholdMinutes <= 0 {
		c.Activity.ActiveThresholdMinutes = d.Activity.ActiveThresholdMinutes
	}
	if c.Tasks.PollIntervalSeconds <= 0 {
		c.Tasks.PollIntervalSeconds = d.Tasks.PollIntervalSeconds
	}
	if c.Tasks.RunningCeilingMinutes <= 0 {
		c.Tasks.RunningCeilingMinutes = d.Tasks.RunningCeilingMinutes
	}
	if c.Backend.TimeoutSeconds <= 0 {
		c.Backend.TimeoutSeconds = d.Backend.TimeoutSeconds
	}
	if c.Web.Enabled == nil {
		c.Web.Enabled = d.Web.Enabled
	}
	if c.Web.Port <= 0 {
		c.Web.Port = d.Web.Port
	}
	if c.Logs.Level == "" {
		c.Logs.Level = d.Logs.Level
	}
	if c.Logs.Format == "" {
		c.Logs.Format = d.Logs.Format
	}
	if c.Logs.MaxSizeMB <= 0 {
		c.Logs.MaxSizeMB = d.Logs.MaxSizeMB
	}
	if c.Logs.Backups <= 0 {
		c.Logs.Backups = d.Logs.Backups
	}
	if c.Logs.RetentionDays <= 0 {
		c.Logs.RetentionDays = d.Logs.RetentionDays
	}
	if c.Logs.Compress == nil {
		c.Logs.Compress = d.Logs.Compress
	}
}

// Save writes the config atomically: temp file, fsync, rename.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# sessiond configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("config: write temp: %w", err)
	}
	f, err := os.OpenFile(tmpPath, os.O_RDWR, 0o600)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: reopen temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: sync temp: %w", err)
	}
	f.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

// Durations below convert the integer TOML fields into time.Durations.

func (s SessionSettings) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}

func (s SessionSettings) WarningDuration() time.Duration {
	return time.Duration(s.WarningMinutes) * time.Minute
}

func (s SessionSettings) RefreshWindow() time.Duration {
	return time.Duration(s.RefreshWindowMinutes) * time.Minute
}

func (r RefreshSettings) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

func (r RefreshSettings) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

func (r RefreshSettings) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

func (a ActivitySettings) Throttle() time.Duration {
	return time.Duration(a.ThrottleMS) * time.Millisecond
}

func (a ActivitySettings) ActiveThreshold() time.Duration {
	return time.Duration(a.ActiveThresholdMinutes) * time.Minute
}

func (t TaskSettings) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalSeconds) * time.Second
}

func (t TaskSettings) RunningCeiling() time.Duration {
	return time.Duration(t.RunningCeilingMinutes) * time.Minute
}

func (b BackendSettings) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}
