// Package config loads engine settings from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML and the environment can carry
// either "10s" style strings or bare integer seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the engine configuration.
type Config struct {
	// Path is the data file. A .gz suffix enables transparent
	// compression.
	Path string `yaml:"path"`
	// AllowedRoot confines writes; empty means the working directory.
	AllowedRoot string `yaml:"allowed_root"`
	// LockTimeout bounds lock acquisition waits.
	LockTimeout Duration `yaml:"lock_timeout"`
	// StaleAfter is the fallback lock staleness threshold.
	StaleAfter Duration `yaml:"stale_after"`
	// ForceDirLock skips OS advisory locks in favor of the lock
	// directory, for filesystems where region locks misbehave.
	ForceDirLock bool `yaml:"force_dir_lock"`
	// Backup writes a .bak copy of the previous contents before each save.
	Backup bool `yaml:"backup"`
	// MetricsCapacity sizes the operation ring buffer.
	MetricsCapacity int `yaml:"metrics_capacity"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	return &Config{
		Path:            "flywheel.json",
		LockTimeout:     Duration(10 * time.Second),
		StaleAfter:      Duration(30 * time.Second),
		MetricsCapacity: 1000,
		LogLevel:        "info",
	}
}

// Load reads a YAML config file over the defaults. An empty path or a
// missing file yields the defaults; the config file is optional.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return c, nil
}

// ApplyEnv overlays FLYWHEEL_* environment variables on top of the
// loaded values.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("FLYWHEEL_PATH"); v != "" {
		c.Path = v
	}
	if v := os.Getenv("FLYWHEEL_ROOT"); v != "" {
		c.AllowedRoot = v
	}
	if v := os.Getenv("FLYWHEEL_LOCK_TIMEOUT"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("FLYWHEEL_LOCK_TIMEOUT: %w", err)
		}
		c.LockTimeout = Duration(d)
	}
	if v := os.Getenv("FLYWHEEL_STALE_AFTER"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("FLYWHEEL_STALE_AFTER: %w", err)
		}
		c.StaleAfter = Duration(d)
	}
	if v := os.Getenv("FLYWHEEL_FORCE_DIR_LOCK"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FLYWHEEL_FORCE_DIR_LOCK: %w", err)
		}
		c.ForceDirLock = b
	}
	if v := os.Getenv("FLYWHEEL_BACKUP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FLYWHEEL_BACKUP: %w", err)
		}
		c.Backup = b
	}
	if v := os.Getenv("FLYWHEEL_METRICS_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLYWHEEL_METRICS_CAPACITY: %w", err)
		}
		c.MetricsCapacity = n
	}
	if v := os.Getenv("FLYWHEEL_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.New("path must not be empty")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock_timeout %s must be positive", time.Duration(c.LockTimeout))
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("stale_after %s must be positive", time.Duration(c.StaleAfter))
	}
	if c.MetricsCapacity <= 0 {
		return fmt.Errorf("metrics_capacity %d must be positive", c.MetricsCapacity)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// Level converts LogLevel to a slog level.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseDuration accepts Go duration strings and bare integer seconds.
func parseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}
