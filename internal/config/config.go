// Package config loads the esindex host configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete host configuration. Per-index options are not part
// of it; they are given at index registration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Backend    BackendConfig    `yaml:"backend" json:"backend"`
	Queue      QueueConfig      `yaml:"queue" json:"queue"`
	Build      BuildConfig      `yaml:"build" json:"build"`
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
	DeadLetter DeadLetterConfig `yaml:"deadletter" json:"deadletter"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
}

// BackendConfig configures the default search backend.
type BackendConfig struct {
	// Endpoint is the directory holding one bleve index per name.
	// Empty keeps every index in memory.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// Timeout bounds a single backend call, e.g. "10s".
	Timeout string `yaml:"timeout" json:"timeout"`
	// BreakerMaxFailures opens the circuit after this many retryable failures.
	BreakerMaxFailures int `yaml:"breaker_max_failures" json:"breaker_max_failures"`
	// BreakerReset is how long the circuit stays open, e.g. "30s".
	BreakerReset string `yaml:"breaker_reset" json:"breaker_reset"`
	// VersionCacheSize is the number of (index, id) versions remembered.
	VersionCacheSize int `yaml:"version_cache_size" json:"version_cache_size"`
}

// QueueConfig configures the async write queue of every async index.
type QueueConfig struct {
	Capacity       int    `yaml:"capacity" json:"capacity"`
	Workers        int    `yaml:"workers" json:"workers"`
	BatchSize      int    `yaml:"batch_size" json:"batch_size"`
	FlushInterval  string `yaml:"flush_interval" json:"flush_interval"`
	EnqueueTimeout string `yaml:"enqueue_timeout" json:"enqueue_timeout"`
	MaxAttempts    int    `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff string `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff" json:"max_backoff"`
}

// BuildConfig configures index builds.
type BuildConfig struct {
	// RowsPerSecond throttles the base table scan. 0 means unthrottled.
	RowsPerSecond int `yaml:"rows_per_second" json:"rows_per_second"`
	// LockDir holds the per-index build lock and marker files.
	LockDir string `yaml:"lock_dir" json:"lock_dir"`
}

// StorageConfig configures the host table store.
type StorageConfig struct {
	Path string `yaml:"path" json:"path"`
}

// DeadLetterConfig configures where dropped async writes are kept.
type DeadLetterConfig struct {
	// Path is the sqlite file. Empty disables the dead-letter store.
	Path string `yaml:"path" json:"path"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	File      string `yaml:"file" json:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics, e.g. ":9464". Empty disables it.
	Addr string `yaml:"addr" json:"addr"`
}

// DefaultDataDir returns ~/.esindex, or a temp dir fallback.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".esindex")
	}
	return filepath.Join(home, ".esindex")
}

// NewConfig returns the defaults, with every path under DefaultDataDir.
func NewConfig() *Config {
	return NewConfigIn(DefaultDataDir())
}

// NewConfigIn returns the defaults with every path under dataDir.
func NewConfigIn(dataDir string) *Config {
	return &Config{
		Version: 1,
		Backend: BackendConfig{
			Endpoint:           filepath.Join(dataDir, "indexes"),
			Timeout:            "10s",
			BreakerMaxFailures: 5,
			BreakerReset:       "30s",
			VersionCacheSize:   65536,
		},
		Queue: QueueConfig{
			Capacity:       10000,
			Workers:        4,
			BatchSize:      100,
			FlushInterval:  "200ms",
			EnqueueTimeout: "2s",
			MaxAttempts:    5,
			InitialBackoff: "100ms",
			MaxBackoff:     "5s",
		},
		Build: BuildConfig{
			RowsPerSecond: 0,
			LockDir:       filepath.Join(dataDir, "locks"),
		},
		Storage: StorageConfig{
			Path: filepath.Join(dataDir, "host.db"),
		},
		DeadLetter: DeadLetterConfig{
			Path: filepath.Join(dataDir, "deadletter.db"),
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// GetUserConfigPath returns the user configuration file path:
//   - $XDG_CONFIG_HOME/esindex/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/esindex/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "esindex", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "esindex", "config.yaml")
	}
	return filepath.Join(home, ".config", "esindex", "config.yaml")
}

// Load loads configuration for the project in dir, in order of increasing
// precedence:
//  1. Defaults (paths under dataDir, or ~/.esindex when empty)
//  2. User config (~/.config/esindex/config.yaml)
//  3. Project config (.esindex.yaml in dir)
//  4. Environment variables (ESINDEX_*)
func Load(dir, dataDir string) (*Config, error) {
	cfg := NewConfig()
	if dataDir != "" {
		cfg = NewConfigIn(dataDir)
	}

	if path := GetUserConfigPath(); fileExists(path) {
		if err := cfg.loadYAML(path); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadFromFile loads .esindex.yaml or, failing that, .esindex.yml.
func (c *Config) loadFromFile(dir string) error {
	for _, name := range []string{".esindex.yaml", ".esindex.yml"} {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			return c.loadYAML(path)
		}
	}
	return nil
}

// loadYAML merges the non-zero values of a YAML file into c.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	c.mergeWith(&parsed)
	return nil
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	mergeInt(&c.Version, other.Version)

	mergeString(&c.Backend.Endpoint, other.Backend.Endpoint)
	mergeString(&c.Backend.Timeout, other.Backend.Timeout)
	mergeInt(&c.Backend.BreakerMaxFailures, other.Backend.BreakerMaxFailures)
	mergeString(&c.Backend.BreakerReset, other.Backend.BreakerReset)
	mergeInt(&c.Backend.VersionCacheSize, other.Backend.VersionCacheSize)

	mergeInt(&c.Queue.Capacity, other.Queue.Capacity)
	mergeInt(&c.Queue.Workers, other.Queue.Workers)
	mergeInt(&c.Queue.BatchSize, other.Queue.BatchSize)
	mergeString(&c.Queue.FlushInterval, other.Queue.FlushInterval)
	mergeString(&c.Queue.EnqueueTimeout, other.Queue.EnqueueTimeout)
	mergeInt(&c.Queue.MaxAttempts, other.Queue.MaxAttempts)
	mergeString(&c.Queue.InitialBackoff, other.Queue.InitialBackoff)
	mergeString(&c.Queue.MaxBackoff, other.Queue.MaxBackoff)

	mergeInt(&c.Build.RowsPerSecond, other.Build.RowsPerSecond)
	mergeString(&c.Build.LockDir, other.Build.LockDir)

	mergeString(&c.Storage.Path, other.Storage.Path)
	mergeString(&c.DeadLetter.Path, other.DeadLetter.Path)

	mergeString(&c.Logging.Level, other.Logging.Level)
	mergeString(&c.Logging.File, other.Logging.File)
	mergeInt(&c.Logging.MaxSizeMB, other.Logging.MaxSizeMB)
	mergeInt(&c.Logging.MaxFiles, other.Logging.MaxFiles)

	mergeString(&c.Metrics.Addr, other.Metrics.Addr)
}

// applyEnvOverrides applies ESINDEX_* environment variable overrides.
// Malformed numbers are ignored.
func (c *Config) applyEnvOverrides() {
	strs := map[string]*string{
		"ESINDEX_BACKEND_ENDPOINT":      &c.Backend.Endpoint,
		"ESINDEX_BACKEND_TIMEOUT":       &c.Backend.Timeout,
		"ESINDEX_QUEUE_FLUSH_INTERVAL":  &c.Queue.FlushInterval,
		"ESINDEX_QUEUE_ENQUEUE_TIMEOUT": &c.Queue.EnqueueTimeout,
		"ESINDEX_STORAGE_PATH":          &c.Storage.Path,
		"ESINDEX_DEADLETTER_PATH":       &c.DeadLetter.Path,
		"ESINDEX_LOG_LEVEL":             &c.Logging.Level,
		"ESINDEX_LOG_FILE":              &c.Logging.File,
		"ESINDEX_METRICS_ADDR":          &c.Metrics.Addr,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"ESINDEX_QUEUE_CAPACITY":        &c.Queue.Capacity,
		"ESINDEX_QUEUE_WORKERS":         &c.Queue.Workers,
		"ESINDEX_QUEUE_BATCH_SIZE":      &c.Queue.BatchSize,
		"ESINDEX_QUEUE_MAX_ATTEMPTS":    &c.Queue.MaxAttempts,
		"ESINDEX_BUILD_ROWS_PER_SECOND": &c.Build.RowsPerSecond,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	durations := []struct {
		name  string
		value string
	}{
		{"backend.timeout", c.Backend.Timeout},
		{"backend.breaker_reset", c.Backend.BreakerReset},
		{"queue.flush_interval", c.Queue.FlushInterval},
		{"queue.enqueue_timeout", c.Queue.EnqueueTimeout},
		{"queue.initial_backoff", c.Queue.InitialBackoff},
		{"queue.max_backoff", c.Queue.MaxBackoff},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s must be a duration, got %q", d.name, d.value)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if c.Queue.initialBackoff() > c.Queue.maxBackoff() {
		return fmt.Errorf("queue.initial_backoff %s exceeds queue.max_backoff %s",
			c.Queue.InitialBackoff, c.Queue.MaxBackoff)
	}

	positives := []struct {
		name  string
		value int
	}{
		{"backend.breaker_max_failures", c.Backend.BreakerMaxFailures},
		{"backend.version_cache_size", c.Backend.VersionCacheSize},
		{"queue.capacity", c.Queue.Capacity},
		{"queue.workers", c.Queue.Workers},
		{"queue.batch_size", c.Queue.BatchSize},
		{"queue.max_attempts", c.Queue.MaxAttempts},
	}
	for _, p := range positives {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}
	if c.Queue.BatchSize > c.Queue.Capacity {
		return fmt.Errorf("queue.batch_size %d exceeds queue.capacity %d", c.Queue.BatchSize, c.Queue.Capacity)
	}
	if c.Build.RowsPerSecond < 0 {
		return fmt.Errorf("build.rows_per_second must be non-negative, got %d", c.Build.RowsPerSecond)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}
	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
