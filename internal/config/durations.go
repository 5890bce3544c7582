package config

import (
	"time"

	errs "github.com/webme-commons/esindex/internal/errors"
	"github.com/webme-commons/esindex/internal/logging"
	"github.com/webme-commons/esindex/internal/queue"
)

// Durations are validated by Load, so parse failures here fall back to zero
// and the consumer's own default.
func parse(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (q QueueConfig) initialBackoff() time.Duration { return parse(q.InitialBackoff) }
func (q QueueConfig) maxBackoff() time.Duration     { return parse(q.MaxBackoff) }

// CallTimeout returns the per-call backend timeout.
func (b BackendConfig) CallTimeout() time.Duration { return parse(b.Timeout) }

// BreakerResetTimeout returns how long an open circuit stays open.
func (b BackendConfig) BreakerResetTimeout() time.Duration { return parse(b.BreakerReset) }

// QueueConfig converts the section to the queue's own configuration.
func (q QueueConfig) QueueConfig() queue.Config {
	retry := errs.DefaultRetryConfig()
	retry.MaxRetries = q.MaxAttempts - 1
	retry.InitialDelay = q.initialBackoff()
	retry.MaxDelay = q.maxBackoff()
	return queue.Config{
		Capacity:       q.Capacity,
		Workers:        q.Workers,
		BatchSize:      q.BatchSize,
		FlushInterval:  parse(q.FlushInterval),
		EnqueueTimeout: parse(q.EnqueueTimeout),
		MaxAttempts:    q.MaxAttempts,
		Retry:          retry,
	}
}

// LoggingConfig converts the section to a logging.Config. debug forces
// debug level and a log file.
func (l LoggingConfig) LoggingConfig(debug bool) logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = l.Level
	cfg.FilePath = l.File
	if l.MaxSizeMB > 0 {
		cfg.MaxSizeMB = l.MaxSizeMB
	}
	if l.MaxFiles > 0 {
		cfg.MaxFiles = l.MaxFiles
	}
	if debug {
		cfg.Level = "debug"
		if cfg.FilePath == "" {
			cfg.FilePath = logging.DefaultLogPath()
		}
	}
	return cfg
}
