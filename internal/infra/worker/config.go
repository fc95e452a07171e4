// Package worker runs the scheduled maintenance of the PostgreSQL window
// store: expired rows are purged on a cron schedule.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	pkgconfig "ratelimit-engine/pkg/config"
)

// PurgeConfig holds the configuration of the purge worker.
//
// Environment variables:
//   - RATELIMIT_PURGE_ENABLED (default: true)
//   - RATELIMIT_PURGE_SCHEDULE: cron expression (default: "*/15 * * * *")
//   - RATELIMIT_PURGE_TIMEZONE: IANA name (default: "UTC")
//   - RATELIMIT_PURGE_RETENTION: 1m-720h (default: 1h)
//   - RATELIMIT_PURGE_TIMEOUT: 1s-1h (default: 2m)
type PurgeConfig struct {
	Enabled bool

	// Schedule is a five-field cron expression or a descriptor such as
	// "@every 10m".
	Schedule string
	Timezone string

	// Retention is how long after its end a window is kept. A window is
	// never purged while it still holds an active block.
	Retention time.Duration

	// Timeout bounds a single purge run.
	Timeout time.Duration
}

// DefaultConfig returns the default purge configuration.
func DefaultConfig() PurgeConfig {
	return PurgeConfig{
		Enabled:   true,
		Schedule:  "*/15 * * * *",
		Timezone:  "UTC",
		Retention: time.Hour,
		Timeout:   2 * time.Minute,
	}
}

func validateRetention(d time.Duration) error {
	return pkgconfig.ValidateDurationRange(d, time.Minute, 720*time.Hour)
}

func validateTimeout(d time.Duration) error {
	return pkgconfig.ValidateDurationRange(d, time.Second, time.Hour)
}

// Validate checks every field and reports all problems at once.
func (c *PurgeConfig) Validate() error {
	var errs []error
	if err := pkgconfig.ValidateCronSchedule(c.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("schedule: %w", err))
	}
	if err := pkgconfig.ValidateTimezone(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if err := validateRetention(c.Retention); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}
	if err := validateTimeout(c.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("timeout: %w", err))
	}
	return errors.Join(errs...)
}

// LoadConfigFromEnv reads PurgeConfig from the environment.
//
// Loading is fail-open: an invalid value is replaced by its default, logged
// and counted in metrics, so a bad purge setting never stops the server.
// The returned configuration is always valid.
func LoadConfigFromEnv(logger *slog.Logger, metrics *WorkerMetrics) PurgeConfig {
	def := DefaultConfig()
	l := fallbackLoader{logger: logger, metrics: metrics}

	return PurgeConfig{
		Enabled: pkgconfig.GetEnvBool("RATELIMIT_PURGE_ENABLED", def.Enabled),
		Schedule: check(l, "schedule", "RATELIMIT_PURGE_SCHEDULE",
			pkgconfig.GetEnvString("RATELIMIT_PURGE_SCHEDULE", def.Schedule), def.Schedule,
			pkgconfig.ValidateCronSchedule),
		Timezone: check(l, "timezone", "RATELIMIT_PURGE_TIMEZONE",
			pkgconfig.GetEnvString("RATELIMIT_PURGE_TIMEZONE", def.Timezone), def.Timezone,
			pkgconfig.ValidateTimezone),
		Retention: check(l, "retention", "RATELIMIT_PURGE_RETENTION",
			pkgconfig.GetEnvDuration("RATELIMIT_PURGE_RETENTION", def.Retention), def.Retention,
			validateRetention),
		Timeout: check(l, "timeout", "RATELIMIT_PURGE_TIMEOUT",
			pkgconfig.GetEnvDuration("RATELIMIT_PURGE_TIMEOUT", def.Timeout), def.Timeout,
			validateTimeout),
	}
}

type fallbackLoader struct {
	logger  *slog.Logger
	metrics *WorkerMetrics
}

// check returns value when it validates and def otherwise.
func check[T any](l fallbackLoader, field, envKey string, value, def T, validate func(T) error) T {
	err := validate(value)
	if err == nil {
		return value
	}
	l.logger.Warn("configuration fallback applied",
		slog.String("field", field),
		slog.String("env_key", envKey),
		slog.Any("invalid_value", value),
		slog.Any("default_value", def),
		slog.String("error", err.Error()))
	if l.metrics != nil {
		l.metrics.RecordConfigFallback(field)
	}
	return def
}
