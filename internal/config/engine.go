// Package config assembles the engine configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	pkgconfig "ratelimit-engine/pkg/config"
	"ratelimit-engine/pkg/ratelimit"
)

// Backend selection values for RATELIMIT_BACKEND.
const (
	BackendAuto   = "auto"
	BackendMemory = "memory"
)

// EngineConfig holds the process-level settings of ratelimitd and ratelimitctl.
type EngineConfig struct {
	// Backend is "auto" (PostgreSQL, fronted by Redis when RedisURL is set)
	// or "memory" (single-process, for local development).
	Backend string

	DatabaseURL string
	RedisURL    string

	// RetryInterval is how long the orchestrator stays on the fallback
	// before probing Redis again.
	RetryInterval time.Duration

	KeyPrefix     string
	ScanBatch     int
	MemoryMaxKeys int

	// ModulesFile is the YAML module file. Empty uses the built-in modules.
	ModulesFile string

	AMQPURL         string
	AMQPExchange    string
	SlackWebhookURL string
	EventWorkers    int

	// AdminToken is the bearer token required by DELETE /v1/cache.
	// Empty leaves the endpoint unauthenticated.
	AdminToken string

	HTTPAddr        string
	MetricsPort     int
	ShutdownTimeout time.Duration
	MigrateOnStart  bool
}

// Load reads EngineConfig from the environment and validates it.
func Load() (*EngineConfig, error) {
	cfg := &EngineConfig{
		Backend:         pkgconfig.GetEnvString("RATELIMIT_BACKEND", BackendAuto),
		DatabaseURL:     pkgconfig.GetEnvString("DATABASE_URL", ""),
		RedisURL:        pkgconfig.GetEnvString("REDIS_URL", ""),
		RetryInterval:   pkgconfig.GetEnvDuration("RATELIMIT_RETRY_INTERVAL", ratelimit.DefaultRetryInterval),
		KeyPrefix:       pkgconfig.GetEnvString("RATELIMIT_KEY_PREFIX", "ratelimit"),
		ScanBatch:       pkgconfig.GetEnvInt("RATELIMIT_SCAN_BATCH", 500),
		MemoryMaxKeys:   pkgconfig.GetEnvInt("RATELIMIT_MEMORY_MAX_KEYS", 10000),
		ModulesFile:     pkgconfig.GetEnvString("RATELIMIT_MODULES_FILE", ""),
		AMQPURL:         pkgconfig.GetEnvString("AMQP_URL", ""),
		AMQPExchange:    pkgconfig.GetEnvString("AMQP_EXCHANGE", "ratelimit.events"),
		SlackWebhookURL: pkgconfig.GetEnvString("EVENT_SLACK_WEBHOOK_URL", ""),
		EventWorkers:    pkgconfig.GetEnvInt("EVENT_WORKERS", 8),
		HTTPAddr:        pkgconfig.GetEnvString("HTTP_ADDR", ":8080"),
		AdminToken:      pkgconfig.GetEnvString("ADMIN_TOKEN", ""),
		MetricsPort:     pkgconfig.GetEnvInt("METRICS_PORT", 9090),
		ShutdownTimeout: pkgconfig.GetEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		MigrateOnStart:  pkgconfig.GetEnvBool("DB_MIGRATE_ON_START", false),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. Errors wrap ratelimit.ErrInvalidConfig.
func (c *EngineConfig) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendAuto:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required unless RATELIMIT_BACKEND=memory"))
		}
	case BackendMemory:
		if c.MemoryMaxKeys <= 0 {
			errs = append(errs, fmt.Errorf("RATELIMIT_MEMORY_MAX_KEYS must be positive, got %d", c.MemoryMaxKeys))
		}
	default:
		errs = append(errs, fmt.Errorf("RATELIMIT_BACKEND must be %q or %q, got %q", BackendAuto, BackendMemory, c.Backend))
	}

	if err := pkgconfig.ValidateDurationRange(c.RetryInterval, time.Second, time.Hour); err != nil {
		errs = append(errs, fmt.Errorf("RATELIMIT_RETRY_INTERVAL: %w", err))
	}
	if err := pkgconfig.ValidatePositiveDuration(c.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT: %w", err))
	}
	if c.KeyPrefix == "" {
		errs = append(errs, errors.New("RATELIMIT_KEY_PREFIX must not be empty"))
	}
	if c.ScanBatch <= 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_SCAN_BATCH must be positive, got %d", c.ScanBatch))
	}
	if c.EventWorkers <= 0 {
		errs = append(errs, fmt.Errorf("EVENT_WORKERS must be positive, got %d", c.EventWorkers))
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("METRICS_PORT out of range: %d", c.MetricsPort))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ratelimit.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// UsesRedis reports whether a ResilientStore should front the database.
func (c *EngineConfig) UsesRedis() bool {
	return c.Backend == BackendAuto && c.RedisURL != ""
}

// LoadModules returns the module configurations from ModulesFile, or the
// built-in modules when no file is configured.
func (c *EngineConfig) LoadModules() (map[string]ratelimit.RateLimitConfig, error) {
	if c.ModulesFile == "" {
		return pkgconfig.DefaultModules(), nil
	}
	modules, err := pkgconfig.LoadModulesFile(c.ModulesFile)
	if err != nil {
		return nil, fmt.Errorf("load modules from %s: %w", c.ModulesFile, err)
	}
	return modules, nil
}
