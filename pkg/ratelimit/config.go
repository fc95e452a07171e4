package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned (wrapped) by RateLimitConfig.Validate.
var ErrInvalidConfig = errors.New("invalid rate limit config")

// ErrUnknownModule is returned when no configuration exists for a module.
var ErrUnknownModule = errors.New("unknown rate limit module")

// Mode controls whether a module's limit is enforced or only observed.
type Mode string

const (
	// ModeEnforce denies requests while a block is active.
	ModeEnforce Mode = "enforce"

	// ModeMonitor never denies. Exceeding the limit is reported through
	// events and a synthetic warning instead.
	ModeMonitor Mode = "monitor"
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	return string(m)
}

// IsValid checks if the mode is a recognized value.
func (m Mode) IsValid() bool {
	switch m {
	case ModeEnforce, ModeMonitor:
		return true
	default:
		return false
	}
}

// RateLimitConfig is the per-module limit definition supplied by the caller.
type RateLimitConfig struct {
	// MaxRequests allowed in one window. Must be positive.
	MaxRequests int

	// Window is the fixed window length. Must be positive.
	Window time.Duration

	// BlockDuration is how long a block lasts once triggered.
	// Default: Window
	BlockDuration time.Duration

	// WarnThreshold emits a warning when the remaining count crosses it
	// downwards. Zero disables warnings.
	WarnThreshold int

	// Mode defaults to ModeEnforce.
	Mode Mode

	// ExtendBlock pushes blockedUntil forward when a blocked actor keeps
	// sending requests. The block end never moves backwards.
	ExtendBlock bool
}

// Validate checks if the RateLimitConfig is valid.
//
// Returns an error wrapping ErrInvalidConfig if any value is invalid.
func (c *RateLimitConfig) Validate() error {
	if c.MaxRequests <= 0 {
		return fmt.Errorf("%w: MaxRequests must be positive, got %d", ErrInvalidConfig, c.MaxRequests)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: Window must be positive, got %s", ErrInvalidConfig, c.Window)
	}
	if c.Window < time.Millisecond {
		return fmt.Errorf("%w: Window must be at least 1ms, got %s", ErrInvalidConfig, c.Window)
	}
	if c.BlockDuration < 0 {
		return fmt.Errorf("%w: BlockDuration must be non-negative, got %s", ErrInvalidConfig, c.BlockDuration)
	}
	if c.WarnThreshold < 0 {
		return fmt.Errorf("%w: WarnThreshold must be non-negative, got %d", ErrInvalidConfig, c.WarnThreshold)
	}
	if c.Mode != "" && !c.Mode.IsValid() {
		return fmt.Errorf("%w: Mode has invalid value %q", ErrInvalidConfig, c.Mode)
	}
	return nil
}

// ApplyDefaults fills zero values with their defaults.
func (c *RateLimitConfig) ApplyDefaults() {
	if c.BlockDuration == 0 {
		c.BlockDuration = c.Window
	}
	if c.Mode == "" {
		c.Mode = ModeEnforce
	}
}

// WithDefaults returns a copy of c with defaults applied.
func (c RateLimitConfig) WithDefaults() RateLimitConfig {
	c.ApplyDefaults()
	return c
}
