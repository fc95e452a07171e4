// Package ratelimit provides fixed-window rate limiting with pluggable storage backends.
//
// A Store decides, for an (actor, module) pair, whether a request is allowed,
// should trigger a warning, or should be blocked. Concrete stores live in
// internal/infra (Redis, PostgreSQL); this package holds the shared window
// arithmetic, an in-memory store, and the ResilientStore that fails over
// between two stores.
package ratelimit

import (
	"context"
	"time"
)

// Store defines the interface every rate limit backend implements.
//
// Implementations must be safe for concurrent use. Atomicity of the
// count-then-decide step is the backend's responsibility (a database
// transaction, an atomic INCR, or a mutex).
type Store interface {
	// Consume evaluates one request against the window for p.Key.
	//
	// When p.Increment is false the call is a peek: the state is read
	// (an expired window is treated as empty) but the counter is not touched
	// and no event is produced.
	//
	// The returned event is non-nil at most once per triggering transition
	// and only after the state change has been persisted.
	Consume(ctx context.Context, p ConsumeParams) (*ConsumeResult, *Event, error)

	// ResetCache removes stored state matching the filter.
	// Empty fields in the filter act as wildcards.
	ResetCache(ctx context.Context, f ResetFilter) error

	// Shutdown releases backend resources. It never fails; problems are logged.
	Shutdown(ctx context.Context)
}

// EventSink receives block and warning events produced by Consume.
//
// The engine does not persist or list events; the sink owns that.
type EventSink interface {
	RecordEvent(ctx context.Context, ev *Event) error
}

// Metrics defines the interface for recording rate limiting metrics.
//
// Implementations can use Prometheus or be no-ops.
type Metrics interface {
	// RecordDecision records the outcome of a Consume call.
	// outcome is one of "allowed", "denied", "peek", "error".
	RecordDecision(module, outcome string)

	// RecordCheckDuration records how long a backend took to answer.
	RecordCheckDuration(backend string, duration time.Duration)

	// RecordBackendError records a failed backend call.
	RecordBackendError(backend, operation string)

	// RecordBackendSwitch records a failover (to="fallback") or recovery (to="primary").
	RecordBackendSwitch(from, to string)

	// SetActiveBackend marks which backend is currently serving traffic.
	SetActiveBackend(backend string)

	// RecordFallbackDuration records how long the fallback served traffic.
	RecordFallbackDuration(duration time.Duration)

	// RecordEvent records an emitted block/warning event.
	RecordEvent(eventType EventType, mode Mode)

	// SetActiveKeys records the number of keys held by an in-process store.
	SetActiveKeys(backend string, count int)

	// RecordEviction records that keys were evicted from an in-process store.
	RecordEviction(backend string, count int)
}

// Clock provides an abstraction for time operations to enable testing.
type Clock interface {
	Now() time.Time
}

// SystemClock is a Clock implementation that uses the system time.
type SystemClock struct{}

// Now returns the current system time.
func (c *SystemClock) Now() time.Time {
	return time.Now()
}
