package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Backend identifies which store of a ResilientStore serves a call.
type Backend int

const (
	// BackendPrimary is the low-latency store (Redis).
	BackendPrimary Backend = iota

	// BackendFallback is the store of last resort (PostgreSQL).
	BackendFallback
)

// String returns a string representation of the backend.
func (b Backend) String() string {
	switch b {
	case BackendPrimary:
		return "primary"
	case BackendFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// DefaultRetryInterval is how long the fallback serves traffic before the
// primary is probed again.
const DefaultRetryInterval = 60 * time.Second

// ResilientConfig holds configuration for ResilientStore.
type ResilientConfig struct {
	// RetryInterval is the minimum time between a primary failure and the
	// next recovery probe.
	// Default: 60 seconds
	RetryInterval time.Duration

	// Default: SystemClock
	Clock Clock

	// Default: NoOpMetrics
	Metrics Metrics

	// Default: slog.Default()
	Logger *slog.Logger

	// Default: otel.Tracer("ratelimit")
	Tracer trace.Tracer
}

// failoverState is the health bookkeeping of a ResilientStore.
type failoverState struct {
	currentBackend      Backend
	lastFailureTime     time.Time
	retryInterval       time.Duration
	fallbackActiveSince time.Time
}

// ResilientStore routes calls to a primary store and fails over to a
// fallback store when the primary returns an error.
//
// State machine:
//
//   - primary: every call goes to the primary. On error the store switches
//     to fallback and the same call is served by the fallback.
//   - fallback, retry interval not yet elapsed: calls go to the fallback.
//   - fallback, retry interval elapsed: the call is tried on the primary as
//     a recovery probe. Success switches back; failure restarts the interval
//     and the call is served by the fallback.
//
// The mutex only guards reads and writes of the state fields and is never
// held across store I/O, so concurrent calls may act on a stale view of the
// current backend. Counting correctness is left to the stores.
type ResilientStore struct {
	primary  Store
	fallback Store

	clock   Clock
	metrics Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	mu    sync.Mutex
	state failoverState

	// fallbackLog throttles per-call warnings while the primary is down.
	fallbackLog rate.Sometimes
}

// NewResilientStore creates a ResilientStore over two stores.
func NewResilientStore(primary, fallback Store, config ResilientConfig) *ResilientStore {
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultRetryInterval
	}
	if config.Clock == nil {
		config.Clock = &SystemClock{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoOpMetrics{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Tracer == nil {
		config.Tracer = otel.Tracer("ratelimit")
	}

	rs := &ResilientStore{
		primary:     primary,
		fallback:    fallback,
		clock:       config.Clock,
		metrics:     config.Metrics,
		logger:      config.Logger,
		tracer:      config.Tracer,
		state:       failoverState{currentBackend: BackendPrimary, retryInterval: config.RetryInterval},
		fallbackLog: rate.Sometimes{Interval: 10 * time.Second},
	}
	rs.metrics.SetActiveBackend(BackendPrimary.String())
	return rs
}

// Consume routes the call according to the failover state.
func (rs *ResilientStore) Consume(ctx context.Context, p ConsumeParams) (*ConsumeResult, *Event, error) {
	var (
		result *ConsumeResult
		event  *Event
	)
	err := rs.execute(ctx, "consume", func(ctx context.Context, s Store) error {
		r, ev, err := s.Consume(ctx, p)
		if err != nil {
			return err
		}
		result, event = r, ev
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result, event, nil
}

// ResetCache routes the call according to the failover state.
//
// Only the serving backend is reset. State held by the other backend
// is left untouched.
func (rs *ResilientStore) ResetCache(ctx context.Context, f ResetFilter) error {
	return rs.execute(ctx, "reset_cache", func(ctx context.Context, s Store) error {
		return s.ResetCache(ctx, f)
	})
}

// Shutdown shuts down both stores concurrently. It never fails.
func (rs *ResilientStore) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for _, b := range []struct {
		backend Backend
		store   Store
	}{{BackendPrimary, rs.primary}, {BackendFallback, rs.fallback}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					rs.logger.Error("store shutdown panicked",
						slog.String("backend", b.backend.String()),
						slog.Any("panic", r))
				}
			}()
			b.store.Shutdown(ctx)
		}()
	}
	wg.Wait()
	rs.logger.Info("resilient store shut down")
}

// CurrentBackend returns the backend that serves calls right now.
func (rs *ResilientStore) CurrentBackend() Backend {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state.currentBackend
}

// LastFailureTime returns the time of the last primary failure, or the
// zero time while the primary is healthy.
func (rs *ResilientStore) LastFailureTime() time.Time {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state.lastFailureTime
}

// FallbackActiveSince returns when the fallback started serving, or the
// zero time while the primary is active.
func (rs *ResilientStore) FallbackActiveSince() time.Time {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.state.currentBackend == BackendPrimary {
		return time.Time{}
	}
	return rs.state.fallbackActiveSince
}

func (rs *ResilientStore) snapshot() failoverState {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state
}

func (rs *ResilientStore) execute(ctx context.Context, op string, fn func(context.Context, Store) error) error {
	st := rs.snapshot()
	now := rs.clock.Now()

	switch {
	case st.currentBackend == BackendPrimary:
		err := rs.run(ctx, BackendPrimary, op, fn)
		if err == nil || ctx.Err() != nil {
			return err
		}
		rs.failover(op, err)
		return rs.run(ctx, BackendFallback, op, fn)

	case now.Sub(st.lastFailureTime) > st.retryInterval:
		err := rs.run(ctx, BackendPrimary, op, fn)
		if err == nil {
			rs.recovered()
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		rs.probeFailed(op, err)
		return rs.run(ctx, BackendFallback, op, fn)

	default:
		rs.fallbackLog.Do(func() {
			rs.logger.Warn("serving rate limit from fallback backend",
				slog.String("operation", op),
				slog.Time("last_failure", st.lastFailureTime),
				slog.Duration("retry_interval", st.retryInterval))
		})
		return rs.run(ctx, BackendFallback, op, fn)
	}
}

func (rs *ResilientStore) run(ctx context.Context, backend Backend, op string, fn func(context.Context, Store) error) error {
	ctx, span := rs.tracer.Start(ctx, "ratelimit."+op,
		trace.WithAttributes(attribute.String("ratelimit.backend", backend.String())))
	defer span.End()

	store := rs.primary
	if backend == BackendFallback {
		store = rs.fallback
	}

	start := rs.clock.Now()
	err := fn(ctx, store)
	rs.metrics.RecordCheckDuration(backend.String(), rs.clock.Now().Sub(start))
	if err != nil {
		rs.metrics.RecordBackendError(backend.String(), op)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (rs *ResilientStore) failover(op string, cause error) {
	now := rs.clock.Now()

	rs.mu.Lock()
	switched := rs.state.currentBackend == BackendPrimary
	rs.state.lastFailureTime = now
	if switched {
		rs.state.currentBackend = BackendFallback
		rs.state.fallbackActiveSince = now
	}
	rs.mu.Unlock()

	if !switched {
		return
	}
	rs.metrics.RecordBackendSwitch(BackendPrimary.String(), BackendFallback.String())
	rs.metrics.SetActiveBackend(BackendFallback.String())
	rs.logger.Warn("primary rate limit backend failed, switching to fallback",
		slog.String("operation", op),
		slog.Any("error", cause))
}

func (rs *ResilientStore) probeFailed(op string, cause error) {
	now := rs.clock.Now()

	rs.mu.Lock()
	rs.state.lastFailureTime = now
	rs.mu.Unlock()

	rs.logger.Warn("primary rate limit backend still unavailable",
		slog.String("operation", op),
		slog.Any("error", cause))
}

func (rs *ResilientStore) recovered() {
	now := rs.clock.Now()

	rs.mu.Lock()
	switched := rs.state.currentBackend == BackendFallback
	since := rs.state.fallbackActiveSince
	rs.state.currentBackend = BackendPrimary
	rs.state.lastFailureTime = time.Time{}
	rs.state.fallbackActiveSince = time.Time{}
	rs.mu.Unlock()

	if !switched {
		return
	}
	fallbackFor := now.Sub(since)
	rs.metrics.RecordBackendSwitch(BackendFallback.String(), BackendPrimary.String())
	rs.metrics.SetActiveBackend(BackendPrimary.String())
	rs.metrics.RecordFallbackDuration(fallbackFor)
	rs.logger.Info("primary rate limit backend recovered",
		slog.Duration("fallback_duration", fallbackFor))
}
