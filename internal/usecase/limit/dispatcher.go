package limit

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"ratelimit-engine/internal/resilience/retry"
	"ratelimit-engine/pkg/ratelimit"
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// MaxConcurrent bounds the number of deliveries running at once.
	// Default: 8
	MaxConcurrent int

	// QueueTimeout is how long a delivery waits for a free worker slot
	// before the event is dropped.
	// Default: 5s
	QueueTimeout time.Duration

	// DeliveryTimeout bounds one delivery including its retries.
	// Default: 30s
	DeliveryTimeout time.Duration

	// Default: retry.EventDeliveryConfig()
	Retry retry.Config

	// Default: no-op
	Metrics DispatcherMetrics

	// Default: slog.Default()
	Logger *slog.Logger
}

// Dispatcher delivers events to a sink in background goroutines.
//
// Delivery is at-least-once while the process runs: failed deliveries are
// retried with backoff, and Shutdown waits for in-flight deliveries. Events
// still queued when the process exits are lost.
type Dispatcher struct {
	sink       ratelimit.EventSink
	cfg        DispatcherConfig
	workerPool chan struct{}

	mu     sync.RWMutex // guards closed against concurrent wg.Add
	closed bool
	wg     sync.WaitGroup

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

func NewDispatcher(sink ratelimit.EventSink, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 5 * time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.EventDeliveryConfig()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopDispatcherMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sink:           sink,
		cfg:            cfg,
		workerPool:     make(chan struct{}, cfg.MaxConcurrent),
		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,
	}
}

// Dispatch schedules ev for delivery and returns immediately.
func (d *Dispatcher) Dispatch(ev *ratelimit.Event) error {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		d.cfg.Metrics.RecordDropped(DropShutdown)
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.RUnlock()

	d.cfg.Metrics.RecordDispatched(string(ev.Type))
	go d.deliver(ev)
	return nil
}

func (d *Dispatcher) deliver(ev *ratelimit.Event) {
	defer d.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			d.cfg.Metrics.RecordDropped(DropPanic)
			d.cfg.Logger.Error("panic in event delivery",
				slog.String("event_id", ev.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	timer := time.NewTimer(d.cfg.QueueTimeout)
	select {
	case d.workerPool <- struct{}{}:
		timer.Stop()
		defer func() { <-d.workerPool }()
	case <-timer.C:
		d.cfg.Metrics.RecordDropped(DropPoolFull)
		d.cfg.Logger.Warn("event dropped: worker pool full",
			slog.String("event_id", ev.ID),
			slog.String("event_type", string(ev.Type)),
			slog.String("module", ev.Module))
		return
	case <-d.shutdownCtx.Done():
		timer.Stop()
		d.cfg.Metrics.RecordDropped(DropShutdown)
		return
	}

	d.cfg.Metrics.IncInFlight()
	defer d.cfg.Metrics.DecInFlight()

	ctx, cancel := context.WithTimeout(d.shutdownCtx, d.cfg.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	err := retry.WithBackoff(ctx, d.cfg.Retry, func() error {
		return d.sink.RecordEvent(ctx, ev)
	})
	duration := time.Since(start)

	if err != nil {
		d.cfg.Metrics.RecordDelivery(string(ev.Type), StatusFailure, duration)
		d.cfg.Logger.Error("event delivery failed",
			slog.String("event_id", ev.ID),
			slog.String("event_type", string(ev.Type)),
			slog.String("module", ev.Module),
			slog.String("actor_key", ev.ActorKey),
			slog.Duration("duration", duration),
			slog.Any("error", err))
		return
	}

	d.cfg.Metrics.RecordDelivery(string(ev.Type), StatusSuccess, duration)
	d.cfg.Logger.Debug("event delivered",
		slog.String("event_id", ev.ID),
		slog.String("event_type", string(ev.Type)),
		slog.Duration("duration", duration))
}

// Shutdown stops accepting events and waits for in-flight deliveries.
// If ctx expires first, running deliveries are canceled and ctx.Err() is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.shutdownCancel()
		d.cfg.Logger.Info("event dispatcher shutdown complete")
		return nil
	case <-ctx.Done():
		d.shutdownCancel()
		d.cfg.Logger.Warn("event dispatcher shutdown timeout, in-flight deliveries canceled")
		return ctx.Err()
	}
}
