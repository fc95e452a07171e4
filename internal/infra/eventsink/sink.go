// Package eventsink delivers rate limit events to the systems that persist
// or announce them.
//
// Every sink implements ratelimit.EventSink. Delivery is at-least-once: the
// dispatcher in internal/usecase/limit retries a failed RecordEvent, so sinks
// should tolerate duplicates (Event.ID is stable across retries).
package eventsink

import (
	"context"
	"errors"
	"fmt"

	"ratelimit-engine/pkg/ratelimit"
)

// NoOpSink discards every event. It is used when no sink is configured.
type NoOpSink struct{}

func (NoOpSink) RecordEvent(context.Context, *ratelimit.Event) error { return nil }

// MultiSink fans an event out to several sinks.
//
// All sinks are attempted even when one fails; the returned error joins the
// individual failures.
type MultiSink struct {
	sinks []ratelimit.EventSink
}

func NewMultiSink(sinks ...ratelimit.EventSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) RecordEvent(ctx context.Context, ev *ratelimit.Event) error {
	var errs []error
	for i, s := range m.sinks {
		if err := s.RecordEvent(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of wrapped sinks.
func (m *MultiSink) Len() int { return len(m.sinks) }

// IsRetryable reports whether a failed delivery is worth retrying.
// Client errors from webhooks and context errors are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var clientErr *ClientError
	return !errors.As(err, &clientErr)
}
