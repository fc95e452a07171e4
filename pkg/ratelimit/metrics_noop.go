package ratelimit

import "time"

// NoOpMetrics implements the Metrics interface with no-op implementations.
//
// Used in tests and when metrics collection is disabled.
type NoOpMetrics struct{}

// NewNoOpMetrics creates a new NoOpMetrics instance.
func NewNoOpMetrics() *NoOpMetrics {
	return &NoOpMetrics{}
}

func (m *NoOpMetrics) RecordDecision(module, outcome string)                      {}
func (m *NoOpMetrics) RecordCheckDuration(backend string, duration time.Duration) {}
func (m *NoOpMetrics) RecordBackendError(backend, operation string)               {}
func (m *NoOpMetrics) RecordBackendSwitch(from, to string)                        {}
func (m *NoOpMetrics) SetActiveBackend(backend string)                            {}
func (m *NoOpMetrics) RecordFallbackDuration(duration time.Duration)              {}
func (m *NoOpMetrics) RecordEvent(eventType EventType, mode Mode)                 {}
func (m *NoOpMetrics) SetActiveKeys(backend string, count int)                    {}
func (m *NoOpMetrics) RecordEviction(backend string, count int)                   {}
