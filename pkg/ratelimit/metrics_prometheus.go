package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements the Metrics interface using Prometheus.
//
// All metrics use a custom registry for better testability and isolation.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// decisionsTotal labels: module, outcome ("allowed", "denied", "peek").
	decisionsTotal *prometheus.CounterVec

	// checkDuration labels: backend.
	//
	// Buckets cover fast Redis round trips (<5ms) up to slow serializable
	// transactions under contention.
	checkDuration *prometheus.HistogramVec

	// backendErrorsTotal labels: backend, operation.
	backendErrorsTotal *prometheus.CounterVec

	// backendSwitchesTotal labels: from, to.
	backendSwitchesTotal *prometheus.CounterVec

	// activeBackend is 1 for the backend currently serving traffic.
	activeBackend *prometheus.GaugeVec

	fallbackDuration prometheus.Histogram

	// eventsTotal labels: type, mode.
	eventsTotal *prometheus.CounterVec

	activeKeys     *prometheus.GaugeVec
	evictionsTotal *prometheus.CounterVec
}

// NewPrometheusMetrics creates a new PrometheusMetrics instance with a custom registry.
//
// The registry can be passed to promhttp.HandlerFor() to expose metrics.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	decisionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Total rate limit decisions by module and outcome",
		},
		[]string{"module", "outcome"},
	)

	checkDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratelimit_check_duration_seconds",
			Help:    "Duration of rate limit checks by backend",
			Buckets: []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"backend"},
	)

	backendErrorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_backend_errors_total",
			Help: "Total backend errors by backend and operation",
		},
		[]string{"backend", "operation"},
	)

	backendSwitchesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_backend_switches_total",
			Help: "Total failovers and recoveries between backends",
		},
		[]string{"from", "to"},
	)

	activeBackend := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ratelimit_active_backend",
			Help: "1 for the backend currently serving traffic, 0 otherwise",
		},
		[]string{"backend"},
	)

	fallbackDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ratelimit_fallback_duration_seconds",
			Help:    "How long the fallback backend served traffic before recovery",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_events_total",
			Help: "Total emitted rate limit events by type and mode",
		},
		[]string{"type", "mode"},
	)

	activeKeys := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ratelimit_active_keys",
			Help: "Current number of keys held by in-process stores",
		},
		[]string{"backend"},
	)

	evictionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_evictions_total",
			Help: "Total LRU evictions by backend",
		},
		[]string{"backend"},
	)

	registry.MustRegister(
		decisionsTotal,
		checkDuration,
		backendErrorsTotal,
		backendSwitchesTotal,
		activeBackend,
		fallbackDuration,
		eventsTotal,
		activeKeys,
		evictionsTotal,
	)

	return &PrometheusMetrics{
		registry:             registry,
		decisionsTotal:       decisionsTotal,
		checkDuration:        checkDuration,
		backendErrorsTotal:   backendErrorsTotal,
		backendSwitchesTotal: backendSwitchesTotal,
		activeBackend:        activeBackend,
		fallbackDuration:     fallbackDuration,
		eventsTotal:          eventsTotal,
		activeKeys:           activeKeys,
		evictionsTotal:       evictionsTotal,
	}
}

// Registry returns the Prometheus registry containing all rate limit metrics.
//
//	metrics := NewPrometheusMetrics()
//	http.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordDecision records the outcome of a Consume call.
func (m *PrometheusMetrics) RecordDecision(module, outcome string) {
	m.decisionsTotal.WithLabelValues(module, outcome).Inc()
}

// RecordCheckDuration records how long a backend took to answer.
func (m *PrometheusMetrics) RecordCheckDuration(backend string, duration time.Duration) {
	m.checkDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordBackendError records a failed backend call.
func (m *PrometheusMetrics) RecordBackendError(backend, operation string) {
	m.backendErrorsTotal.WithLabelValues(backend, operation).Inc()
}

// RecordBackendSwitch records a failover or a recovery.
func (m *PrometheusMetrics) RecordBackendSwitch(from, to string) {
	m.backendSwitchesTotal.WithLabelValues(from, to).Inc()
}

// SetActiveBackend sets the gauge of backend to 1 and every other known backend to 0.
func (m *PrometheusMetrics) SetActiveBackend(backend string) {
	for _, b := range []string{BackendPrimary.String(), BackendFallback.String()} {
		v := 0.0
		if b == backend {
			v = 1
		}
		m.activeBackend.WithLabelValues(b).Set(v)
	}
}

// RecordFallbackDuration records how long the fallback served traffic.
func (m *PrometheusMetrics) RecordFallbackDuration(duration time.Duration) {
	m.fallbackDuration.Observe(duration.Seconds())
}

// RecordEvent records an emitted event.
func (m *PrometheusMetrics) RecordEvent(eventType EventType, mode Mode) {
	m.eventsTotal.WithLabelValues(string(eventType), string(mode)).Inc()
}

// SetActiveKeys records the current number of keys held by an in-process store.
//
// Useful for alerting when approaching the MaxKeys capacity.
func (m *PrometheusMetrics) SetActiveKeys(backend string, count int) {
	m.activeKeys.WithLabelValues(backend).Set(float64(count))
}

// RecordEviction records that keys were evicted from the store.
func (m *PrometheusMetrics) RecordEviction(backend string, count int) {
	m.evictionsTotal.WithLabelValues(backend).Add(float64(count))
}
