package limit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Delivery statuses and drop reasons recorded by DispatcherMetrics.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"

	DropPoolFull = "pool_full"
	DropShutdown = "shutdown"
	DropPanic    = "panic"
)

// DispatcherMetrics records event delivery outcomes.
type DispatcherMetrics interface {
	RecordDispatched(eventType string)
	RecordDelivery(eventType, status string, duration time.Duration)
	RecordDropped(reason string)
	IncInFlight()
	DecInFlight()
}

type noopDispatcherMetrics struct{}

func (noopDispatcherMetrics) RecordDispatched(string)                      {}
func (noopDispatcherMetrics) RecordDelivery(string, string, time.Duration) {}
func (noopDispatcherMetrics) RecordDropped(string)                         {}
func (noopDispatcherMetrics) IncInFlight()                                 {}
func (noopDispatcherMetrics) DecInFlight()                                 {}

// PrometheusDispatcherMetrics implements DispatcherMetrics.
type PrometheusDispatcherMetrics struct {
	dispatchedTotal  *prometheus.CounterVec
	deliveredTotal   *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	droppedTotal     *prometheus.CounterVec
	inFlight         prometheus.Gauge
}

// NewPrometheusDispatcherMetrics registers the dispatcher metrics on reg.
func NewPrometheusDispatcherMetrics(reg prometheus.Registerer) *PrometheusDispatcherMetrics {
	m := &PrometheusDispatcherMetrics{
		dispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_events_dispatched_total",
				Help: "Total number of rate limit events handed to the dispatcher",
			},
			[]string{"type"},
		),
		deliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_events_delivered_total",
				Help: "Total number of event deliveries by final status",
			},
			[]string{"type", "status"}, // status: success|failure
		),
		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratelimit_event_delivery_duration_seconds",
				Help:    "Event delivery duration including retries",
				Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"type"},
		),
		droppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_events_dropped_total",
				Help: "Total number of events dropped before delivery",
			},
			[]string{"reason"}, // reason: pool_full|shutdown|panic
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ratelimit_event_deliveries_in_flight",
				Help: "Number of event deliveries currently running",
			},
		),
	}
	reg.MustRegister(m.dispatchedTotal, m.deliveredTotal, m.deliveryDuration, m.droppedTotal, m.inFlight)
	return m
}

func (m *PrometheusDispatcherMetrics) RecordDispatched(eventType string) {
	m.dispatchedTotal.WithLabelValues(eventType).Inc()
}

func (m *PrometheusDispatcherMetrics) RecordDelivery(eventType, status string, duration time.Duration) {
	m.deliveredTotal.WithLabelValues(eventType, status).Inc()
	m.deliveryDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *PrometheusDispatcherMetrics) RecordDropped(reason string) {
	m.droppedTotal.WithLabelValues(reason).Inc()
}

func (m *PrometheusDispatcherMetrics) IncInFlight() { m.inFlight.Inc() }
func (m *PrometheusDispatcherMetrics) DecInFlight() { m.inFlight.Dec() }
