package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WorkerMetrics records purge runs.
//
//   - ratelimit_purge_runs_total{status}: runs by status (success, failure)
//   - ratelimit_purge_duration_seconds: run duration
//   - ratelimit_purge_rows_deleted_total: rows removed across runs
//   - ratelimit_purge_last_success_timestamp_seconds: completion time of the last good run
//   - ratelimit_purge_config_fallbacks_total{field}: invalid settings replaced by defaults
type WorkerMetrics struct {
	runsTotal       *prometheus.CounterVec
	duration        prometheus.Histogram
	rowsDeleted     prometheus.Counter
	lastSuccess     prometheus.Gauge
	configFallbacks *prometheus.CounterVec
}

// NewWorkerMetrics registers the purge metrics with reg.
// A nil reg uses the default registerer.
func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &WorkerMetrics{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_purge_runs_total",
			Help: "Total number of purge runs by status (success/failure)",
		}, []string{"status"}),

		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratelimit_purge_duration_seconds",
			Help:    "Duration of purge runs in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 30, 120},
		}),

		rowsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_purge_rows_deleted_total",
			Help: "Total number of expired window rows deleted",
		}),

		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_purge_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful purge run",
		}),

		configFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_purge_config_fallbacks_total",
			Help: "Total number of invalid purge settings replaced by defaults",
		}, []string{"field"}),
	}
}

func (m *WorkerMetrics) RecordRun(status string, seconds float64) {
	m.runsTotal.WithLabelValues(status).Inc()
	m.duration.Observe(seconds)
}

func (m *WorkerMetrics) RecordRowsDeleted(n int64) {
	m.rowsDeleted.Add(float64(n))
}

func (m *WorkerMetrics) RecordLastSuccess() {
	m.lastSuccess.SetToCurrentTime()
}

func (m *WorkerMetrics) RecordConfigFallback(field string) {
	m.configFallbacks.WithLabelValues(field).Inc()
}
