// Package metrics builds the Prometheus registry the service exposes on its
// metrics port.
//
// Component metrics are defined next to the code that records them
// (pkg/ratelimit, internal/usecase/limit, internal/handler/http). They
// either register on the registry returned by NewRegistry or keep their own
// registry, which is then gathered alongside it:
//
//	reg := metrics.NewRegistry()
//	_ = metrics.RegisterDBStats(reg, db, "ratelimit")
//	storeMetrics := ratelimit.NewPrometheusMetrics()
//	gatherer := prometheus.Gatherers{reg, storeMetrics.Registry()}
package metrics
