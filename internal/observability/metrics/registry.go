package metrics

import (
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// NewRegistry returns a registry with the Go runtime and process collectors.
// Every component of the service registers its metrics here rather than on
// the global registry, so tests can build isolated instances.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// RegisterDBStats exports the connection pool statistics of db under the
// go_sql_* metrics with label db_name=name.
func RegisterDBStats(reg prometheus.Registerer, db *sql.DB, name string) error {
	if err := reg.Register(collectors.NewDBStatsCollector(db, name)); err != nil {
		return fmt.Errorf("register db stats: %w", err)
	}
	return nil
}

// RegisterBuildInfo exports ratelimit_build_info{version, backend} = 1.
func RegisterBuildInfo(reg prometheus.Registerer, version, backend string) error {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "ratelimit_build_info",
		Help:        "Build and configuration information of the running service",
		ConstLabels: prometheus.Labels{"version": version, "backend": backend},
	})
	g.Set(1)
	if err := reg.Register(g); err != nil {
		return fmt.Errorf("register build info: %w", err)
	}
	return nil
}
