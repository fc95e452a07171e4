package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	hhttp "ratelimit-engine/internal/handler/http"
)

// newMetricsServer builds the Prometheus scrape server.
//
// It is kept off the API port so that scrapes are not subject to the API
// middleware (admin token, request timeout) and can be firewalled apart.
//
// Endpoints:
//   - GET /metrics - everything in g
//   - GET /live - liveness of the process
func newMetricsServer(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", hhttp.MetricsHandler(g))
	mux.Handle("GET /live", &hhttp.LiveHandler{})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}
