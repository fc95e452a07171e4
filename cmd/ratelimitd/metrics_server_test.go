package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"ratelimit-engine/internal/observability/metrics"
	"ratelimit-engine/pkg/ratelimit"
)

func TestNewMetricsServer(t *testing.T) {
	reg := metrics.NewRegistry()
	if err := metrics.RegisterBuildInfo(reg, "test", "memory"); err != nil {
		t.Fatalf("register build info: %v", err)
	}
	storeMetrics := ratelimit.NewPrometheusMetrics()
	storeMetrics.RecordDecision("chat", "allowed")

	srv := newMetricsServer(9191, prometheus.Gatherers{reg, storeMetrics.Registry()})
	assert.Equal(t, ":9191", srv.Addr)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `ratelimit_build_info{backend="memory",version="test"} 1`)
	assert.Contains(t, body, `ratelimit_decisions_total{module="chat",outcome="allowed"} 1`)
	assert.Contains(t, body, "go_goroutines")

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBackend_ActiveBackend(t *testing.T) {
	mem := &backend{mode: "memory", store: ratelimit.NewMemoryStore(ratelimit.DefaultMemoryStoreConfig())}
	active, since := mem.activeBackend()
	assert.Equal(t, "memory", active)
	assert.True(t, since.IsZero())

	failing := failingStore{}
	rs := ratelimit.NewResilientStore(failing, ratelimit.NewMemoryStore(ratelimit.DefaultMemoryStoreConfig()), ratelimit.ResilientConfig{})
	be := &backend{mode: "resilient", store: rs, resilient: rs}

	active, _ = be.activeBackend()
	assert.Equal(t, "redis", active)

	_, _, err := rs.Consume(t.Context(), ratelimit.ConsumeParams{
		Key:       ratelimit.Key{ActorKey: "user:1", Module: "chat"},
		Config:    ratelimit.RateLimitConfig{MaxRequests: 5, Window: time.Minute},
		Increment: true,
	})
	assert.NoError(t, err)

	active, since = be.activeBackend()
	assert.Equal(t, "postgres", active)
	assert.False(t, since.IsZero())
}

type failingStore struct{}

func (failingStore) Consume(context.Context, ratelimit.ConsumeParams) (*ratelimit.ConsumeResult, *ratelimit.Event, error) {
	return nil, nil, errors.New("connection refused")
}

func (failingStore) ResetCache(context.Context, ratelimit.ResetFilter) error {
	return errors.New("connection refused")
}

func (failingStore) Shutdown(context.Context) {}
