package http

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"ratelimit-engine/internal/handler/http/requestid"
)

func newTestRouter(t *testing.T, metrics *HTTPMetrics) http.Handler {
	t.Helper()
	clock := &fixedClock{now: baseTime}
	svc := newTestService(t, clock)
	return NewRouter(RouterConfig{
		Limit:      NewLimitHandler(svc, clock, nil),
		Health:     &HealthHandler{Mode: "memory"},
		Ready:      &ReadyHandler{},
		AdminToken: "admin-token",
		Metrics:    metrics,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestRouter_Probes(t *testing.T) {
	h := newTestRouter(t, NewHTTPMetrics(prometheus.NewRegistry()))

	for _, path := range []string{"/health", "/ready", "/live"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.NotEmpty(t, rec.Header().Get(requestid.RequestIDHeader))
			assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
			assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "default-src 'none'")
		})
	}
}

func TestRouter_ConsumeAndAdminReset(t *testing.T) {
	metrics := NewHTTPMetrics(prometheus.NewRegistry())
	h := newTestRouter(t, metrics)

	consume := func() int {
		req := httptest.NewRequest(http.MethodPost, "/v1/consume",
			strings.NewReader(`{"module":"chat","actor_key":"user:9"}`))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	reset := func(auth string) int {
		req := httptest.NewRequest(http.MethodDelete, "/v1/cache?module=chat&actor_key=user:9", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, consume())
	assert.Equal(t, http.StatusOK, consume())
	assert.Equal(t, http.StatusTooManyRequests, consume())

	assert.Equal(t, http.StatusUnauthorized, reset(""))
	assert.Equal(t, http.StatusUnauthorized, reset("Bearer wrong"))
	assert.Equal(t, http.StatusTooManyRequests, consume())

	assert.Equal(t, http.StatusNoContent, reset("Bearer admin-token"))
	assert.Equal(t, http.StatusOK, consume())

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("POST", "POST /v1/consume", "200")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("POST", "POST /v1/consume", "429")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("DELETE", "DELETE /v1/cache", "204")))
}

func TestRouter_RejectsOversizedBody(t *testing.T) {
	clock := &fixedClock{now: baseTime}
	h := NewRouter(RouterConfig{
		Limit:        NewLimitHandler(newTestService(t, clock), clock, nil),
		MaxBodyBytes: 32,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/consume",
		strings.NewReader(`{"module":"chat","actor_key":"`+strings.Repeat("a", 100)+`"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRouter_UnknownRoute(t *testing.T) {
	h := newTestRouter(t, NewHTTPMetrics(prometheus.NewRegistry()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/anything", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_AdminLimitRunsBeforeToken(t *testing.T) {
	clock := &fixedClock{now: baseTime}
	var limited int
	h := NewRouter(RouterConfig{
		Limit:      NewLimitHandler(newTestService(t, clock), clock, nil),
		AdminToken: "admin-token",
		AdminLimit: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				limited++
				if limited > 2 {
					w.WriteHeader(http.StatusTooManyRequests)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodDelete, "/v1/cache?module=chat", nil)
		req.Header.Set("Authorization", "Bearer guess")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}, codes)
}
