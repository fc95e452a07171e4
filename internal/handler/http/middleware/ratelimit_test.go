package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratelimit-engine/internal/usecase/limit"
	"ratelimit-engine/pkg/ratelimit"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// limiterFunc adapts a function to Limiter with a single "login" module.
type limiterFunc func(ctx context.Context, req limit.Request) (*ratelimit.ConsumeResult, error)

func (f limiterFunc) Consume(ctx context.Context, req limit.Request) (*ratelimit.ConsumeResult, error) {
	return f(ctx, req)
}

func (f limiterFunc) Module(name string) (ratelimit.RateLimitConfig, bool) {
	if name != "login" {
		return ratelimit.RateLimitConfig{}, false
	}
	return ratelimit.RateLimitConfig{MaxRequests: 5, Window: time.Minute}, true
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimit_Allowed(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 30, 0, time.UTC)
	var got limit.Request
	limiter := limiterFunc(func(_ context.Context, req limit.Request) (*ratelimit.ConsumeResult, error) {
		got = req
		return &ratelimit.ConsumeResult{
			Allowed:   true,
			Remaining: 1,
			ResetTime: now.Add(30 * time.Second),
			Warning:   &ratelimit.Warning{Remaining: 1},
		}, nil
	})

	handler := RateLimit(limiter, RateLimitConfig{Module: "login", Clock: fixedClock{now}})(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.RemoteAddr = "203.0.113.7:4321"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "login", got.Module)
	assert.Equal(t, "ip:"+HashIP("203.0.113.7"), got.ActorKey)
	assert.Equal(t, HashIP("203.0.113.7"), got.Actor.IPHash)
	assert.Equal(t, "5", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rr.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1", rr.Header().Get("X-RateLimit-Warning"))
	assert.Equal(t, "1735732860", rr.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_Denied(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 30, 0, time.UTC)
	blocked := now.Add(5 * time.Minute)
	limiter := limiterFunc(func(context.Context, limit.Request) (*ratelimit.ConsumeResult, error) {
		return &ratelimit.ConsumeResult{
			Allowed:      false,
			ResetTime:    now.Add(30 * time.Second),
			BlockedUntil: &blocked,
		}, nil
	})

	called := false
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })
	handler := RateLimit(limiter, RateLimitConfig{Module: "login", Clock: fixedClock{now}})(next)

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.RemoteAddr = "203.0.113.7:4321"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "300", rr.Header().Get("Retry-After"))
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))
	assert.JSONEq(t, `{"error":"rate_limit_exceeded","retry_after":300}`, rr.Body.String())
}

func TestRateLimit_FailsOpen(t *testing.T) {
	limiter := limiterFunc(func(context.Context, limit.Request) (*ratelimit.ConsumeResult, error) {
		return nil, errors.New("database unavailable")
	})
	handler := RateLimit(limiter, RateLimitConfig{Module: "login"})(okHandler)

	t.Run("limiter error", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, rr.Header().Get("X-RateLimit-Remaining"))
	})

	t.Run("bad remote address", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "unknown"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestRateLimit_WithMemoryStore(t *testing.T) {
	store := ratelimit.NewMemoryStore(ratelimit.DefaultMemoryStoreConfig())
	svc, err := limit.NewService(store, map[string]ratelimit.RateLimitConfig{
		"login": {MaxRequests: 2, Window: time.Minute},
	}, nil, limit.ServiceConfig{})
	require.NoError(t, err)

	handler := RateLimit(svc, RateLimitConfig{Module: "login"})(okHandler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = "198.51.100.4:1000"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRetryAfterSeconds(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, int64(1), RetryAfterSeconds(&ratelimit.ConsumeResult{ResetTime: now}, now))
	assert.Equal(t, int64(2), RetryAfterSeconds(&ratelimit.ConsumeResult{ResetTime: now.Add(1500 * time.Millisecond)}, now))
}
