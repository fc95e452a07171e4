package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"ratelimit-engine/internal/handler/http/respond"
	"ratelimit-engine/internal/usecase/limit"
	"ratelimit-engine/pkg/ratelimit"
)

// Limiter is the part of limit.Service the middleware needs.
type Limiter interface {
	Consume(ctx context.Context, req limit.Request) (*ratelimit.ConsumeResult, error)
	Module(name string) (ratelimit.RateLimitConfig, bool)
}

// RateLimitConfig configures RateLimit.
type RateLimitConfig struct {
	// Module is the rate limit module charged for every request.
	Module string

	// Default: RemoteAddrExtractor
	Extractor IPExtractor

	// Default: SystemClock
	Clock ratelimit.Clock

	// Default: slog.Default()
	Logger *slog.Logger
}

// RateLimit charges each request against cfg.Module, keyed by the hashed
// client IP, and answers 429 when the limiter denies it.
//
// Limiter failures fail open: the request is served and the error logged.
//
// Response headers:
//   - X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset (unix seconds)
//   - X-RateLimit-Warning when the warn threshold was crossed
//   - Retry-After on 429
func RateLimit(limiter Limiter, cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.Extractor == nil {
		cfg.Extractor = &RemoteAddrExtractor{}
	}
	if cfg.Clock == nil {
		cfg.Clock = &ratelimit.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, err := cfg.Extractor.ExtractIP(r)
			if err != nil {
				cfg.Logger.Error("rate limit: client address unavailable, allowing request",
					slog.String("remote_addr", r.RemoteAddr),
					slog.Any("error", err))
				next.ServeHTTP(w, r)
				return
			}

			hash := HashIP(ip)
			result, err := limiter.Consume(r.Context(), limit.Request{
				Module:   cfg.Module,
				ActorKey: "ip:" + hash,
				Actor:    ratelimit.Actor{IPHash: hash},
			})
			if err != nil {
				cfg.Logger.Error("rate limit: check failed, allowing request",
					slog.String("module", cfg.Module),
					slog.String("path", r.URL.Path),
					slog.Any("error", err))
				next.ServeHTTP(w, r)
				return
			}

			if mc, ok := limiter.Module(cfg.Module); ok {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(mc.MaxRequests))
			}
			SetRateLimitHeaders(w, result)

			if !result.Allowed {
				retryAfter := RetryAfterSeconds(result, cfg.Clock.Now())
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
				cfg.Logger.Warn("rate limit exceeded",
					slog.String("module", cfg.Module),
					slog.String("actor_key", "ip:"+hash),
					slog.String("path", r.URL.Path),
					slog.Int64("retry_after", retryAfter))
				respond.JSON(w, http.StatusTooManyRequests, map[string]any{
					"error":       "rate_limit_exceeded",
					"retry_after": retryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SetRateLimitHeaders writes the X-RateLimit-* headers describing result.
func SetRateLimitHeaders(w http.ResponseWriter, result *ratelimit.ConsumeResult) {
	h := w.Header()
	h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))
	if result.Warning != nil {
		h.Set("X-RateLimit-Warning", strconv.Itoa(result.Warning.Remaining))
	}
}

// RetryAfterSeconds rounds the wait of a denied result up to whole seconds,
// never less than one.
func RetryAfterSeconds(result *ratelimit.ConsumeResult, now time.Time) int64 {
	secs := int64(math.Ceil(result.RetryAfter(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
