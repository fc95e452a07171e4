package http

import (
	"log/slog"
	"net/http"
	"time"

	"ratelimit-engine/internal/handler/http/requestid"
	"ratelimit-engine/internal/observability/tracing"
	"ratelimit-engine/pkg/security/csp"
)

// RouterConfig holds the handlers and settings of the API server.
type RouterConfig struct {
	Limit  *LimitHandler
	Health http.Handler
	Ready  http.Handler

	// AdminToken guards DELETE /v1/cache. Empty leaves it open.
	AdminToken string

	// AdminLimit runs before the token check on admin routes, typically
	// an IP rate limit against token guessing. Optional.
	AdminLimit Middleware

	// Metrics is optional.
	Metrics *HTTPMetrics

	// Default: slog.Default()
	Logger *slog.Logger

	// Default: 10s
	RequestTimeout time.Duration

	// Default: 64KiB
	MaxBodyBytes int64

	// CSP is sent on every response. Default: csp.APIPolicy()
	CSP *csp.CSPBuilder
}

// NewRouter builds the API handler with its middleware stack:
// request ID, tracing, access log, panic recovery, security headers, body
// limit, timeout and metrics, outermost first.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.CSP == nil {
		cfg.CSP = csp.APIPolicy()
	}

	mux := http.NewServeMux()
	if cfg.Health != nil {
		mux.Handle("GET /health", cfg.Health)
	}
	if cfg.Ready != nil {
		mux.Handle("GET /ready", cfg.Ready)
	}
	mux.Handle("GET /live", &LiveHandler{})
	if cfg.Limit != nil {
		admin := RequireToken(cfg.AdminToken)
		if cfg.AdminLimit != nil {
			admin = func(next http.Handler) http.Handler {
				return Chain(next, cfg.AdminLimit, RequireToken(cfg.AdminToken))
			}
		}
		cfg.Limit.Register(mux, admin)
	}

	mws := []Middleware{
		requestid.Middleware,
		tracing.Middleware,
		Logging(cfg.Logger),
		Recover(cfg.Logger),
		SecurityHeaders(cfg.CSP),
		LimitRequestBody(cfg.MaxBodyBytes),
		Timeout(cfg.RequestTimeout),
	}
	if cfg.Metrics != nil {
		mws = append(mws, cfg.Metrics.Middleware)
	}
	return Chain(mux, mws...)
}
