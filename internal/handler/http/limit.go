package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"ratelimit-engine/internal/handler/http/middleware"
	"ratelimit-engine/internal/handler/http/respond"
	"ratelimit-engine/internal/observability/logging"
	"ratelimit-engine/internal/usecase/limit"
	"ratelimit-engine/pkg/ratelimit"
)

// Limiter is the part of limit.Service served over HTTP.
type Limiter interface {
	Consume(ctx context.Context, req limit.Request) (*ratelimit.ConsumeResult, error)
	ResetCache(ctx context.Context, f ratelimit.ResetFilter) error
	Module(name string) (ratelimit.RateLimitConfig, bool)
}

// LimitHandler serves the consume and cache endpoints.
type LimitHandler struct {
	svc    Limiter
	clock  ratelimit.Clock
	logger *slog.Logger
}

func NewLimitHandler(svc Limiter, clock ratelimit.Clock, logger *slog.Logger) *LimitHandler {
	if clock == nil {
		clock = &ratelimit.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LimitHandler{svc: svc, clock: clock, logger: logger}
}

// Register mounts the routes on mux. admin wraps the cache reset route.
func (h *LimitHandler) Register(mux *http.ServeMux, admin Middleware) {
	if admin == nil {
		admin = func(next http.Handler) http.Handler { return next }
	}
	mux.HandleFunc("POST /v1/consume", h.Consume)
	mux.Handle("DELETE /v1/cache", admin(http.HandlerFunc(h.ResetCache)))
}

// ConsumeRequest is the body of POST /v1/consume.
type ConsumeRequest struct {
	Module   string `json:"module"`
	ActorKey string `json:"actor_key"`
	UserID   string `json:"user_id,omitempty"`
	IPHash   string `json:"ip_hash,omitempty"`
	Email    string `json:"email,omitempty"`
	// Peek reports the remaining quota without consuming it.
	Peek bool `json:"peek,omitempty"`
}

// Consume handles POST /v1/consume.
//
// 200 with the result when allowed (or for a peek), 429 with Retry-After
// when denied, 400 for a malformed request and 404 for an unknown module.
func (h *LimitHandler) Consume(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respond.Error(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
			return
		}
		respond.Error(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}

	result, err := h.svc.Consume(r.Context(), limit.Request{
		Module:   req.Module,
		ActorKey: req.ActorKey,
		Actor:    ratelimit.Actor{UserID: req.UserID, IPHash: req.IPHash, Email: req.Email},
		Peek:     req.Peek,
	})
	if err != nil {
		logging.WithRequestID(r.Context(), h.logger).Warn("consume failed",
			slog.String("module", req.Module),
			slog.String("actor_key", req.ActorKey),
			slog.String("error", respond.SanitizeError(err)))
		respond.DomainError(w, err)
		return
	}

	if mc, ok := h.svc.Module(req.Module); ok {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(mc.MaxRequests))
	}
	middleware.SetRateLimitHeaders(w, result)

	code := http.StatusOK
	if !result.Allowed && !req.Peek {
		code = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.FormatInt(middleware.RetryAfterSeconds(result, h.clock.Now()), 10))
	}
	respond.JSON(w, code, result)
}

// ResetCache handles DELETE /v1/cache?module=&actor_key=.
//
// Omitted parameters act as wildcards. Clearing everything requires
// all=true so that a bare DELETE cannot wipe the store by accident.
func (h *LimitHandler) ResetCache(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ratelimit.ResetFilter{ActorKey: q.Get("actor_key"), Module: q.Get("module")}

	if f.IsGlobal() && q.Get("all") != "true" {
		respond.Error(w, http.StatusBadRequest, errors.New("module or actor_key is required; pass all=true to reset everything"))
		return
	}

	if err := h.svc.ResetCache(r.Context(), f); err != nil {
		respond.DomainError(w, err)
		return
	}

	logging.WithRequestID(r.Context(), h.logger).Info("cache reset via API",
		slog.String("module", f.Module),
		slog.String("actor_key", f.ActorKey))
	w.WriteHeader(http.StatusNoContent)
}
