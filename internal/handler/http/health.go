// Package http exposes the rate limiter over HTTP: the consume and cache
// endpoints, health probes, and the middleware stack around them.
package http

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"ratelimit-engine/internal/handler/http/respond"
)

// Health check states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Backend   BackendStatus          `json:"backend"`
	Checks    map[string]CheckStatus `json:"checks"`
	Version   string                 `json:"version"`
}

// BackendStatus describes the configured store and the one serving traffic.
type BackendStatus struct {
	// Mode is "memory", "postgres" or "resilient".
	Mode string `json:"mode"`
	// Active is the store answering Consume right now.
	Active string `json:"active"`
	// FallbackSince is set while a resilient store serves from its fallback.
	FallbackSince *time.Time `json:"fallback_since,omitempty"`
}

// CheckStatus represents the status of a single health check.
type CheckStatus struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Pinger is satisfied by the Redis and PostgreSQL stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ActiveBackendFunc reports the store serving traffic and, when it is the
// fallback, since when.
type ActiveBackendFunc func() (active string, fallbackSince time.Time)

// HealthHandler reports backend reachability and which store is active.
//
// PostgreSQL is the store of last resort, so its failure makes the service
// unhealthy. A Redis failure only degrades it.
type HealthHandler struct {
	Mode          string
	ActiveBackend ActiveBackendFunc
	DB            *sql.DB
	Redis         Pinger
	Version       string
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]CheckStatus)
	status := StatusHealthy

	if h.DB != nil {
		dbCheck := h.checkDatabase(ctx)
		checks["database"] = dbCheck
		status = worst(status, dbCheck.Status)
	}

	if h.Redis != nil {
		redisCheck := CheckStatus{Status: StatusHealthy}
		if err := h.Redis.Ping(ctx); err != nil {
			redisCheck = CheckStatus{Status: StatusDegraded, Message: respond.SanitizeError(err)}
		}
		checks["redis"] = redisCheck
		status = worst(status, redisCheck.Status)
	}

	backend := BackendStatus{Mode: h.Mode, Active: h.Mode}
	if h.ActiveBackend != nil {
		active, since := h.ActiveBackend()
		backend.Active = active
		if !since.IsZero() {
			s := since.UTC()
			backend.FallbackSince = &s
			status = worst(status, StatusDegraded)
		}
	}

	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	respond.JSON(w, code, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Backend:   backend,
		Checks:    checks,
		Version:   h.Version,
	})
}

// checkDatabase pings the database and reports connection pool statistics.
func (h *HealthHandler) checkDatabase(ctx context.Context) CheckStatus {
	if err := h.DB.PingContext(ctx); err != nil {
		slog.Default().Warn("health: database ping failed", slog.String("error", respond.SanitizeError(err)))
		return CheckStatus{Status: StatusUnhealthy, Message: respond.SanitizeError(err)}
	}

	stats := h.DB.Stats()
	details := map[string]any{
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
	}

	// MaxOpenConnections == 0 means unlimited.
	if stats.MaxOpenConnections > 0 {
		utilization := float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100
		details["utilization_percent"] = utilization
		if utilization >= 80.0 {
			return CheckStatus{
				Status:  StatusDegraded,
				Message: "connection pool utilization above 80%",
				Details: details,
			}
		}
	}

	return CheckStatus{Status: StatusHealthy, Details: details}
}

func worst(a, b string) string {
	rank := map[string]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// ReadyHandler answers readiness probes. It is ready when the store of last
// resort answers a ping; a nil Store means the in-memory backend.
type ReadyHandler struct {
	Store Pinger
}

func (h *ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.Store != nil {
		if err := h.Store.Ping(ctx); err != nil {
			respond.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
	}
	respond.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// LiveHandler answers liveness probes.
type LiveHandler struct{}

func (h *LiveHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	respond.JSON(w, http.StatusOK, map[string]string{"status": "alive"})
}
