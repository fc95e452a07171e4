// Package respond writes JSON responses and maps errors to status codes
// without leaking internal details.
package respond

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"ratelimit-engine/internal/usecase/limit"
	"ratelimit-engine/pkg/ratelimit"
)

// JSON writes a JSON response with the given status code and data.
func JSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			// headers are already sent
			slog.Default().Error("failed to encode JSON response",
				slog.Int("status_code", code),
				slog.Any("error", err))
		}
	}
}

// Error writes {"error": err.Error()} with the given status code.
func Error(w http.ResponseWriter, code int, err error) {
	JSON(w, code, map[string]string{"error": err.Error()})
}

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, limit.ErrInvalidRequest), errors.Is(err, ratelimit.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, ratelimit.ErrUnknownModule):
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

// SafeError writes err for client errors (4xx). For 5xx the sanitized error
// is logged and the client gets a generic message.
func SafeError(w http.ResponseWriter, code int, err error) {
	if err == nil {
		return
	}
	if code < 500 {
		JSON(w, code, map[string]string{"error": err.Error()})
		return
	}

	slog.Default().Error("internal server error",
		slog.String("status", http.StatusText(code)),
		slog.Int("code", code),
		slog.String("error", SanitizeError(err)))
	JSON(w, code, map[string]string{"error": "internal server error"})
}

// DomainError writes err with the status chosen by StatusFor.
func DomainError(w http.ResponseWriter, err error) {
	SafeError(w, StatusFor(err), err)
}
