package ratelimit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Key identifies one rate-limited subject inside one module.
type Key struct {
	// ActorKey is an opaque, caller-derived identity (user id, hashed IP, ...).
	ActorKey string
	// Module names the limited feature, e.g. "chat" or "login".
	Module string
}

// String returns "module:actor".
func (k Key) String() string {
	return k.Module + ":" + k.ActorKey
}

// Actor carries the identifying fields attached to emitted events.
// The engine never derives or masks them.
type Actor struct {
	UserID string `json:"user_id,omitempty"`
	IPHash string `json:"ip_hash,omitempty"`
	Email  string `json:"email,omitempty"`
}

// ConsumeParams is the input of Store.Consume.
type ConsumeParams struct {
	Key    Key
	Config RateLimitConfig
	// Increment is false for a peek.
	Increment bool
	// Now is the decision time. Zero means the store's clock.
	Now   time.Time
	Actor Actor
}

// Warning is attached to a result when the remaining count crossed the
// module's warn threshold, or when monitor mode would have blocked.
type Warning struct {
	Remaining int `json:"remaining"`
}

// ConsumeResult is the outcome of a rate limit check.
type ConsumeResult struct {
	// Allowed indicates whether the request should be permitted.
	Allowed bool `json:"allowed"`

	// Remaining is max(0, MaxRequests - count).
	Remaining int `json:"remaining"`

	// ResetTime is the end of the current window.
	ResetTime time.Time `json:"reset_time"`

	// BlockedUntil is set while an enforce-mode block is active.
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`

	Warning *Warning `json:"warning,omitempty"`
}

// String returns a human-readable representation of the result.
func (r *ConsumeResult) String() string {
	if r.Allowed {
		return fmt.Sprintf("ConsumeResult{Allowed: true, Remaining: %d, ResetTime: %s}",
			r.Remaining, r.ResetTime.Format(time.RFC3339))
	}
	until := "-"
	if r.BlockedUntil != nil {
		until = r.BlockedUntil.Format(time.RFC3339)
	}
	return fmt.Sprintf("ConsumeResult{Allowed: false, BlockedUntil: %s, ResetTime: %s}",
		until, r.ResetTime.Format(time.RFC3339))
}

// RetryAfter returns how long a denied caller should wait.
func (r *ConsumeResult) RetryAfter(now time.Time) time.Duration {
	until := r.ResetTime
	if r.BlockedUntil != nil && r.BlockedUntil.After(until) {
		until = *r.BlockedUntil
	}
	d := until.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// EventType distinguishes block and warning events.
type EventType string

const (
	EventBlock   EventType = "block"
	EventWarning EventType = "warning"
)

// Event is emitted once per triggering transition.
type Event struct {
	ID           string     `json:"id"`
	Module       string     `json:"module"`
	ActorKey     string     `json:"actor_key"`
	Actor        Actor      `json:"actor"`
	Type         EventType  `json:"type"`
	Mode         Mode       `json:"mode"`
	Count        int        `json:"count"`
	MaxRequests  int        `json:"max_requests"`
	WindowStart  time.Time  `json:"window_start"`
	WindowEnd    time.Time  `json:"window_end"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	OccurredAt   time.Time  `json:"occurred_at"`
}

// NewEvent builds an event for the given transition.
func NewEvent(typ EventType, p ConsumeParams, count int, start, end time.Time, blockedUntil *time.Time) *Event {
	return &Event{
		ID:           uuid.NewString(),
		Module:       p.Key.Module,
		ActorKey:     p.Key.ActorKey,
		Actor:        p.Actor,
		Type:         typ,
		Mode:         p.Config.Mode,
		Count:        count,
		MaxRequests:  p.Config.MaxRequests,
		WindowStart:  start,
		WindowEnd:    end,
		BlockedUntil: blockedUntil,
		OccurredAt:   p.Now,
	}
}

// ResetFilter selects the state removed by ResetCache.
// An empty field matches everything.
type ResetFilter struct {
	ActorKey string
	Module   string
}

// IsGlobal reports whether the filter matches all keys.
func (f ResetFilter) IsGlobal() bool {
	return f.ActorKey == "" && f.Module == ""
}

// Matches reports whether k is selected by the filter.
func (f ResetFilter) Matches(k Key) bool {
	if f.ActorKey != "" && f.ActorKey != k.ActorKey {
		return false
	}
	if f.Module != "" && f.Module != k.Module {
		return false
	}
	return true
}
