package ratelimit

import "time"

// WindowState is the stored state of one (actor, module) key.
type WindowState struct {
	Count        int
	WindowStart  time.Time
	WindowEnd    time.Time
	BlockedUntil *time.Time
}

// Outcome is the result of applying one request to a WindowState.
type Outcome struct {
	// State is the state to persist when Dirty is true.
	State  WindowState
	Result *ConsumeResult
	Event  *Event
	Dirty  bool
}

// Apply evaluates p against the state and returns the next state.
//
// The receiver is not modified. A peek never produces a dirty outcome.
// p.Now must be set and p.Config must be valid.
func (s WindowState) Apply(p ConsumeParams) Outcome {
	cfg := p.Config.WithDefaults()
	p.Config = cfg
	now := p.Now

	next := s
	dirty := false

	if next.WindowEnd.IsZero() || WindowExpired(next.WindowEnd, now) {
		next.WindowStart, next.WindowEnd = AlignWindow(now, cfg.Window)
		next.Count = 0
		dirty = true
	}
	if next.BlockedUntil != nil && !IsBlocking(next.BlockedUntil, now) {
		next.BlockedUntil = nil
		dirty = true
	}

	if IsBlocking(next.BlockedUntil, now) {
		if cfg.Mode == ModeMonitor {
			next.BlockedUntil = nil
			dirty = true
		} else {
			if p.Increment && cfg.ExtendBlock {
				extended := ExtendBlock(*next.BlockedUntil, now, cfg.BlockDuration)
				if extended.After(*next.BlockedUntil) {
					next.BlockedUntil = &extended
					dirty = true
				}
			}
			return Outcome{
				State:  next,
				Result: DeniedResult(next.WindowEnd, *next.BlockedUntil),
				Dirty:  dirty && p.Increment,
			}
		}
	}

	if !p.Increment {
		return Outcome{
			State:  s,
			Result: PeekResult(cfg, next.Count, next.WindowEnd),
		}
	}

	before := next.Count
	next.Count++
	tr := Evaluate(cfg, before, next.Count)

	var blockedUntil *time.Time
	if tr.Exceeded && cfg.Mode == ModeEnforce {
		until := now.Add(cfg.BlockDuration)
		next.BlockedUntil = &until
		blockedUntil = &until
	}

	result, ev := IncrementResult(p, tr, next.Count, next.WindowStart, next.WindowEnd, blockedUntil)
	return Outcome{State: next, Result: result, Event: ev, Dirty: true}
}

// DeniedResult is returned while an enforce-mode block is active.
func DeniedResult(windowEnd, blockedUntil time.Time) *ConsumeResult {
	return &ConsumeResult{
		Allowed:      false,
		Remaining:    0,
		ResetTime:    windowEnd,
		BlockedUntil: &blockedUntil,
	}
}

// PeekResult reports the current quota without consuming it.
func PeekResult(cfg RateLimitConfig, count int, windowEnd time.Time) *ConsumeResult {
	remaining := Remaining(cfg.MaxRequests, count)
	return &ConsumeResult{
		Allowed:   remaining > 0 || cfg.Mode == ModeMonitor,
		Remaining: remaining,
		ResetTime: windowEnd,
		Warning:   PeekWarning(cfg, remaining),
	}
}

// IncrementResult builds the result and optional event for an increment.
//
// blockedUntil is the block written by an enforce-mode store, or nil when
// no block was written. Block events are produced only on the first
// crossing; callers that deduplicate across processes may drop them.
func IncrementResult(p ConsumeParams, tr Transition, count int, start, end time.Time, blockedUntil *time.Time) (*ConsumeResult, *Event) {
	cfg := p.Config
	result := &ConsumeResult{
		Allowed:   true,
		Remaining: tr.RemainingAfter,
		ResetTime: end,
	}

	switch {
	case tr.Exceeded && cfg.Mode == ModeMonitor:
		result.Warning = &Warning{Remaining: 0}
		if tr.FirstCrossing {
			return result, NewEvent(EventBlock, p, count, start, end, nil)
		}
	case tr.Exceeded:
		result.Allowed = false
		result.BlockedUntil = blockedUntil
		if tr.FirstCrossing {
			return result, NewEvent(EventBlock, p, count, start, end, blockedUntil)
		}
	case tr.Warn:
		result.Warning = &Warning{Remaining: tr.RemainingAfter}
		return result, NewEvent(EventWarning, p, count, start, end, nil)
	}
	return result, nil
}
