package ratelimit

import "time"

// AlignWindow returns the fixed window containing now.
//
// Windows are aligned to multiples of window since the Unix epoch, at
// millisecond precision: start = now - (now mod window).
func AlignWindow(now time.Time, window time.Duration) (start, end time.Time) {
	ms := now.UnixMilli()
	w := window.Milliseconds()
	if w <= 0 {
		w = 1
	}
	startMs := ms - mod(ms, w)
	start = time.UnixMilli(startMs).UTC()
	return start, start.Add(time.Duration(w) * time.Millisecond)
}

// mod is a floored modulo so that pre-epoch times still align downwards.
func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// WindowExpired reports whether a window ending at end is over at now.
func WindowExpired(end, now time.Time) bool {
	return !end.After(now)
}

// WindowBucket returns floor(start / window) in milliseconds.
// It identifies one window of one key for deduplication markers.
func WindowBucket(start time.Time, window time.Duration) int64 {
	w := window.Milliseconds()
	if w <= 0 {
		w = 1
	}
	ms := start.UnixMilli()
	return (ms - mod(ms, w)) / w
}

// Remaining returns max(0, max - count).
func Remaining(max, count int) int {
	if r := max - count; r > 0 {
		return r
	}
	return 0
}

// IsBlocking reports whether blockedUntil is strictly after now.
func IsBlocking(blockedUntil *time.Time, now time.Time) bool {
	return blockedUntil != nil && blockedUntil.After(now)
}

// ShouldWarn is the edge-triggered warning rule. It fires only on the
// increment that moves the remaining quota to or below the threshold.
func ShouldWarn(threshold, remainingBefore, remainingAfter int) bool {
	return threshold > 0 &&
		remainingBefore > threshold &&
		remainingAfter <= threshold &&
		remainingAfter > 0 &&
		remainingBefore > remainingAfter
}

// PeekWarning returns the warning a peek would report, or nil.
//
// In monitor mode an exhausted quota reports Warning{0}; in enforce mode a
// warning is reported while 0 < remaining <= threshold.
func PeekWarning(cfg RateLimitConfig, remaining int) *Warning {
	if remaining == 0 && cfg.Mode == ModeMonitor {
		return &Warning{Remaining: 0}
	}
	if cfg.WarnThreshold > 0 && remaining > 0 && remaining <= cfg.WarnThreshold {
		return &Warning{Remaining: remaining}
	}
	return nil
}

// IsFirstCrossing reports whether the increment from countBefore to
// countAfter is the one that pushed the count above max.
func IsFirstCrossing(max, countBefore, countAfter int) bool {
	return countBefore >= 0 && countBefore <= max && countAfter > max
}

// ExtendBlock returns max(current, now+blockDuration).
func ExtendBlock(current, now time.Time, blockDuration time.Duration) time.Time {
	candidate := now.Add(blockDuration)
	if candidate.After(current) {
		return candidate
	}
	return current
}

// Transition describes the effect of one increment.
type Transition struct {
	RemainingBefore int
	RemainingAfter  int
	// Warn is true when the warning edge was crossed.
	Warn bool
	// Exceeded is true when the count is above the limit after the increment.
	Exceeded bool
	// FirstCrossing is true only for the increment that first exceeded the limit.
	FirstCrossing bool
}

// Evaluate computes the transition for an increment from countBefore to countAfter.
func Evaluate(cfg RateLimitConfig, countBefore, countAfter int) Transition {
	before := Remaining(cfg.MaxRequests, countBefore)
	after := Remaining(cfg.MaxRequests, countAfter)
	return Transition{
		RemainingBefore: before,
		RemainingAfter:  after,
		Warn:            ShouldWarn(cfg.WarnThreshold, before, after),
		Exceeded:        countAfter > cfg.MaxRequests,
		FirstCrossing:   IsFirstCrossing(cfg.MaxRequests, countBefore, countAfter),
	}
}
