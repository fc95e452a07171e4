package eventsink

import (
	"context"
	"log/slog"

	"ratelimit-engine/pkg/ratelimit"
)

// LogSink writes each event as a structured log record.
// Block events are logged at WARN, warnings at INFO.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) RecordEvent(ctx context.Context, ev *ratelimit.Event) error {
	level := slog.LevelInfo
	if ev.Type == ratelimit.EventBlock {
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("event_id", ev.ID),
		slog.String("event_type", string(ev.Type)),
		slog.String("mode", string(ev.Mode)),
		slog.String("module", ev.Module),
		slog.String("actor_key", ev.ActorKey),
		slog.Int("count", ev.Count),
		slog.Int("max_requests", ev.MaxRequests),
		slog.Time("window_start", ev.WindowStart),
		slog.Time("window_end", ev.WindowEnd),
	}
	if ev.BlockedUntil != nil {
		attrs = append(attrs, slog.Time("blocked_until", *ev.BlockedUntil))
	}
	if ev.Actor.UserID != "" {
		attrs = append(attrs, slog.String("user_id", ev.Actor.UserID))
	}
	if ev.Actor.IPHash != "" {
		attrs = append(attrs, slog.String("ip_hash", ev.Actor.IPHash))
	}

	s.logger.LogAttrs(ctx, level, "rate limit event", attrs...)
	return nil
}
