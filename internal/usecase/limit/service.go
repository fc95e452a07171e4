package limit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"ratelimit-engine/pkg/ratelimit"
)

// Outcomes recorded with Metrics.RecordDecision.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomePeek    = "peek"
	OutcomeError   = "error"
)

// Request identifies the caller and the protected module.
type Request struct {
	Module   string
	ActorKey string
	Actor    ratelimit.Actor

	// Peek reports the remaining quota without consuming it.
	Peek bool
}

// EventDispatcher accepts events for asynchronous delivery.
type EventDispatcher interface {
	Dispatch(ev *ratelimit.Event) error
}

// Service evaluates requests against the configured modules.
type Service struct {
	store   ratelimit.Store
	modules map[string]ratelimit.RateLimitConfig
	events  EventDispatcher
	clock   ratelimit.Clock
	metrics ratelimit.Metrics
	logger  *slog.Logger
}

// ServiceConfig holds the optional collaborators of Service.
type ServiceConfig struct {
	// Default: SystemClock
	Clock ratelimit.Clock

	// Default: NoOpMetrics
	Metrics ratelimit.Metrics

	// Default: slog.Default()
	Logger *slog.Logger
}

// NewService validates every module configuration up front so that Consume
// never sees an invalid limit. events may be nil when no sink is wired.
func NewService(store ratelimit.Store, modules map[string]ratelimit.RateLimitConfig, events EventDispatcher, cfg ServiceConfig) (*Service, error) {
	if cfg.Clock == nil {
		cfg.Clock = &ratelimit.SystemClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &ratelimit.NoOpMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	validated := make(map[string]ratelimit.RateLimitConfig, len(modules))
	for name, m := range modules {
		m = m.WithDefaults()
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("module %q: %w", name, err)
		}
		validated[name] = m
	}

	return &Service{
		store:   store,
		modules: validated,
		events:  events,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}, nil
}

// Consume evaluates req and returns the decision.
//
// A store error is returned as is (wrapped); the caller decides whether to
// fail open or closed. Events are dispatched only after the store has
// committed the state change.
func (s *Service) Consume(ctx context.Context, req Request) (*ratelimit.ConsumeResult, error) {
	if strings.TrimSpace(req.Module) == "" || strings.TrimSpace(req.ActorKey) == "" {
		return nil, fmt.Errorf("%w: module and actor key are required", ErrInvalidRequest)
	}
	cfg, ok := s.modules[req.Module]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ratelimit.ErrUnknownModule, req.Module)
	}

	result, ev, err := s.store.Consume(ctx, ratelimit.ConsumeParams{
		Key:       ratelimit.Key{ActorKey: req.ActorKey, Module: req.Module},
		Config:    cfg,
		Increment: !req.Peek,
		Now:       s.clock.Now(),
		Actor:     req.Actor,
	})
	if err != nil {
		s.metrics.RecordDecision(req.Module, OutcomeError)
		return nil, fmt.Errorf("consume %s: %w", req.Module, err)
	}

	switch {
	case req.Peek:
		s.metrics.RecordDecision(req.Module, OutcomePeek)
	case result.Allowed:
		s.metrics.RecordDecision(req.Module, OutcomeAllowed)
	default:
		s.metrics.RecordDecision(req.Module, OutcomeDenied)
	}

	if ev != nil {
		s.metrics.RecordEvent(ev.Type, ev.Mode)
		s.dispatch(ev)
	}
	return result, nil
}

func (s *Service) dispatch(ev *ratelimit.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Dispatch(ev); err != nil {
		s.logger.Warn("rate limit event not dispatched",
			slog.String("event_id", ev.ID),
			slog.String("event_type", string(ev.Type)),
			slog.String("module", ev.Module),
			slog.Any("error", err))
	}
}

// ResetCache clears stored windows. An unknown module is rejected so that a
// typo cannot silently turn into a no-op.
func (s *Service) ResetCache(ctx context.Context, f ratelimit.ResetFilter) error {
	if f.Module != "" {
		if _, ok := s.modules[f.Module]; !ok {
			return fmt.Errorf("%w: %q", ratelimit.ErrUnknownModule, f.Module)
		}
	}
	if err := s.store.ResetCache(ctx, f); err != nil {
		return fmt.Errorf("reset cache: %w", err)
	}
	s.logger.Info("rate limit cache reset",
		slog.String("module", f.Module),
		slog.String("actor_key", f.ActorKey),
		slog.Bool("global", f.IsGlobal()))
	return nil
}

// Module returns the configuration of a module.
func (s *Service) Module(name string) (ratelimit.RateLimitConfig, bool) {
	cfg, ok := s.modules[name]
	return cfg, ok
}

// Modules returns the configured module names in sorted order.
func (s *Service) Modules() []string {
	names := make([]string, 0, len(s.modules))
	for name := range s.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
