package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ratelimit-engine/internal/handler/http/respond"
	"ratelimit-engine/pkg/ratelimit"
)

// Purger deletes expired window rows.
type Purger interface {
	PurgeExpired(ctx context.Context, before, now time.Time) (int64, error)
}

// PurgeWorker runs Purger on a cron schedule. Runs never overlap: a tick
// that fires while the previous run is still going is skipped.
type PurgeWorker struct {
	purger  Purger
	cfg     PurgeConfig
	metrics *WorkerMetrics
	logger  *slog.Logger
	clock   ratelimit.Clock

	cron *cron.Cron

	mu      sync.Mutex
	baseCtx context.Context
}

// NewPurgeWorker validates cfg and prepares the scheduler. The worker does
// nothing until Start is called.
func NewPurgeWorker(p Purger, cfg PurgeConfig, metrics *WorkerMetrics, logger *slog.Logger, clock ratelimit.Clock) (*PurgeWorker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("purge config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = &ratelimit.SystemClock{}
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("purge config: %w", err)
	}

	w := &PurgeWorker{
		purger:  p,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		clock:   clock,
		baseCtx: context.Background(),
	}
	w.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := w.cron.AddFunc(cfg.Schedule, w.tick); err != nil {
		return nil, fmt.Errorf("add purge job: %w", err)
	}
	return w, nil
}

// Start begins scheduling. Runs derive their context from ctx, so cancelling
// it aborts a run in progress.
func (w *PurgeWorker) Start(ctx context.Context) {
	w.mu.Lock()
	w.baseCtx = ctx
	w.mu.Unlock()

	w.cron.Start()
	w.logger.Info("purge worker started",
		slog.String("schedule", w.cfg.Schedule),
		slog.String("timezone", w.cfg.Timezone),
		slog.Duration("retention", w.cfg.Retention))
}

// Stop stops scheduling and waits for a running purge to finish or for ctx
// to expire.
func (w *PurgeWorker) Stop(ctx context.Context) error {
	done := w.cron.Stop()
	select {
	case <-done.Done():
		w.logger.Info("purge worker stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop purge worker: %w", ctx.Err())
	}
}

func (w *PurgeWorker) tick() {
	w.mu.Lock()
	ctx := w.baseCtx
	w.mu.Unlock()

	// Failures are logged and counted by RunOnce.
	_, _ = w.RunOnce(ctx)
}

// RunOnce purges windows that ended more than Retention ago and returns the
// number of rows removed.
func (w *PurgeWorker) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	start := w.clock.Now()
	before := start.Add(-w.cfg.Retention)

	n, err := w.purger.PurgeExpired(ctx, before, start)
	elapsed := w.clock.Now().Sub(start)
	if err != nil {
		w.logger.Error("purge failed",
			slog.String("error", respond.SanitizeError(err)),
			slog.Duration("duration", elapsed))
		if w.metrics != nil {
			w.metrics.RecordRun("failure", elapsed.Seconds())
		}
		return 0, err
	}

	if w.metrics != nil {
		w.metrics.RecordRun("success", elapsed.Seconds())
		w.metrics.RecordRowsDeleted(n)
		w.metrics.RecordLastSuccess()
	}
	w.logger.Info("purge completed",
		slog.Int64("rows", n),
		slog.Time("before", before),
		slog.Duration("duration", elapsed))
	return n, nil
}
