package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ratelimit-engine/internal/resilience/retry"
	"ratelimit-engine/pkg/ratelimit"
)

// WindowStoreConfig holds configuration for WindowStore.
type WindowStoreConfig struct {
	// Default: SystemClock
	Clock ratelimit.Clock

	// Default: slog.Default()
	Logger *slog.Logger

	// Retry controls how serialization conflicts are retried.
	// Default: retry.DBConfig()
	Retry retry.Config
}

// WindowStore keeps one row per (actor, module) in rate_limit_windows and
// evaluates every request inside a serializable transaction on that row.
//
// It is the backend of last resort: errors are returned to the caller and
// never hidden behind further failover.
type WindowStore struct {
	db     *sql.DB
	clock  ratelimit.Clock
	logger *slog.Logger
	retry  retry.Config
}

// NewWindowStore creates a WindowStore over db. The caller owns db.
func NewWindowStore(db *sql.DB, cfg WindowStoreConfig) *WindowStore {
	if cfg.Clock == nil {
		cfg.Clock = &ratelimit.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DBConfig()
	}
	return &WindowStore{db: db, clock: cfg.Clock, logger: cfg.Logger, retry: cfg.Retry}
}

// Consume applies one request to the (actor, module) row inside a
// serializable transaction, retrying serialization conflicts.
func (s *WindowStore) Consume(ctx context.Context, p ratelimit.ConsumeParams) (*ratelimit.ConsumeResult, *ratelimit.Event, error) {
	if p.Now.IsZero() {
		p.Now = s.clock.Now()
	}
	// Configs are validated when modules are loaded.
	p.Config = p.Config.WithDefaults()

	var out ratelimit.Outcome
	err := retry.WithBackoff(ctx, s.retry, func() error {
		var err error
		out, err = s.consumeTx(ctx, p)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("Consume: %w", err)
	}
	return out.Result, out.Event, nil
}

func (s *WindowStore) consumeTx(ctx context.Context, p ratelimit.ConsumeParams) (ratelimit.Outcome, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ratelimit.Outcome{}, fmt.Errorf("begin tx: %w", err)
	}
	// Rollback after a successful Commit is a no-op.
	defer func() { _ = tx.Rollback() }()

	if p.Increment {
		start, end := ratelimit.AlignWindow(p.Now, p.Config.Window)
		const insert = `
INSERT INTO rate_limit_windows (actor_key, module, count, window_start, window_end, updated_at)
VALUES ($1, $2, 0, $3, $4, $5)
ON CONFLICT (actor_key, module) DO NOTHING`
		if _, err := tx.ExecContext(ctx, insert, p.Key.ActorKey, p.Key.Module, start, end, p.Now); err != nil {
			return ratelimit.Outcome{}, fmt.Errorf("create window: %w", err)
		}
	}

	state, err := selectWindowForUpdate(ctx, tx, p.Key)
	if err != nil {
		return ratelimit.Outcome{}, err
	}

	out := state.Apply(p)

	if out.Dirty {
		const update = `
UPDATE rate_limit_windows
SET count = $3, window_start = $4, window_end = $5, blocked_until = $6, updated_at = $7
WHERE actor_key = $1 AND module = $2`
		if _, err := tx.ExecContext(ctx, update,
			p.Key.ActorKey, p.Key.Module,
			out.State.Count, out.State.WindowStart, out.State.WindowEnd,
			nullTime(out.State.BlockedUntil), p.Now,
		); err != nil {
			return ratelimit.Outcome{}, fmt.Errorf("update window: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ratelimit.Outcome{}, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// selectWindowForUpdate locks and reads the row for key.
// A missing row yields the zero state, which Apply treats as a fresh window.
func selectWindowForUpdate(ctx context.Context, tx *sql.Tx, key ratelimit.Key) (ratelimit.WindowState, error) {
	const query = `
SELECT count, window_start, window_end, blocked_until
FROM rate_limit_windows
WHERE actor_key = $1 AND module = $2
FOR UPDATE`

	var (
		state   ratelimit.WindowState
		blocked sql.NullTime
	)
	err := tx.QueryRowContext(ctx, query, key.ActorKey, key.Module).Scan(
		&state.Count, &state.WindowStart, &state.WindowEnd, &blocked,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ratelimit.WindowState{}, nil
	}
	if err != nil {
		return ratelimit.WindowState{}, fmt.Errorf("select window: %w", err)
	}

	state.WindowStart = state.WindowStart.UTC()
	state.WindowEnd = state.WindowEnd.UTC()
	if blocked.Valid {
		until := blocked.Time.UTC()
		state.BlockedUntil = &until
	}
	return state, nil
}

// ResetCache deletes the rows matching f. An empty filter deletes every row.
func (s *WindowStore) ResetCache(ctx context.Context, f ratelimit.ResetFilter) error {
	var (
		conds []string
		args  []any
	)
	if f.ActorKey != "" {
		args = append(args, f.ActorKey)
		conds = append(conds, fmt.Sprintf("actor_key = $%d", len(args)))
	}
	if f.Module != "" {
		args = append(args, f.Module)
		conds = append(conds, fmt.Sprintf("module = $%d", len(args)))
	}

	query := "DELETE FROM rate_limit_windows"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("ResetCache: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		s.logger.Info("rate limit windows reset",
			slog.String("actor_key", f.ActorKey),
			slog.String("module", f.Module),
			slog.Int64("rows", n))
	}
	return nil
}

// PurgeExpired deletes rows whose window ended before before and which hold
// no block still active at now. A missing row is equivalent to an empty
// window, so purging never changes a decision.
func (s *WindowStore) PurgeExpired(ctx context.Context, before, now time.Time) (int64, error) {
	const query = `
DELETE FROM rate_limit_windows
WHERE window_end < $1
  AND (blocked_until IS NULL OR blocked_until <= $2)`

	res, err := s.db.ExecContext(ctx, query, before, now)
	if err != nil {
		return 0, fmt.Errorf("PurgeExpired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("PurgeExpired: rows affected: %w", err)
	}
	return n, nil
}

// Ping reports whether the database is reachable.
func (s *WindowStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("Ping: %w", err)
	}
	return nil
}

// Shutdown is a no-op: the *sql.DB is owned by the caller.
func (s *WindowStore) Shutdown(ctx context.Context) {
	s.logger.DebugContext(ctx, "postgres window store shutdown")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
