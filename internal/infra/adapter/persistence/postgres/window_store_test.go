package postgres_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jackc/pgx/v5/pgconn"

	"ratelimit-engine/internal/infra/adapter/persistence/postgres"
	"ratelimit-engine/internal/resilience/retry"
	"ratelimit-engine/pkg/ratelimit"
)

/* ──────────────────────────────── helpers ──────────────────────────────── */

var (
	baseTime    = time.Date(2025, 1, 1, 12, 0, 30, 0, time.UTC)
	windowStart = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	windowEnd   = windowStart.Add(time.Minute)
	testKey     = ratelimit.Key{ActorKey: "user-1", Module: "chat"}
)

const (
	insertSQL = `INSERT INTO rate_limit_windows`
	selectSQL = `SELECT count, window_start, window_end, blocked_until`
	updateSQL = `UPDATE rate_limit_windows`
)

// timeArg matches a time.Time argument by instant rather than representation.
type timeArg time.Time

func (a timeArg) Match(v driver.Value) bool {
	t, ok := v.(time.Time)
	return ok && t.Equal(time.Time(a))
}

func enforceConfig() ratelimit.RateLimitConfig {
	return ratelimit.RateLimitConfig{
		MaxRequests:   3,
		Window:        time.Minute,
		BlockDuration: 5 * time.Minute,
		WarnThreshold: 1,
		Mode:          ratelimit.ModeEnforce,
	}
}

func params(cfg ratelimit.RateLimitConfig, increment bool) ratelimit.ConsumeParams {
	return ratelimit.ConsumeParams{
		Key:       testKey,
		Config:    cfg,
		Increment: increment,
		Now:       baseTime,
		Actor:     ratelimit.Actor{UserID: "user-1"},
	}
}

func windowRow(count int, start, end time.Time, blockedUntil any) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"count", "window_start", "window_end", "blocked_until"}).
		AddRow(count, start, end, blockedUntil)
}

func newStore(t *testing.T) (*postgres.WindowStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := postgres.NewWindowStore(db, postgres.WindowStoreConfig{
		Retry: retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	})
	return store, mock
}

func expectInsert(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta(insertSQL)).
		WithArgs(testKey.ActorKey, testKey.Module, timeArg(windowStart), timeArg(windowEnd), timeArg(baseTime)).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectSelect(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery(regexp.QuoteMeta(selectSQL)).
		WithArgs(testKey.ActorKey, testKey.Module).
		WillReturnRows(rows)
}

var ignoreEventID = cmpopts.IgnoreFields(ratelimit.Event{}, "ID")

/* ──────────────────────────────── 1. Consume ──────────────────────────────── */

func TestWindowStore_Consume_FirstRequest(t *testing.T) {
	store, mock := newStore(t)

	mock.ExpectBegin()
	expectInsert(mock)
	expectSelect(mock, windowRow(0, windowStart, windowEnd, nil))
	mock.ExpectExec(regexp.QuoteMeta(updateSQL)).
		WithArgs(testKey.ActorKey, testKey.Module, 1, timeArg(windowStart), timeArg(windowEnd), nil, timeArg(baseTime)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, ev, err := store.Consume(context.Background(), params(enforceConfig(), true))
	if err != nil {
		t.Fatalf("Consume err=%v", err)
	}

	want := &ratelimit.ConsumeResult{Allowed: true, Remaining: 2, ResetTime: windowEnd}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	if ev != nil {
		t.Fatalf("unexpected event %+v", ev)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWindowStore_Consume_WarningEdge(t *testing.T) {
	store, mock := newStore(t)

	// remaining goes 2 -> 1 with WarnThreshold=1
	mock.ExpectBegin()
	expectInsert(mock)
	expectSelect(mock, windowRow(1, windowStart, windowEnd, nil))
	mock.ExpectExec(regexp.QuoteMeta(updateSQL)).
		WithArgs(testKey.ActorKey, testKey.Module, 2, timeArg(windowStart), timeArg(windowEnd), nil, timeArg(baseTime)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, ev, err := store.Consume(context.Background(), params(enforceConfig(), true))
	if err != nil {
		t.Fatalf("Consume err=%v", err)
	}
	if got.Warning == nil || got.Warning.Remaining != 1 {
		t.Fatalf("expected warning with remaining=1, got %+v", got.Warning)
	}
	if ev == nil || ev.Type != ratelimit.EventWarning {
		t.Fatalf("expected warning event, got %+v", ev)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWindowStore_Consume_BlockOnFirstCrossing(t *testing.T) {
	store, mock := newStore(t)
	blockedUntil := baseTime.Add(5 * time.Minute)

	mock.ExpectBegin()
	expectInsert(mock)
	expectSelect(mock, windowRow(3, windowStart, windowEnd, nil))
	mock.ExpectExec(regexp.QuoteMeta(updateSQL)).
		WithArgs(testKey.ActorKey, testKey.Module, 4, timeArg(windowStart), timeArg(windowEnd), timeArg(blockedUntil), timeArg(baseTime)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, ev, err := store.Consume(context.Background(), params(enforceConfig(), true))
	if err != nil {
		t.Fatalf("Consume err=%v", err)
	}

	want := &ratelimit.ConsumeResult{Allowed: false, Remaining: 0, ResetTime: windowEnd, BlockedUntil: &blockedUntil}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}

	wantEv := &ratelimit.Event{
		Module:       "chat",
		ActorKey:     "user-1",
		Actor:        ratelimit.Actor{UserID: "user-1"},
		Type:         ratelimit.EventBlock,
		Mode:         ratelimit.ModeEnforce,
		Count:        4,
		MaxRequests:  3,
		WindowStart:  windowStart,
		WindowEnd:    windowEnd,
		BlockedUntil: &blockedUntil,
		OccurredAt:   baseTime,
	}
	if diff := cmp.Diff(wantEv, ev, ignoreEventID); diff != "" {
		t.Fatalf("event mismatch (-want +got):\n%s", diff)
	}
	if ev.ID == "" {
		t.Fatal("event ID is empty")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWindowStore_Consume_DeniedWhileBlocked(t *testing.T) {
	store, mock := newStore(t)
	blockedUntil := baseTime.Add(2 * time.Minute)

	mock.ExpectBegin()
	expectInsert(mock)
	expectSelect(mock, windowRow(4, windowStart, windowEnd, blockedUntil))
	mock.ExpectCommit()

	got, ev, err := store.Consume(context.Background(), params(enforceConfig(), true))
	if err != nil {
		t.Fatalf("Consume err=%v", err)
	}
	if got.Allowed || got.Remaining != 0 {
		t.Fatalf("expected denial, got %+v", got)
	}
	if got.BlockedUntil == nil || !got.BlockedUntil.Equal(blockedUntil) {
		t.Fatalf("BlockedUntil=%v want %v", got.BlockedUntil, blockedUntil)
	}
	if ev != nil {
		t.Fatalf("no event expected while already blocked, got %+v", ev)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWindowStore_Consume_ExtendBlock(t *testing.T) {
	store, mock := newStore(t)
	cfg := enforceConfig()
	cfg.ExtendBlock = true
	current := baseTime.Add(time.Minute)
	extended := baseTime.Add(5 * time.Minute)

	mock.ExpectBegin()
	expectInsert(mock)
	expectSelect(mock, windowRow(4, windowStart, windowEnd, current))
	mock.ExpectExec(regexp.QuoteMeta(updateSQL)).
		WithArgs(testKey.ActorKey, testKey.Module, 4, timeArg(windowStart), timeArg(windowEnd), timeArg(extended), timeArg(baseTime)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, _, err := store.Consume(context.Background(), params(cfg, true))
	if err != nil {
		t.Fatalf("Consume err=%v", err)
	}
	if got.Allowed || got.BlockedUntil == nil || !got.BlockedUntil.Equal(extended) {
		t.Fatalf("expected extended denial until %v, got %+v", extended, got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWindowStore_Consume_ExpiredWindowKeepsActiveBlock(t *testing.T) {
	store, mock := newStore(t)
	prevStart := windowStart.Add(-time.Minute)
	blockedUntil := baseTime.Add(3 * time.Minute)

	mock.ExpectBegin()
	expectInsert(mock)
	expectSelect(mock, windowRow(9, prevStart, windowStart, blockedUntil))
	mock.ExpectExec(regexp.QuoteMeta(updateSQL)).
		WithArgs(testKey.ActorKey, testKey.Module, 0, timeArg(windowStart), timeArg(windowEnd), timeArg(blockedUntil), timeArg(baseTime)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, _, err := store.Consume(context.Background(), params(enforceConfig(), true))
	if err != nil {
		t.Fatalf("Consume err=%v", err)
	}
	if got.Allowed {
		t.Fatalf("expected denial while block is active, got %+v", got)
	}
	if !got.ResetTime.Equal(windowEnd) {
		t.Fatalf("ResetTime=%v want %v", got.ResetTime, windowEnd)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWindowStore_Consume_MonitorClearsBlock(t *testing.T) {
	store, mock := newStore(t)
	cfg := enforceConfig()
	cfg.Mode = ratelimit.ModeMonitor

	mock.ExpectBegin()
	expectInsert(mock)
	expectSelect(mock, windowRow(1, windowStart, windowEnd, baseTime.Add(time.Minute)))
	mock.ExpectExec(regexp.QuoteMeta(updateSQL)).
		WithArgs(testKey.ActorKey, testKey.Module, 2, timeArg(windowStart), timeArg(windowEnd), nil, timeArg(baseTime)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, _, err := store.Consume(context.Background(), params(cfg, true))
	if err != nil {
		t.Fatalf("Consume err=%v", err)
	}
	if !got.Allowed || got.BlockedUntil != nil {
		t.Fatalf("monitor mode must allow and clear the block, got %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWindowStore_Consume_MonitorExceeded(t *testing.T) {
	store, mock := newStore(t)
	cfg := enforceConfig()
	cfg.Mode = ratelimit.ModeMonitor

	mock.ExpectBegin()
	expectInsert(mock)
	expectSelect(mock, windowRow(3, windowStart, windowEnd, nil))
	mock.ExpectExec(regexp.QuoteMeta(updateSQL)).
		WithArgs(testKey.ActorKey, testKey.Module, 4, timeArg(windowStart), timeArg(windowEnd), nil, timeArg(baseTime)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, ev, err := store.Consume(context.Background(), params(cfg, true))
	if err != nil {
		t.Fatalf("Consume err=%v", err)
	}

	want := &ratelimit.ConsumeResult{
		Allowed:   true,
		Remaining: 0,
		ResetTime: windowEnd,
		Warning:   &ratelimit.Warning{Remaining: 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	if ev == nil || ev.Type != ratelimit.EventBlock || ev.Mode != ratelimit.ModeMonitor || ev.BlockedUntil != nil {
		t.Fatalf("expected would-block event, got %+v", ev)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

/* ──────────────────────────────── 2. Peek ──────────────────────────────── */

func TestWindowStore_Peek_MissingRow(t *testing.T) {
	store, mock := newStore(t)

	// no INSERT and no UPDATE: peeking never creates or mutates a row
	mock.ExpectBegin()
	expectSelect(mock, sqlmock.NewRows([]string{"count", "window_start", "window_end", "blocked_until"}))
	mock.ExpectCommit()

	got, ev, err := store.Consume(context.Background(), params(enforceConfig(), false))
	if err != nil {
		t.Fatalf("Peek err=%v", err)
	}
	want := &ratelimit.ConsumeResult{Allowed: true, Remaining: 3, ResetTime: windowEnd}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	if ev != nil {
		t.Fatalf("peek produced event %+v", ev)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWindowStore_Peek_ReportsWarning(t *testing.T) {
	store, mock := newStore(t)

	mock.ExpectBegin()
	expectSelect(mock, windowRow(2, windowStart, windowEnd, nil))
	mock.ExpectCommit()

	got, _, err := store.Consume(context.Background(), params(enforceConfig(), false))
	if err != nil {
		t.Fatalf("Peek err=%v", err)
	}
	if got.Remaining != 1 || got.Warning == nil || got.Warning.Remaining != 1 {
		t.Fatalf("expected remaining=1 with warning, got %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

/* ──────────────────────────────── 3. Errors ──────────────────────────────── */

func TestWindowStore_Consume_RetriesSerializationFailure(t *testing.T) {
	store, mock := newStore(t)
	conflict := &pgconn.PgError{Code: "40001", Message: "could not serialize access"}

	mock.ExpectBegin()
	expectInsert(mock)
	expectSelect(mock, windowRow(0, windowStart, windowEnd, nil))
	mock.ExpectExec(regexp.QuoteMeta(updateSQL)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(conflict)

	mock.ExpectBegin()
	expectInsert(mock)
	expectSelect(mock, windowRow(1, windowStart, windowEnd, nil))
	mock.ExpectExec(regexp.QuoteMeta(updateSQL)).
		WithArgs(testKey.ActorKey, testKey.Module, 2, timeArg(windowStart), timeArg(windowEnd), nil, timeArg(baseTime)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, _, err := store.Consume(context.Background(), params(enforceConfig(), true))
	if err != nil {
		t.Fatalf("Consume err=%v", err)
	}
	if got.Remaining != 1 {
		t.Fatalf("Remaining=%d want 1", got.Remaining)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWindowStore_Consume_PropagatesErrors(t *testing.T) {
	store, mock := newStore(t)
	dbErr := errors.New("relation does not exist")

	mock.ExpectBegin()
	expectInsert(mock)
	mock.ExpectQuery(regexp.QuoteMeta(selectSQL)).WillReturnError(dbErr)
	mock.ExpectRollback()

	got, ev, err := store.Consume(context.Background(), params(enforceConfig(), true))
	if !errors.Is(err, dbErr) {
		t.Fatalf("err=%v want wrapped %v", err, dbErr)
	}
	if got != nil || ev != nil {
		t.Fatalf("expected nil result and event on error, got %+v %+v", got, ev)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWindowStore_Consume_BeginError(t *testing.T) {
	store, mock := newStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	if _, _, err := store.Consume(context.Background(), params(enforceConfig(), true)); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWindowStore_Consume_AppliesConfigDefaults(t *testing.T) {
	store, mock := newStore(t)
	// BlockDuration and Mode unset: the block lasts one window, enforced.
	cfg := ratelimit.RateLimitConfig{MaxRequests: 3, Window: time.Minute}
	blockedUntil := baseTime.Add(time.Minute)

	mock.ExpectBegin()
	expectInsert(mock)
	expectSelect(mock, windowRow(3, windowStart, windowEnd, nil))
	mock.ExpectExec(regexp.QuoteMeta(updateSQL)).
		WithArgs(testKey.ActorKey, testKey.Module, 4, timeArg(windowStart), timeArg(windowEnd), timeArg(blockedUntil), timeArg(baseTime)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, ev, err := store.Consume(context.Background(), params(cfg, true))
	if err != nil {
		t.Fatalf("Consume err=%v", err)
	}
	if got.Allowed {
		t.Fatal("expected the request to be denied")
	}
	if got.BlockedUntil == nil || !got.BlockedUntil.Equal(blockedUntil) {
		t.Fatalf("BlockedUntil=%v want %v", got.BlockedUntil, blockedUntil)
	}
	if ev == nil || ev.Mode != ratelimit.ModeEnforce {
		t.Fatalf("event=%+v want enforce-mode block", ev)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

/* ──────────────────────────────── 4. ResetCache ──────────────────────────────── */

func TestWindowStore_ResetCache(t *testing.T) {
	tests := []struct {
		name   string
		filter ratelimit.ResetFilter
		query  string
		args   []driver.Value
	}{
		{
			name:   "exact key",
			filter: ratelimit.ResetFilter{ActorKey: "user-1", Module: "chat"},
			query:  `DELETE FROM rate_limit_windows WHERE actor_key = $1 AND module = $2`,
			args:   []driver.Value{"user-1", "chat"},
		},
		{
			name:   "module wide",
			filter: ratelimit.ResetFilter{Module: "chat"},
			query:  `DELETE FROM rate_limit_windows WHERE module = $1`,
			args:   []driver.Value{"chat"},
		},
		{
			name:   "actor across modules",
			filter: ratelimit.ResetFilter{ActorKey: "user-1"},
			query:  `DELETE FROM rate_limit_windows WHERE actor_key = $1`,
			args:   []driver.Value{"user-1"},
		},
		{
			name:   "global",
			filter: ratelimit.ResetFilter{},
			query:  `DELETE FROM rate_limit_windows`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newStore(t)

			exp := mock.ExpectExec("^" + regexp.QuoteMeta(tt.query) + "$")
			if len(tt.args) > 0 {
				exp = exp.WithArgs(tt.args...)
			}
			exp.WillReturnResult(sqlmock.NewResult(0, 3))

			if err := store.ResetCache(context.Background(), tt.filter); err != nil {
				t.Fatalf("ResetCache err=%v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestWindowStore_ResetCache_Error(t *testing.T) {
	store, mock := newStore(t)
	mock.ExpectExec(`DELETE FROM rate_limit_windows`).WillReturnError(errors.New("connection refused"))

	if err := store.ResetCache(context.Background(), ratelimit.ResetFilter{Module: "chat"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestWindowStore_PurgeExpired(t *testing.T) {
	store, mock := newStore(t)
	before := baseTime.Add(-time.Hour)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM rate_limit_windows
WHERE window_end < $1
  AND (blocked_until IS NULL OR blocked_until <= $2)`)).
		WithArgs(timeArg(before), timeArg(baseTime)).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := store.PurgeExpired(context.Background(), before, baseTime)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 42 {
		t.Errorf("expected 42 rows purged, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestWindowStore_PurgeExpired_Error(t *testing.T) {
	store, mock := newStore(t)
	mock.ExpectExec(`DELETE FROM rate_limit_windows`).WillReturnError(errors.New("connection refused"))

	if _, err := store.PurgeExpired(context.Background(), baseTime, baseTime); err == nil {
		t.Fatal("expected error")
	}
}

/* ──────────────────────────────── 5. Ping / Shutdown ──────────────────────────────── */

func TestWindowStore_PingAndShutdown(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("down"))

	store := postgres.NewWindowStore(db, postgres.WindowStoreConfig{})
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping err=%v", err)
	}
	if err := store.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error")
	}

	// Shutdown must not touch the pool.
	store.Shutdown(context.Background())
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
