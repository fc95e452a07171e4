// Package redisstore implements ratelimit.Store on top of Redis.
//
// Each (actor, module) key is held in two entries: a counter that expires
// with the window and a block flag that expires with the block. A short-lived
// marker per window bucket makes sure only one of several racing callers
// emits the block event.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ratelimit-engine/pkg/ratelimit"
)

// ErrStoreClosed is returned when the store is used after Shutdown.
var ErrStoreClosed = errors.New("redis store closed")

// Config holds configuration for Store.
type Config struct {
	// URL is a redis:// or rediss:// connection URL.
	URL string

	// KeyPrefix namespaces every key written by the store.
	// Default: "ratelimit"
	KeyPrefix string

	// ScanBatch is the COUNT hint of each SCAN page during ResetCache.
	// Default: 500
	ScanBatch int64

	// Default: SystemClock
	Clock ratelimit.Clock

	// Default: slog.Default()
	Logger *slog.Logger
}

// Store is the Redis-backed rate limit store.
//
// The connection is established lazily on first use. A failed connection
// attempt is returned as an error and retried on the next call.
type Store struct {
	url       string
	keys      keyspace
	scanBatch int64
	clock     ratelimit.Clock
	logger    *slog.Logger

	mu     sync.Mutex
	client *redis.Client
	closed bool
}

// New creates a Store. It performs no I/O.
func New(cfg Config) *Store {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ratelimit"
	}
	if cfg.ScanBatch <= 0 {
		cfg.ScanBatch = 500
	}
	if cfg.Clock == nil {
		cfg.Clock = &ratelimit.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		url:       cfg.URL,
		keys:      keyspace{prefix: cfg.KeyPrefix},
		scanBatch: cfg.ScanBatch,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
}

// conn returns the client, connecting on first use.
func (s *Store) conn(ctx context.Context) (*redis.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.client != nil {
		return s.client, nil
	}

	opts, err := redis.ParseURL(s.url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	s.client = client
	s.logger.Info("redis connected", slog.String("addr", opts.Addr), slog.Int("db", opts.DB))
	return client, nil
}

// Ping checks connectivity, connecting first if needed.
func (s *Store) Ping(ctx context.Context) error {
	client, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

// Consume evaluates one request against the counter and block flag.
func (s *Store) Consume(ctx context.Context, p ratelimit.ConsumeParams) (*ratelimit.ConsumeResult, *ratelimit.Event, error) {
	client, err := s.conn(ctx)
	if err != nil {
		return nil, nil, err
	}

	if p.Now.IsZero() {
		p.Now = s.clock.Now()
	}
	p.Config = p.Config.WithDefaults()
	cfg, now := p.Config, p.Now
	countKey, blockKey := s.keys.count(p.Key), s.keys.block(p.Key)

	// Block flag, counter and counter TTL in one round trip.
	pipe := client.Pipeline()
	blockCmd := pipe.Get(ctx, blockKey)
	countCmd := pipe.Get(ctx, countKey)
	ttlCmd := pipe.PTTL(ctx, countKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, fmt.Errorf("read state: %w", err)
	}

	blockedUntil, err := parseBlock(blockCmd)
	if err != nil {
		return nil, nil, err
	}
	windowEnd := now.Add(cfg.Window)
	if ttl := ttlCmd.Val(); ttl > 0 {
		windowEnd = now.Add(ttl)
	}

	if ratelimit.IsBlocking(blockedUntil, now) {
		switch {
		case !p.Increment && cfg.Mode == ratelimit.ModeMonitor:
			// Peeks never write; the block is simply ignored.
		case cfg.Mode == ratelimit.ModeMonitor:
			if err := client.Del(ctx, blockKey).Err(); err != nil {
				return nil, nil, fmt.Errorf("clear block: %w", err)
			}
		default:
			if p.Increment && cfg.ExtendBlock {
				extended := ratelimit.ExtendBlock(*blockedUntil, now, cfg.BlockDuration)
				if extended.After(*blockedUntil) {
					stored, err := s.writeBlock(ctx, client, blockKey, now, extended)
					if err != nil {
						return nil, nil, err
					}
					blockedUntil = &stored
				}
			}
			return ratelimit.DeniedResult(windowEnd, *blockedUntil), nil, nil
		}
	}

	if !p.Increment {
		count, err := countCmd.Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, nil, fmt.Errorf("parse count: %w", err)
		}
		return ratelimit.PeekResult(cfg, count, windowEnd), nil, nil
	}

	reply, err := incrScript.Run(ctx, client, []string{countKey}, cfg.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, nil, fmt.Errorf("increment: %w", err)
	}
	if len(reply) != 2 {
		return nil, nil, fmt.Errorf("increment: unexpected reply %v", reply)
	}
	after, ttl := int(reply[0]), time.Duration(reply[1])*time.Millisecond

	windowEnd = now.Add(ttl)
	windowStart := windowEnd.Add(-cfg.Window)
	tr := ratelimit.Evaluate(cfg, after-1, after)

	var written *time.Time
	if tr.Exceeded && cfg.Mode == ratelimit.ModeEnforce {
		until, err := s.writeBlock(ctx, client, blockKey, now, now.Add(cfg.BlockDuration))
		if err != nil {
			return nil, nil, err
		}
		written = &until
	}

	result, ev := ratelimit.IncrementResult(p, tr, after, windowStart, windowEnd, written)
	if ev != nil && ev.Type == ratelimit.EventBlock {
		bucket := ratelimit.WindowBucket(windowStart, cfg.Window)
		claimed, err := client.SetNX(ctx, s.keys.dedup(p.Key, bucket), now.UnixMilli(), 2*cfg.Window).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("claim block marker: %w", err)
		}
		if !claimed {
			ev = nil
		}
	}
	return result, ev, nil
}

// incrScript increments the counter and starts its window on the first
// write, so a counter never exists without an expiry.
// KEYS[1] counter, ARGV[1] window in ms. Returns {count, pttl}.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// blockScript stores the later of the current and the requested block end.
// KEYS[1] block flag, ARGV[1] requested end in epoch ms, ARGV[2] its TTL in
// ms. Returns the block end now stored.
var blockScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '')
local want = tonumber(ARGV[1])
if current and current >= want then
  return current
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return want
`)

// writeBlock raises the block flag to until unless a racing caller already
// stored a later end. It returns the effective block end.
func (s *Store) writeBlock(ctx context.Context, client *redis.Client, key string, now, until time.Time) (time.Time, error) {
	ttl := until.Sub(now)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	ms, err := blockScript.Run(ctx, client, []string{key}, until.UnixMilli(), ttl.Milliseconds()).Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("write block: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func parseBlock(cmd *redis.StringCmd) (*time.Time, error) {
	raw, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read block: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse block %q: %w", raw, err)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

// ResetCache deletes every entry matching f with paginated SCAN + UNLINK.
func (s *Store) ResetCache(ctx context.Context, f ratelimit.ResetFilter) error {
	client, err := s.conn(ctx)
	if err != nil {
		return err
	}

	deleted := 0
	for _, pattern := range s.keys.resetPatterns(f) {
		n, err := s.deleteMatching(ctx, client, pattern)
		deleted += n
		if err != nil {
			return fmt.Errorf("reset %q: %w", pattern, err)
		}
	}

	s.logger.Info("redis rate limit cache reset",
		slog.String("module", f.Module),
		slog.String("actor_key", f.ActorKey),
		slog.Int("deleted", deleted))
	return nil
}

// maxResetPasses bounds deleteMatching while live traffic keeps creating
// matching keys.
const maxResetPasses = 5

// deleteMatching unlinks every key matching pattern. Passes restart from
// cursor 0 until one deletes nothing, so keys skipped by a cursor that
// shifted under the deletes are still removed.
func (s *Store) deleteMatching(ctx context.Context, client *redis.Client, pattern string) (int, error) {
	deleted := 0
	for pass := 0; pass < maxResetPasses; pass++ {
		n, err := s.deletePass(ctx, client, pattern)
		deleted += n
		if err != nil || n == 0 {
			return deleted, err
		}
	}
	return deleted, nil
}

func (s *Store) deletePass(ctx context.Context, client *redis.Client, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, s.scanBatch).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			pipe := client.Pipeline()
			for _, k := range keys {
				pipe.Unlink(ctx, k)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return deleted, err
			}
			deleted += len(keys)
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

// Shutdown closes the connection if one was established. Later calls
// return ErrStoreClosed.
func (s *Store) Shutdown(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.client == nil {
		return
	}
	if err := s.client.Close(); err != nil {
		s.logger.Warn("failed to close redis client", slog.Any("error", err))
	}
	s.client = nil
}
