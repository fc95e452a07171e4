package ratelimit

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryStore is a thread-safe in-process implementation of Store.
//
// It keeps one WindowState per key and bounds memory with an LRU eviction
// policy. State is lost on restart and is not shared between processes, so
// it is meant for local development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	states  map[Key]*WindowState
	maxKeys int
	clock   Clock
	metrics Metrics
	logger  *slog.Logger

	lruList *lruList
}

// lruList maintains a doubly-linked list of keys ordered by last access time.
type lruList struct {
	head *lruNode
	tail *lruNode
	keys map[Key]*lruNode
}

type lruNode struct {
	key  Key
	prev *lruNode
	next *lruNode
}

// MemoryStoreConfig holds configuration for MemoryStore.
type MemoryStoreConfig struct {
	// MaxKeys is the maximum number of keys to hold.
	// When this limit is reached, the least recently used keys are evicted.
	// Default: 10000
	MaxKeys int

	// Default: SystemClock
	Clock Clock

	// Default: NoOpMetrics
	Metrics Metrics

	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultMemoryStoreConfig returns the default configuration.
func DefaultMemoryStoreConfig() MemoryStoreConfig {
	return MemoryStoreConfig{
		MaxKeys: 10000,
		Clock:   &SystemClock{},
	}
}

// NewMemoryStore creates a new in-memory store with the given configuration.
func NewMemoryStore(config MemoryStoreConfig) *MemoryStore {
	if config.MaxKeys <= 0 {
		config.MaxKeys = 10000
	}
	if config.Clock == nil {
		config.Clock = &SystemClock{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoOpMetrics{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &MemoryStore{
		states:  make(map[Key]*WindowState),
		maxKeys: config.MaxKeys,
		clock:   config.Clock,
		metrics: config.Metrics,
		logger:  config.Logger,
		lruList: newLRUList(),
	}
}

func newLRUList() *lruList {
	return &lruList{
		keys: make(map[Key]*lruNode),
	}
}

// Consume evaluates one request under the store lock.
func (s *MemoryStore) Consume(ctx context.Context, p ConsumeParams) (*ConsumeResult, *Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if p.Now.IsZero() {
		p.Now = s.clock.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current WindowState
	existing, exists := s.states[p.Key]
	if exists {
		current = *existing
	}

	out := current.Apply(p)
	if !out.Dirty {
		return out.Result, nil, nil
	}

	if !exists && len(s.states) >= s.maxKeys {
		s.evictLRU()
	}
	next := out.State
	s.states[p.Key] = &next
	s.lruList.touch(p.Key)
	s.metrics.SetActiveKeys("memory", len(s.states))

	return out.Result, out.Event, nil
}

// ResetCache removes all keys matching the filter.
func (s *MemoryStore) ResetCache(ctx context.Context, f ResetFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.states {
		if f.Matches(key) {
			delete(s.states, key)
			s.lruList.remove(key)
			removed++
		}
	}
	s.metrics.SetActiveKeys("memory", len(s.states))
	s.logger.Debug("memory store reset",
		slog.String("module", f.Module),
		slog.String("actor_key", f.ActorKey),
		slog.Int("removed", removed))
	return nil
}

// Shutdown drops all state.
func (s *MemoryStore) Shutdown(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[Key]*WindowState)
	s.lruList = newLRUList()
}

// KeyCount returns the number of keys currently held.
func (s *MemoryStore) KeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// State returns a copy of the stored state for key.
func (s *MemoryStore) State(key Key) (WindowState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		return WindowState{}, false
	}
	return *st, true
}

// evictLRU evicts 10% of the keys to avoid frequent evictions.
//
// This method must be called while holding the lock.
func (s *MemoryStore) evictLRU() {
	evictCount := s.maxKeys / 10
	if evictCount < 1 {
		evictCount = 1
	}

	evicted := 0
	for evicted < evictCount && s.lruList.tail != nil {
		key := s.lruList.tail.key
		delete(s.states, key)
		s.lruList.remove(key)
		evicted++
	}
	s.metrics.RecordEviction("memory", evicted)
}

// touch moves key to the front (most recently used position).
func (l *lruList) touch(key Key) {
	if _, exists := l.keys[key]; exists {
		l.remove(key)
	}

	node := &lruNode{
		key:  key,
		next: l.head,
	}
	if l.head != nil {
		l.head.prev = node
	}
	l.head = node
	if l.tail == nil {
		l.tail = node
	}
	l.keys[key] = node
}

func (l *lruList) remove(key Key) {
	node, exists := l.keys[key]
	if !exists {
		return
	}

	if node.prev != nil {
		node.prev.next = node.next
	} else {
		l.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		l.tail = node.prev
	}

	delete(l.keys, key)
}
