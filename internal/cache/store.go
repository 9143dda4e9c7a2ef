// Package cache is a size- and time-bounded in-memory result cache.
//
// Entries carry a JSON-derived size, an optional expiry and access
// statistics. When an insert would exceed the item or memory limit, entries
// are evicted in descending order of
//
//	idle_seconds * size_kb / ln(1 + access_count)
//
// so stale, large and cold entries go first. The sum of entry sizes always
// equals the tracked memory usage.
package cache

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KYBvWHxW/mcp-translation-server/internal/clock"
	"github.com/KYBvWHxW/mcp-translation-server/internal/config"
	"github.com/KYBvWHxW/mcp-translation-server/internal/metrics"
	"github.com/KYBvWHxW/mcp-translation-server/internal/models"
)

// Config bounds a Store. Zero limits are unbounded; a zero DefaultTTL means
// entries never expire unless given a TTL.
type Config struct {
	MaxItems       int
	MaxMemoryBytes int64
	MaxItemBytes   int64
	DefaultTTL     time.Duration
	SweepInterval  time.Duration
}

func FromConfig(cfg config.CacheConfig) Config {
	return Config{
		MaxItems:       cfg.MaxItems,
		MaxMemoryBytes: cfg.MaxMemoryBytes,
		MaxItemBytes:   cfg.MaxItemBytes,
		DefaultTTL:     cfg.DefaultTTL,
		SweepInterval:  cfg.SweepInterval,
	}
}

type Option[V any] func(*Store[V])

func WithClock[V any](clk clock.Clock) Option[V] {
	return func(s *Store[V]) {
		if clk != nil {
			s.clock = clk
		}
	}
}

func WithLogger[V any](logger *zap.Logger) Option[V] {
	return func(s *Store[V]) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics[V any](m *metrics.Collector) Option[V] {
	return func(s *Store[V]) {
		s.metrics = m
	}
}

// WithPersister makes the sweeper snapshot the cache after each run.
func WithPersister[V any](p Persister[V]) Option[V] {
	return func(s *Store[V]) {
		s.persister = p
	}
}

type Store[V any] struct {
	cfg       Config
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Collector
	persister Persister[V]

	mu     sync.Mutex
	items  map[string]*Item[V]
	memory int64
	stats  Stats

	startOnce sync.Once
	closeOnce sync.Once
	running   bool
	shutdown  chan struct{}
	done      chan struct{}
}

func New[V any](cfg Config, opts ...Option[V]) *Store[V] {
	s := &Store[V]{
		cfg:      cfg,
		clock:    clock.NewSystem(),
		logger:   zap.NewNop(),
		items:    make(map[string]*Item[V]),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.With(zap.String("component", "cache"))
	return s
}

// Get returns the value for key. Expired entries are removed and reported
// as a miss.
func (s *Store[V]) Get(key string) (V, bool) {
	var zero V
	now := s.clock.Now()

	s.mu.Lock()
	it, ok := s.items[key]
	if !ok {
		s.stats.Misses++
		s.mu.Unlock()
		s.metrics.CacheMiss()
		return zero, false
	}
	if it.expired(now) {
		s.removeLocked(key, it)
		s.stats.Misses++
		s.stats.Expirations++
		items, mem := len(s.items), s.memory
		s.mu.Unlock()
		s.metrics.CacheMiss()
		s.metrics.CacheExpired(1)
		s.metrics.CacheSize(items, mem)
		return zero, false
	}
	it.AccessCount++
	it.LastAccess = now
	value := it.Value
	s.stats.Hits++
	s.mu.Unlock()

	s.metrics.CacheHit()
	return value, true
}

// Set stores value under key with the default TTL.
func (s *Store[V]) Set(key string, value V) error {
	return s.SetWithTTL(key, value, s.cfg.DefaultTTL)
}

// SetWithTTL stores value under key; ttl <= 0 means no expiry. Any previous
// entry for key is replaced entirely, including its access statistics.
func (s *Store[V]) SetWithTTL(key string, value V, ttl time.Duration) error {
	size, err := sizeOf(value)
	if err != nil {
		return err
	}
	if err := s.checkSize(key, size); err != nil {
		return err
	}

	now := s.clock.Now()
	it := &Item[V]{
		Key:        key,
		Value:      value,
		LastAccess: now,
		CreatedAt:  now,
		SizeBytes:  size,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		it.Expiry = &exp
	}

	s.mu.Lock()
	evicted := s.insertLocked(it, now)
	items, mem := len(s.items), s.memory
	s.mu.Unlock()

	s.metrics.CacheEvicted(evicted)
	s.metrics.CacheSize(items, mem)
	return nil
}

func (s *Store[V]) checkSize(key string, size int64) error {
	if s.cfg.MaxItemBytes > 0 && size > s.cfg.MaxItemBytes {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", models.ErrCacheItemTooLarge, key, size, s.cfg.MaxItemBytes)
	}
	if s.cfg.MaxMemoryBytes > 0 && size > s.cfg.MaxMemoryBytes {
		return fmt.Errorf("%w: %s is %d bytes, cache holds %d", models.ErrCacheItemTooLarge, key, size, s.cfg.MaxMemoryBytes)
	}
	return nil
}

// insertLocked drops any previous entry for it.Key, evicts until it fits and
// stores it. Callers hold s.mu.
func (s *Store[V]) insertLocked(it *Item[V], now time.Time) int {
	if prev, ok := s.items[it.Key]; ok {
		s.removeLocked(it.Key, prev)
	}
	evicted := s.evictLocked(it.SizeBytes, now)
	s.items[it.Key] = it
	s.memory += it.SizeBytes
	return evicted
}

func (s *Store[V]) fitsLocked(size int64) bool {
	if s.cfg.MaxMemoryBytes > 0 && s.memory+size > s.cfg.MaxMemoryBytes {
		return false
	}
	if s.cfg.MaxItems > 0 && len(s.items) >= s.cfg.MaxItems {
		return false
	}
	return true
}

func (s *Store[V]) evictLocked(size int64, now time.Time) int {
	if s.fitsLocked(size) {
		return 0
	}
	candidates := make([]candidate, 0, len(s.items))
	for key, it := range s.items {
		candidates = append(candidates, candidate{
			key:        key,
			score:      score(now, it.LastAccess, it.AccessCount, it.SizeBytes),
			lastAccess: it.LastAccess,
		})
	}
	slices.SortFunc(candidates, compareCandidates)

	evicted := 0
	for _, c := range candidates {
		if s.fitsLocked(size) {
			break
		}
		s.removeLocked(c.key, s.items[c.key])
		evicted++
	}
	s.stats.Evictions += int64(evicted)
	if evicted > 0 {
		s.logger.Debug("evicted cache entries", zap.Int("count", evicted), zap.Int64("memory", s.memory))
	}
	return evicted
}

func (s *Store[V]) removeLocked(key string, it *Item[V]) {
	delete(s.items, key)
	s.memory -= it.SizeBytes
	if s.memory < 0 {
		panic(fmt.Sprintf("cache: negative memory usage %d after removing %q", s.memory, key))
	}
}

func (s *Store[V]) Remove(key string) bool {
	s.mu.Lock()
	it, ok := s.items[key]
	if ok {
		s.removeLocked(key, it)
	}
	items, mem := len(s.items), s.memory
	s.mu.Unlock()

	if ok {
		s.metrics.CacheSize(items, mem)
	}
	return ok
}

func (s *Store[V]) Clear() {
	s.mu.Lock()
	s.items = make(map[string]*Item[V])
	s.memory = 0
	s.mu.Unlock()
	s.metrics.CacheSize(0, 0)
}

// ClearPrefix removes every entry whose key starts with prefix.
func (s *Store[V]) ClearPrefix(prefix string) int {
	s.mu.Lock()
	removed := 0
	for key, it := range s.items {
		if strings.HasPrefix(key, prefix) {
			s.removeLocked(key, it)
			removed++
		}
	}
	items, mem := len(s.items), s.memory
	s.mu.Unlock()

	if removed > 0 {
		s.metrics.CacheSize(items, mem)
	}
	return removed
}

// SetTTL resets the expiry of an existing entry to now+ttl, or clears it
// when ttl <= 0. It reports whether the key was present and unexpired.
func (s *Store[V]) SetTTL(key string, ttl time.Duration) bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[key]
	if !ok || it.expired(now) {
		return false
	}
	if ttl <= 0 {
		it.Expiry = nil
		return true
	}
	exp := now.Add(ttl)
	it.Expiry = &exp
	return true
}

func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store[V]) MemoryUsage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memory
}

func (s *Store[V]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Items = len(s.items)
	st.MemoryBytes = s.memory
	return st
}

// Items returns copies of all live entries.
func (s *Store[V]) Items() []Item[V] {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Item[V], 0, len(s.items))
	for _, it := range s.items {
		if it.expired(now) {
			continue
		}
		cp := *it
		if it.Expiry != nil {
			exp := *it.Expiry
			cp.Expiry = &exp
		}
		out = append(out, cp)
	}
	return out
}

// SweepExpired removes every expired entry and returns how many went.
func (s *Store[V]) SweepExpired() int {
	now := s.clock.Now()
	s.mu.Lock()
	removed := 0
	for key, it := range s.items {
		if it.expired(now) {
			s.removeLocked(key, it)
			removed++
		}
	}
	s.stats.Expirations += int64(removed)
	items, mem := len(s.items), s.memory
	s.mu.Unlock()

	s.metrics.CacheExpired(removed)
	s.metrics.CacheSize(items, mem)
	return removed
}

func sizeOf(v any) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("measure cache value: %w", err)
	}
	return int64(len(data)), nil
}
