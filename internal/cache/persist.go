package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/KYBvWHxW/mcp-translation-server/internal/config"
)

// Persister saves and reloads cache contents. Persistence is best effort;
// the cache is correct without it.
//
// Values round-trip through JSON. For a Store[any] that means restored values
// are the generic JSON forms (map[string]any, float64, ...), not the concrete
// types that were stored; use a concrete V when callers type-assert values.
type Persister[V any] interface {
	Save(ctx context.Context, items []Item[V]) error
	Load(ctx context.Context) ([]Item[V], error)
}

// Snapshot writes all live entries through the configured persister.
func (s *Store[V]) Snapshot(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	items := s.Items()
	if err := s.persister.Save(ctx, items); err != nil {
		return fmt.Errorf("save cache snapshot: %w", err)
	}
	return nil
}

// Restore loads a snapshot into the store. Entries that expired while
// persisted, or no longer fit the item limit, are skipped.
func (s *Store[V]) Restore(ctx context.Context) (int, error) {
	if s.persister == nil {
		return 0, nil
	}
	items, err := s.persister.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load cache snapshot: %w", err)
	}

	now := s.clock.Now()
	restored, evicted := 0, 0
	s.mu.Lock()
	for i := range items {
		it := items[i]
		if it.Key == "" || it.expired(now) {
			continue
		}
		size, err := sizeOf(it.Value)
		if err != nil {
			s.logger.Warn("skipping unmeasurable cache entry", zap.String("key", it.Key), zap.Error(err))
			continue
		}
		if s.checkSize(it.Key, size) != nil {
			continue
		}
		it.SizeBytes = size
		if it.LastAccess.After(now) {
			it.LastAccess = now
		}
		evicted += s.insertLocked(&it, now)
		restored++
	}
	n, mem := len(s.items), s.memory
	s.mu.Unlock()

	s.metrics.CacheEvicted(evicted)
	s.metrics.CacheSize(n, mem)
	s.logger.Info("cache restored", zap.Int("restored", restored), zap.Int("skipped", len(items)-restored))
	return restored, nil
}

// RedisPersister keeps a snapshot in a single Redis hash, one JSON encoded
// Item per field.
type RedisPersister[V any] struct {
	client *redis.Client
	key    string
}

const defaultPersistenceKey = "mts:cache"

func NewRedisPersister[V any](client *redis.Client, key string) *RedisPersister[V] {
	if key == "" {
		key = defaultPersistenceKey
	}
	return &RedisPersister[V]{client: client, key: key}
}

// DialRedis connects to the configured Redis and verifies it responds.
func DialRedis(ctx context.Context, cfg config.PersistenceConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Save replaces the stored snapshot atomically.
func (p *RedisPersister[V]) Save(ctx context.Context, items []Item[V]) error {
	fields := make(map[string]any, len(items))
	for i := range items {
		data, err := json.Marshal(items[i])
		if err != nil {
			return fmt.Errorf("marshal cache item %s: %w", items[i].Key, err)
		}
		fields[items[i].Key] = data
	}

	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, p.key)
		if len(fields) > 0 {
			pipe.HSet(ctx, p.key, fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write snapshot to %s: %w", p.key, err)
	}
	return nil
}

func (p *RedisPersister[V]) Load(ctx context.Context) ([]Item[V], error) {
	raw, err := p.client.HGetAll(ctx, p.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot from %s: %w", p.key, err)
	}

	items := make([]Item[V], 0, len(raw))
	for field, data := range raw {
		var it Item[V]
		if err := json.Unmarshal([]byte(data), &it); err != nil {
			return nil, fmt.Errorf("unmarshal cache item %s: %w", field, err)
		}
		if it.Key == "" {
			it.Key = field
		}
		items = append(items, it)
	}
	return items, nil
}
