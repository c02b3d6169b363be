package reportcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/cache"
)

// DefaultCapacity bounds the in-memory store.
const DefaultCapacity = 2048

// MemoryStore is an in-process LRU store. When full, the least recently used
// entry is evicted.
type MemoryStore[V any] struct {
	lru *lru.Cache[string, Entry[V]]
}

// NewMemoryStore creates a MemoryStore holding at most capacity entries.
func NewMemoryStore[V any](capacity int) *MemoryStore[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l, err := lru.New[string, Entry[V]](capacity)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &MemoryStore[V]{lru: l}
}

func (m *MemoryStore[V]) Get(_ context.Context, key string) (Entry[V], bool, error) {
	e, ok := m.lru.Get(key)
	return e, ok, nil
}

func (m *MemoryStore[V]) Set(_ context.Context, key string, e Entry[V]) error {
	m.lru.Add(key, e)
	return nil
}

func (m *MemoryStore[V]) Delete(_ context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}

func (m *MemoryStore[V]) Len(_ context.Context) int {
	return m.lru.Len()
}

func (m *MemoryStore[V]) Purge(_ context.Context) error {
	m.lru.Purge()
	return nil
}

// RedisStore keeps JSON-encoded entries in Redis so cached reports survive a
// restart and can be shared between instances. Redis expiry is set to the
// entry TTL; the cache still checks CreatedAt+TTL on read.
type RedisStore[V any] struct {
	cache  *cache.Cache
	prefix string
}

// NewRedisStore creates a RedisStore under the given key prefix.
func NewRedisStore[V any](c *cache.Cache, prefix string) *RedisStore[V] {
	if prefix == "" {
		prefix = "report:"
	}
	return &RedisStore[V]{cache: c, prefix: prefix}
}

func (r *RedisStore[V]) Get(ctx context.Context, key string) (Entry[V], bool, error) {
	raw, err := r.cache.Get(ctx, r.prefix+key)
	if err != nil {
		return Entry[V]{}, false, err
	}
	if raw == nil {
		return Entry[V]{}, false, nil
	}
	var e Entry[V]
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry[V]{}, false, fmt.Errorf("reportcache: decode %q: %w", key, err)
	}
	return e, true, nil
}

func (r *RedisStore[V]) Set(ctx context.Context, key string, e Entry[V]) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("reportcache: encode %q: %w", key, err)
	}
	ttl := e.TTL
	if ttl < time.Second {
		ttl = time.Second
	}
	return r.cache.Set(ctx, r.prefix+key, raw, ttl)
}

func (r *RedisStore[V]) Delete(ctx context.Context, key string) error {
	return r.cache.Delete(ctx, r.prefix+key)
}

func (r *RedisStore[V]) Len(ctx context.Context) int {
	keys, err := r.cache.Keys(ctx, r.prefix+"*")
	if err != nil {
		return 0
	}
	return len(keys)
}

func (r *RedisStore[V]) Purge(ctx context.Context) error {
	keys, err := r.cache.Keys(ctx, r.prefix+"*")
	if err != nil {
		return err
	}
	return r.cache.Delete(ctx, keys...)
}
