// Package reportcache is a TTL-bounded single-flight cache keyed by request
// fingerprint.
//
// For any key at most one computation is in flight at a time. Concurrent
// callers share its value or its error. Entries are never served after
// CreatedAt+TTL; expiry is checked lazily on access.
package reportcache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/metrics"
)

// DefaultTTL matches the hourly report bucket.
const DefaultTTL = time.Hour

// Entry is a cached value or failure tombstone.
type Entry[V any] struct {
	Value     V             `json:"value"`
	Failure   string        `json:"failure,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
}

// Expired reports whether the entry must no longer be served at now.
func (e Entry[V]) Expired(now time.Time) bool {
	return !now.Before(e.CreatedAt.Add(e.TTL))
}

// Tombstone reports whether the entry records a failure.
func (e Entry[V]) Tombstone() bool {
	return e.Failure != ""
}

// Store holds entries. Implementations need not check expiry.
type Store[V any] interface {
	Get(ctx context.Context, key string) (Entry[V], bool, error)
	Set(ctx context.Context, key string, e Entry[V]) error
	Delete(ctx context.Context, key string) error
	Len(ctx context.Context) int
	Purge(ctx context.Context) error
}

// Options configures a Cache.
type Options[V any] struct {
	TTL         time.Duration // default entry lifetime
	NegativeTTL time.Duration // tombstone lifetime; zero disables tombstones
	Store       Store[V]      // defaults to an LRU MemoryStore of DefaultCapacity
	Clock       func() time.Time

	// Classify returns the code a failure is tombstoned under, or false if
	// the failure must not be cached.
	Classify func(err error) (string, bool)
	// Revive turns a tombstone code back into an error.
	Revive func(code string) error
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Computations int64 `json:"computations"`
	Entries      int   `json:"entries"`
}

// Cache is a single-flight TTL cache.
type Cache[V any] struct {
	store       Store[V]
	group       singleflight.Group
	ttl         time.Duration
	negativeTTL time.Duration
	now         func() time.Time
	classify    func(error) (string, bool)
	revive      func(string) error

	hits         atomic.Int64
	misses       atomic.Int64
	computations atomic.Int64
}

// New creates a Cache.
func New[V any](opts Options[V]) *Cache[V] {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore[V](DefaultCapacity)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Revive == nil {
		opts.Revive = func(code string) error { return &FailureError{Code: code} }
	}
	return &Cache[V]{
		store:       opts.Store,
		ttl:         opts.TTL,
		negativeTTL: opts.NegativeTTL,
		now:         opts.Clock,
		classify:    opts.Classify,
		revive:      opts.Revive,
	}
}

// FailureError is the default error for a tombstoned failure.
type FailureError struct {
	Code string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("reportcache: cached failure %q", e.Code)
}

// flightCancelled marks a flight whose computing caller was cancelled. Other
// waiters treat it as a miss.
type flightCancelled struct {
	err error
}

func (f *flightCancelled) Error() string { return f.err.Error() }
func (f *flightCancelled) Unwrap() error { return f.err }

// Get returns the cached value for key if a live success entry exists.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool) {
	e, ok := c.lookup(ctx, key)
	if !ok || e.Tombstone() {
		c.misses.Add(1)
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return e.Value, true
}

// GetOrCompute returns the live entry for key or runs compute to fill it.
// Concurrent callers with the same key share one compute call. compute runs
// with the context of the caller that started it; if that caller is cancelled
// the remaining waiters recompute. A ttl of zero uses the cache default.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) (V, error), ttl time.Duration) (V, error) {
	var zero V
	if ttl <= 0 {
		ttl = c.ttl
	}

	for {
		if e, ok := c.lookup(ctx, key); ok {
			if e.Tombstone() {
				metrics.CacheLookups.WithLabelValues("tombstone").Inc()
				c.hits.Add(1)
				return zero, c.revive(e.Failure)
			}
			c.hits.Add(1)
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return e.Value, nil
		}
		c.misses.Add(1)
		metrics.CacheLookups.WithLabelValues("miss").Inc()

		ch := c.group.DoChan(key, func() (any, error) {
			// a previous flight may have stored the entry between our
			// lookup and this call
			if e, ok := c.lookup(ctx, key); ok {
				if e.Tombstone() {
					return zero, c.revive(e.Failure)
				}
				return e.Value, nil
			}

			c.computations.Add(1)
			metrics.CacheComputations.Inc()
			v, err := compute(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return zero, &flightCancelled{err: err}
				}
				c.tombstone(ctx, key, err)
				return zero, err
			}
			c.put(ctx, key, Entry[V]{Value: v, CreatedAt: c.now(), TTL: ttl})
			return v, nil
		})

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				var fc *flightCancelled
				if errors.As(res.Err, &fc) {
					if ctx.Err() == nil {
						log.Debug().Str("fingerprint", key).Msg("reportcache: computing caller cancelled, recomputing")
						continue
					}
					return zero, fc.err
				}
				return zero, res.Err
			}
			return res.Val.(V), nil
		}
	}
}

// Invalidate removes key.
func (c *Cache[V]) Invalidate(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// Purge removes all entries.
func (c *Cache[V]) Purge(ctx context.Context) error {
	return c.store.Purge(ctx)
}

// Stats returns cumulative counters and the current entry count.
func (c *Cache[V]) Stats(ctx context.Context) Stats {
	return Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Computations: c.computations.Load(),
		Entries:      c.store.Len(ctx),
	}
}

// lookup returns a live entry or false. Expired entries are deleted.
func (c *Cache[V]) lookup(ctx context.Context, key string) (Entry[V], bool) {
	e, ok, err := c.store.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("fingerprint", key).Msg("reportcache: store read failed, treating as miss")
		return Entry[V]{}, false
	}
	if !ok {
		return Entry[V]{}, false
	}
	if e.Expired(c.now()) {
		metrics.CacheLookups.WithLabelValues("expired").Inc()
		if err := c.store.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("fingerprint", key).Msg("reportcache: failed to delete expired entry")
		}
		return Entry[V]{}, false
	}
	return e, true
}

func (c *Cache[V]) put(ctx context.Context, key string, e Entry[V]) {
	if err := c.store.Set(ctx, key, e); err != nil {
		log.Warn().Err(err).Str("fingerprint", key).Msg("reportcache: store write failed")
	}
}

func (c *Cache[V]) tombstone(ctx context.Context, key string, err error) {
	if c.negativeTTL <= 0 || c.classify == nil {
		return
	}
	code, ok := c.classify(err)
	if !ok || code == "" {
		return
	}
	c.put(ctx, key, Entry[V]{Failure: code, CreatedAt: c.now(), TTL: c.negativeTTL})
}
