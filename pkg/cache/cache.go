// Package cache provides a Redis client wrapper used by Herald for durable
// ledger spend, shared report artifacts and API rate limiting.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cache wraps a Redis client with Herald-specific operations.
type Cache struct {
	client *redis.Client
}

// NewCache creates a Redis cache client connected to addr ("host:port").
func NewCache(ctx context.Context, addr, password string) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: failed to connect to Redis at %s: %w", addr, err)
	}

	log.Info().Str("addr", addr).Msg("cache: connected to Redis")
	return &Cache{client: client}, nil
}

// New wraps an existing client. Used by tests against miniredis.
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Close shuts down the Redis client connection.
func (c *Cache) Close() error {
	if c.client != nil {
		log.Info().Msg("cache: closing Redis connection")
		return c.client.Close()
	}
	return nil
}

// Get retrieves a value by key. A missing key returns nil and no error.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get %q: %w", key, err)
	}
	return val, nil
}

// Set stores a value with the given TTL. A zero TTL means no expiry.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %q: %w", key, err)
	}
	return nil
}

// Delete removes one or more keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: delete: %w", err)
	}
	return nil
}

// Keys lists keys matching pattern using SCAN.
func (c *Cache) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cache: scan %q: %w", pattern, err)
	}
	return keys, nil
}

// spendKey is the Redis key holding committed ledger spend.
// Format: "ledger:spend:{ledger}". It never expires.
func spendKey(ledger string) string {
	return fmt.Sprintf("ledger:spend:%s", ledger)
}

// GetSpend returns the committed spend for a ledger. Zero if none recorded.
func (c *Cache) GetSpend(ctx context.Context, ledger string) (float64, error) {
	key := spendKey(ledger)
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cache: get spend %q: %w", key, err)
	}

	spend, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("cache: parse spend %q=%q: %w", key, val, err)
	}
	return spend, nil
}

// incrSpendLua atomically increments the spend key and clears any TTL so the
// committed total survives indefinitely.
var incrSpendLua = redis.NewScript(`
	local newval = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
	if redis.call('TTL', KEYS[1]) ~= -1 then
		redis.call('PERSIST', KEYS[1])
	end
	return newval
`)

// IncrSpend atomically adds amount to the committed spend of a ledger and
// returns the new total.
func (c *Cache) IncrSpend(ctx context.Context, ledger string, amount float64) (float64, error) {
	key := spendKey(ledger)

	result, err := incrSpendLua.Run(ctx, c.client, []string{key},
		strconv.FormatFloat(amount, 'f', 10, 64)).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: incr spend %q: %w", key, err)
	}

	// Lua returns a string for INCRBYFLOAT
	switch v := result.(type) {
	case string:
		newVal, parseErr := strconv.ParseFloat(v, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("cache: parse incr result %q: %w", v, parseErr)
		}
		return newVal, nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("cache: unexpected result type %T from Lua script", result)
	}
}

// SetSpend overwrites the committed spend of a ledger.
func (c *Cache) SetSpend(ctx context.Context, ledger string, amount float64) error {
	key := spendKey(ledger)
	if err := c.client.Set(ctx, key, strconv.FormatFloat(amount, 'f', 10, 64), 0).Err(); err != nil {
		return fmt.Errorf("cache: set spend %q: %w", key, err)
	}
	return nil
}

// rateLimitLua increments the counter and sets the TTL only on the first hit
// in the window so later requests do not extend it.
var rateLimitLua = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('EXPIRE', KEYS[1], ARGV[1])
	end
	return count
`)

// RateLimitCheck performs a fixed-window rate limit check for key.
// It returns true if the request is under the limit.
func (c *Cache) RateLimitCheck(ctx context.Context, key string, maxRequests int64, window time.Duration) (bool, error) {
	rateLimitKey := fmt.Sprintf("ratelimit:%s", key)
	windowSeconds := int(window / time.Second)
	if windowSeconds < 1 {
		windowSeconds = 1
	}

	result, err := rateLimitLua.Run(ctx, c.client, []string{rateLimitKey}, windowSeconds).Int64()
	if err != nil {
		return false, fmt.Errorf("cache: rate limit check: %w", err)
	}

	return result <= maxRequests, nil
}

// Client returns the underlying Redis client.
func (c *Cache) Client() *redis.Client {
	return c.client
}
