package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), mr
}

func TestGet_MissingKeyReturnsNil(t *testing.T) {
	c, _ := newTestCache(t)

	val, err := c.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestSetGetDelete(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(val))
	assert.Equal(t, time.Minute, mr.TTL("k"))

	require.NoError(t, c.Delete(ctx, "k"))
	val, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestIncrSpend_Accumulates(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	total, err := c.IncrSpend(ctx, "default", 1.25)
	require.NoError(t, err)
	assert.InDelta(t, 1.25, total, 1e-9)

	total, err = c.IncrSpend(ctx, "default", 2.5)
	require.NoError(t, err)
	assert.InDelta(t, 3.75, total, 1e-9)

	got, err := c.GetSpend(ctx, "default")
	require.NoError(t, err)
	assert.InDelta(t, 3.75, got, 1e-9)

	// spend never expires
	assert.Equal(t, time.Duration(0), mr.TTL("ledger:spend:default"))
}

func TestSetSpend_Overwrites(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.IncrSpend(ctx, "default", 9)
	require.NoError(t, err)
	require.NoError(t, c.SetSpend(ctx, "default", 4))

	got, err := c.GetSpend(ctx, "default")
	require.NoError(t, err)
	assert.InDelta(t, 4.0, got, 1e-9)
}

func TestRateLimitCheck(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := c.RateLimitCheck(ctx, "client", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}

	ok, err := c.RateLimitCheck(ctx, "client", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeys(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "report:a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "report:b", []byte("2"), 0))
	require.NoError(t, c.Set(ctx, "other", []byte("3"), 0))

	keys, err := c.Keys(ctx, "report:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"report:a", "report:b"}, keys)
}
