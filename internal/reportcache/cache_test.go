package reportcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/cache"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestGet_MissThenHit(t *testing.T) {
	ctx := context.Background()
	c := New(Options[string]{TTL: time.Minute})

	_, ok := c.Get(ctx, "fp")
	assert.False(t, ok)

	v, err := c.GetOrCompute(ctx, "fp", func(context.Context) (string, error) { return "report", nil }, 0)
	require.NoError(t, err)
	assert.Equal(t, "report", v)

	v, ok = c.Get(ctx, "fp")
	assert.True(t, ok)
	assert.Equal(t, "report", v)
}

func TestGetOrCompute_SingleFlight(t *testing.T) {
	ctx := context.Background()
	c := New(Options[string]{TTL: time.Minute})

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "shared", nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrCompute(ctx, "fp", compute, 0)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
	assert.Equal(t, int64(1), c.Stats(ctx).Computations)
}

func TestGetOrCompute_DistinctKeysIndependent(t *testing.T) {
	ctx := context.Background()
	c := New(Options[string]{TTL: time.Minute})

	block := make(chan struct{})
	go func() {
		_, _ = c.GetOrCompute(ctx, "slow", func(context.Context) (string, error) {
			<-block
			return "slow", nil
		}, 0)
	}()

	done := make(chan string, 1)
	go func() {
		v, _ := c.GetOrCompute(ctx, "fast", func(context.Context) (string, error) { return "fast", nil }, 0)
		done <- v
	}()

	select {
	case v := <-done:
		assert.Equal(t, "fast", v)
	case <-time.After(time.Second):
		t.Fatal("independent key was blocked by another flight")
	}
	close(block)
}

func TestGetOrCompute_ExpiredEntryRecomputes(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := New(Options[int]{TTL: time.Hour, Clock: clock.Now})

	var calls int
	compute := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	v, err := c.GetOrCompute(ctx, "fp", compute, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	clock.Advance(59 * time.Minute)
	v, err = c.GetOrCompute(ctx, "fp", compute, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	clock.Advance(time.Minute)
	_, ok := c.Get(ctx, "fp")
	assert.False(t, ok, "entry served at created_at+ttl")

	v, err = c.GetOrCompute(ctx, "fp", compute, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestMemoryStore_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := New(Options[string]{TTL: time.Hour, Store: NewMemoryStore[string](2)})

	put := func(k string) {
		_, err := c.GetOrCompute(ctx, k, func(context.Context) (string, error) { return k, nil }, 0)
		require.NoError(t, err)
	}
	put("a")
	put("b")
	_, ok := c.Get(ctx, "a") // a is now most recent
	require.True(t, ok)
	put("c")

	_, ok = c.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "a")
	assert.True(t, ok)
	_, ok = c.Get(ctx, "c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Stats(ctx).Entries)
}

func TestGetOrCompute_FailureSharedButNotCached(t *testing.T) {
	ctx := context.Background()
	c := New(Options[string]{TTL: time.Hour})
	boom := errors.New("boom")

	var calls int
	_, err := c.GetOrCompute(ctx, "fp", func(context.Context) (string, error) {
		calls++
		return "", boom
	}, 0)
	assert.ErrorIs(t, err, boom)

	_, err = c.GetOrCompute(ctx, "fp", func(context.Context) (string, error) {
		calls++
		return "ok", nil
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGetOrCompute_TombstoneWithNegativeTTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	insufficient := errors.New("not enough documents")
	c := New(Options[string]{
		TTL:         time.Hour,
		NegativeTTL: 5 * time.Minute,
		Clock:       clock.Now,
		Classify: func(err error) (string, bool) {
			if errors.Is(err, insufficient) {
				return "insufficient", true
			}
			return "", false
		},
		Revive: func(code string) error {
			if code == "insufficient" {
				return insufficient
			}
			return errors.New(code)
		},
	})

	var calls int
	compute := func(context.Context) (string, error) {
		calls++
		return "", insufficient
	}

	_, err := c.GetOrCompute(ctx, "fp", compute, 0)
	assert.ErrorIs(t, err, insufficient)
	_, err = c.GetOrCompute(ctx, "fp", compute, 0)
	assert.ErrorIs(t, err, insufficient)
	assert.Equal(t, 1, calls)

	_, ok := c.Get(ctx, "fp")
	assert.False(t, ok, "tombstone must not be a hit")

	clock.Advance(5 * time.Minute)
	_, err = c.GetOrCompute(ctx, "fp", compute, 0)
	assert.ErrorIs(t, err, insufficient)
	assert.Equal(t, 2, calls)
}

func TestGetOrCompute_CancelledLeaderLetsWaiterRecompute(t *testing.T) {
	c := New(Options[string]{TTL: time.Hour})

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	started := make(chan struct{})
	var calls atomic.Int32

	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(leaderCtx, "fp", func(ctx context.Context) (string, error) {
			calls.Add(1)
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		}, 0)
		leaderErr <- err
	}()
	<-started

	waiter := make(chan string, 1)
	go func() {
		v, err := c.GetOrCompute(context.Background(), "fp", func(context.Context) (string, error) {
			calls.Add(1)
			return "fresh", nil
		}, 0)
		assert.NoError(t, err)
		waiter <- v
	}()

	require.Eventually(t, func() bool { return c.Stats(context.Background()).Misses == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancelLeader()

	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	select {
	case v := <-waiter:
		assert.Equal(t, "fresh", v)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter left blocked after leader cancellation")
	}
	assert.Equal(t, int32(2), calls.Load())

	v, ok := c.Get(context.Background(), "fp")
	assert.True(t, ok)
	assert.Equal(t, "fresh", v)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	c := New(Options[string]{})
	_, err := c.GetOrCompute(ctx, "fp", func(context.Context) (string, error) { return "x", nil }, 0)
	require.NoError(t, err)

	require.NoError(t, c.Purge(ctx))
	assert.Zero(t, c.Stats(ctx).Entries)
}

func TestRedisStore_RoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := newFakeClock()
	store := NewRedisStore[string](cache.New(client), "report:")
	c := New(Options[string]{TTL: time.Hour, Store: store, Clock: clock.Now})

	_, err := c.GetOrCompute(ctx, "fp", func(context.Context) (string, error) { return "stored", nil }, 0)
	require.NoError(t, err)
	assert.True(t, mr.Exists("report:fp"))

	// a fresh cache over the same store sees the entry
	other := New(Options[string]{TTL: time.Hour, Store: store, Clock: clock.Now})
	v, ok := other.Get(ctx, "fp")
	require.True(t, ok)
	assert.Equal(t, "stored", v)
	assert.Equal(t, 1, other.Stats(ctx).Entries)

	clock.Advance(time.Hour)
	_, ok = other.Get(ctx, "fp")
	assert.False(t, ok)
	assert.False(t, mr.Exists("report:fp"))
}
