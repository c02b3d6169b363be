package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/cache"
	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

type recordingAlerter struct {
	mu     sync.Mutex
	events []models.AlertEvent
}

func (r *recordingAlerter) Notify(_ context.Context, ev models.AlertEvent) []models.DeliveryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return []models.DeliveryRecord{{Channel: "test", Status: models.DeliveryDelivered, Attempts: 1}}
}

func (r *recordingAlerter) kinds() []models.AlertKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AlertKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newTestLedger(t *testing.T, total, warn float64) (*Ledger, *recordingAlerter) {
	t.Helper()
	alerts := &recordingAlerter{}
	l, err := NewLedger(Options{Total: total, WarnThreshold: warn, Alerter: alerts})
	require.NoError(t, err)
	return l, alerts
}

func TestNewLedger_RejectsBadConfig(t *testing.T) {
	_, err := NewLedger(Options{Total: -1})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = NewLedger(Options{Total: 10, WarnThreshold: 20})
	assert.Error(t, err)
}

func TestReserveCommit_LowersRemaining(t *testing.T) {
	l, _ := newTestLedger(t, 50, 10)
	ctx := context.Background()

	id, err := l.Reserve(5)
	require.NoError(t, err)
	assert.InDelta(t, 45.0, l.Remaining(), 1e-9)

	committed, err := l.Commit(ctx, id, 5)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, committed, 1e-9)

	snap := l.Snapshot()
	assert.InDelta(t, 45.0, snap.Remaining, 1e-9)
	assert.InDelta(t, 5.0, snap.Committed, 1e-9)
	assert.Zero(t, snap.Reserved)
	assert.Zero(t, snap.ActiveReservations)
}

func TestReserve_RejectsWhenInsufficient(t *testing.T) {
	l, _ := newTestLedger(t, 3, 1)

	_, err := l.Reserve(5)
	require.ErrorIs(t, err, ErrBudgetExceeded)
	assert.InDelta(t, 3.0, l.Remaining(), 1e-9)
	assert.False(t, l.CanReserve(5))
	assert.True(t, l.CanReserve(3))
}

func TestReserve_CountsOutstandingReservations(t *testing.T) {
	l, _ := newTestLedger(t, 10, 0)

	_, err := l.Reserve(6)
	require.NoError(t, err)
	_, err = l.Reserve(6)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestReserve_InvalidAmount(t *testing.T) {
	l, _ := newTestLedger(t, 10, 0)

	_, err := l.Reserve(-1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRelease_IsIdempotent(t *testing.T) {
	l, _ := newTestLedger(t, 10, 0)

	id, err := l.Reserve(4)
	require.NoError(t, err)
	l.Release(id)
	l.Release(id)
	assert.InDelta(t, 10.0, l.Remaining(), 1e-9)

	_, err = l.Commit(context.Background(), id, 4)
	assert.ErrorIs(t, err, ErrUnknownReservation)
}

func TestCommit_ClampsOverrun(t *testing.T) {
	l, _ := newTestLedger(t, 10, 0)
	ctx := context.Background()

	id, err := l.Reserve(8)
	require.NoError(t, err)
	committed, err := l.Commit(ctx, id, 25)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, committed, 1e-9)
	assert.Zero(t, l.Remaining())
}

func TestCommit_ClampRespectsOtherReservations(t *testing.T) {
	l, _ := newTestLedger(t, 10, 0)
	ctx := context.Background()

	a, err := l.Reserve(4)
	require.NoError(t, err)
	_, err = l.Reserve(4)
	require.NoError(t, err)

	committed, err := l.Commit(ctx, a, 9)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, committed, 1e-9)

	snap := l.Snapshot()
	assert.LessOrEqual(t, snap.Committed+snap.Reserved, snap.Total)
}

func TestConcurrentReservations_NeverExceedTotal(t *testing.T) {
	l, _ := newTestLedger(t, 50, 10)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := l.Reserve(1)
			if err != nil {
				assert.True(t, errors.Is(err, ErrBudgetExceeded))
				return
			}
			mu.Lock()
			accepted++
			mu.Unlock()
			_, err = l.Commit(ctx, id, 1)
			assert.NoError(t, err)

			snap := l.Snapshot()
			assert.LessOrEqual(t, snap.Committed+snap.Reserved, snap.Total+1e-9)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, accepted)
	assert.InDelta(t, 50.0, l.Snapshot().Committed, 1e-9)
}

func TestWarnAlert_FiresOncePerCrossing(t *testing.T) {
	l, alerts := newTestLedger(t, 50, 10)
	ctx := context.Background()

	spend := func(amount float64) {
		id, err := l.Reserve(amount)
		require.NoError(t, err)
		_, err = l.Commit(ctx, id, amount)
		require.NoError(t, err)
	}

	spend(30)
	l.WaitAlerts()
	assert.Empty(t, alerts.kinds())

	spend(12) // remaining 8
	l.WaitAlerts()
	assert.Equal(t, []models.AlertKind{models.AlertBudgetWarning}, alerts.kinds())

	spend(1)
	spend(1)
	l.WaitAlerts()
	assert.Len(t, alerts.kinds(), 1)

	require.NoError(t, l.TopUp(20)) // remaining 26, re-armed
	spend(20)                       // remaining 6
	l.WaitAlerts()
	assert.Equal(t, []models.AlertKind{models.AlertBudgetWarning, models.AlertBudgetWarning}, alerts.kinds())
}

func TestExhaustion_AlertsAndHaltsReservations(t *testing.T) {
	l, alerts := newTestLedger(t, 5, 1)
	ctx := context.Background()

	id, err := l.Reserve(5)
	require.NoError(t, err)
	_, err = l.Commit(ctx, id, 5)
	require.NoError(t, err)

	l.WaitAlerts()
	assert.Equal(t, []models.AlertKind{models.AlertBudgetWarning, models.AlertBudgetExhausted}, alerts.kinds())

	_, err = l.Reserve(0)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.True(t, l.Snapshot().Exhausted)
}

type blockingAlerter struct {
	release chan struct{}
	sent    chan models.AlertKind
}

func (b *blockingAlerter) Notify(_ context.Context, ev models.AlertEvent) []models.DeliveryRecord {
	<-b.release
	b.sent <- ev.Kind
	return nil
}

func TestCommit_DoesNotWaitForAlertDelivery(t *testing.T) {
	alerts := &blockingAlerter{release: make(chan struct{}), sent: make(chan models.AlertKind, 2)}
	l, err := NewLedger(Options{Total: 10, WarnThreshold: 5, Alerter: alerts})
	require.NoError(t, err)

	id, err := l.Reserve(10)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := l.Commit(context.Background(), id, 10)
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("commit blocked on the alerter")
	}
	assert.Zero(t, l.Remaining())

	close(alerts.release)
	l.WaitAlerts()
	assert.Equal(t, models.AlertBudgetWarning, <-alerts.sent)
	assert.Equal(t, models.AlertBudgetExhausted, <-alerts.sent)
}

func TestExpireStale_ReleasesOldReservations(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l, err := NewLedger(Options{Total: 10, ReservationWindow: time.Minute, Clock: clock})
	require.NoError(t, err)

	id, err := l.Reserve(7)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, l.Remaining(), 1e-9)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, l.ExpireStale())
	assert.InDelta(t, 10.0, l.Remaining(), 1e-9)

	_, err = l.Commit(context.Background(), id, 7)
	assert.ErrorIs(t, err, ErrUnknownReservation)
}

func TestRestore_FromMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first, err := NewLedger(Options{Total: 50, WarnThreshold: 10, Store: store})
	require.NoError(t, err)
	id, err := first.Reserve(12.5)
	require.NoError(t, err)
	_, err = first.Commit(ctx, id, 12.5)
	require.NoError(t, err)

	second, err := NewLedger(Options{Total: 50, WarnThreshold: 10, Store: store})
	require.NoError(t, err)
	require.NoError(t, second.Restore(ctx))
	assert.InDelta(t, 37.5, second.Remaining(), 1e-9)
}

func TestRestore_FromRedisStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisStore(cache.New(client))

	first, err := NewLedger(Options{Total: 50, WarnThreshold: 10, Store: store})
	require.NoError(t, err)
	id, err := first.Reserve(45)
	require.NoError(t, err)
	_, err = first.Commit(ctx, id, 45)
	require.NoError(t, err)

	alerts := &recordingAlerter{}
	second, err := NewLedger(Options{Total: 50, WarnThreshold: 10, Store: store, Alerter: alerts})
	require.NoError(t, err)
	require.NoError(t, second.Restore(ctx))
	assert.InDelta(t, 5.0, second.Remaining(), 1e-9)

	// warn threshold already crossed before restart
	id, err = second.Reserve(1)
	require.NoError(t, err)
	_, err = second.Commit(ctx, id, 1)
	require.NoError(t, err)
	second.WaitAlerts()
	assert.Empty(t, alerts.kinds())
}

func TestMultiStore_WritesAll(t *testing.T) {
	ctx := context.Background()
	a, b := NewMemoryStore(), NewMemoryStore()
	m := MultiStore{a, b}

	require.NoError(t, m.Add(ctx, "default", 2))
	va, _ := a.Load(ctx, "default")
	vb, _ := b.Load(ctx, "default")
	assert.Equal(t, 2.0, va)
	assert.Equal(t, 2.0, vb)

	v, err := m.Load(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)
}

func TestMultiStore_LoadReconcilesMirrors(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	primary := NewMemoryStore()
	require.NoError(t, primary.Add(ctx, "default", 12.5))
	mirror := NewRedisStore(cache.New(client))
	require.NoError(t, mirror.Add(ctx, "default", 3)) // stale after a redis restore

	l, err := NewLedger(Options{Total: 50, Store: MultiStore{primary, mirror}})
	require.NoError(t, err)
	require.NoError(t, l.Restore(ctx))
	assert.InDelta(t, 37.5, l.Remaining(), 1e-9)

	got, err := mirror.Load(ctx, "default")
	require.NoError(t, err)
	assert.InDelta(t, 12.5, got, 1e-9)
}
