package budget

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/cache"
)

// SpendStore persists committed ledger spend.
type SpendStore interface {
	// Load returns the committed spend recorded for ledger.
	Load(ctx context.Context, ledger string) (float64, error)
	// Add atomically adds delta to the committed spend of ledger.
	Add(ctx context.Context, ledger string, delta float64) error
}

// MemoryStore keeps committed spend in process memory. It does not survive
// restarts and is used in tests and when no durable store is reachable.
type MemoryStore struct {
	mu    sync.Mutex
	spent map[string]float64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{spent: make(map[string]float64)}
}

func (m *MemoryStore) Load(_ context.Context, ledger string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spent[ledger], nil
}

func (m *MemoryStore) Set(_ context.Context, ledger string, spent float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spent[ledger] = spent
	return nil
}

func (m *MemoryStore) Add(_ context.Context, ledger string, delta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spent[ledger] += delta
	return nil
}

// RedisStore keeps committed spend in Redis using an atomic float increment.
type RedisStore struct {
	cache *cache.Cache
}

// NewRedisStore wraps a Redis cache as a SpendStore.
func NewRedisStore(c *cache.Cache) *RedisStore {
	return &RedisStore{cache: c}
}

func (r *RedisStore) Load(ctx context.Context, ledger string) (float64, error) {
	return r.cache.GetSpend(ctx, ledger)
}

func (r *RedisStore) Set(ctx context.Context, ledger string, spent float64) error {
	return r.cache.SetSpend(ctx, ledger, spent)
}

func (r *RedisStore) Add(ctx context.Context, ledger string, delta float64) error {
	_, err := r.cache.IncrSpend(ctx, ledger, delta)
	return err
}

// Setter is implemented by stores whose value can be overwritten.
type Setter interface {
	Set(ctx context.Context, ledger string, spent float64) error
}

// MultiStore writes to every store and loads from the first one that
// answers. It lets Postgres stay the source of truth with Redis as a mirror.
// On Load, later stores that disagree with the answer are overwritten.
type MultiStore []SpendStore

func (m MultiStore) Load(ctx context.Context, ledger string) (float64, error) {
	var lastErr error
	for i, s := range m {
		v, err := s.Load(ctx, ledger)
		if err != nil {
			lastErr = err
			continue
		}
		m[i+1:].reconcile(ctx, ledger, v)
		return v, nil
	}
	return 0, lastErr
}

func (m MultiStore) reconcile(ctx context.Context, ledger string, spent float64) {
	for _, s := range m {
		setter, ok := s.(Setter)
		if !ok {
			continue
		}
		if cur, err := s.Load(ctx, ledger); err == nil && cur == spent {
			continue
		}
		if err := setter.Set(ctx, ledger, spent); err != nil {
			log.Warn().Err(err).Str("ledger", ledger).Msg("budget: failed to reconcile spend mirror")
			continue
		}
		log.Info().Str("ledger", ledger).Float64("spent", spent).Msg("budget: spend mirror reconciled")
	}
}

func (m MultiStore) Add(ctx context.Context, ledger string, delta float64) error {
	var firstErr error
	for _, s := range m {
		if err := s.Add(ctx, ledger, delta); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
