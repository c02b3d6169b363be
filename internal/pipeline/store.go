package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

// ErrNotFound is returned for unknown request ids.
var ErrNotFound = errors.New("pipeline: report not found")

// MemoryStore keeps the most recent terminal requests in memory. It is used
// when no database is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	limit int
	byID  map[string]models.ReportRequest
	order []string
}

// NewMemoryStore creates a store holding at most limit requests.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryStore{limit: limit, byID: make(map[string]models.ReportRequest)}
}

func (m *MemoryStore) SaveReport(_ context.Context, req *models.ReportRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[req.ID]; !ok {
		m.order = append(m.order, req.ID)
	}
	m.byID[req.ID] = *req
	for len(m.order) > m.limit {
		delete(m.byID, m.order[0])
		m.order = m.order[1:]
	}
	return nil
}

func (m *MemoryStore) GetReport(_ context.Context, id string) (*models.ReportRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &req, nil
}

// ListReports returns up to limit requests, newest first.
func (m *MemoryStore) ListReports(_ context.Context, limit int) ([]models.ReportRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ReportRequest, 0, len(m.byID))
	for _, r := range m.byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
