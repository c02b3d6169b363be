package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/analytics"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/budget"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/pipeline"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/reportcache"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/scheduler"
	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeQueue struct {
	mu        sync.Mutex
	submitted []*models.ReportRequest
	err       error
}

func (q *fakeQueue) Submit(req *models.ReportRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.submitted = append(q.submitted, req)
	return nil
}

func (q *fakeQueue) Stats() scheduler.Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return scheduler.Stats{QueueDepth: len(q.submitted), QueueCapacity: 32, Workers: 3}
}

func (q *fakeQueue) requests() []*models.ReportRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*models.ReportRequest(nil), q.submitted...)
}

type fakeTracker struct {
	n      int
	active map[string]models.ReportRequest
}

func (f *fakeTracker) Prepare(req *models.ReportRequest) {
	f.n++
	req.ID = fmt.Sprintf("req-%d", f.n)
	req.State = models.StatePending
	req.Fingerprint = "fp-" + req.Topic
}

func (f *fakeTracker) Lookup(id string) (models.ReportRequest, bool) {
	r, ok := f.active[id]
	return r, ok
}

func (f *fakeTracker) Active() []models.ReportRequest {
	out := make([]models.ReportRequest, 0, len(f.active))
	for _, r := range f.active {
		out = append(out, r)
	}
	return out
}

func (f *fakeTracker) Tier(tier models.PlanTier) (pipeline.TierConfig, bool) {
	tc, ok := pipeline.DefaultTiers()[tier]
	return tc, ok
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []models.AlertEvent
}

func (r *recordingAlerter) Notify(_ context.Context, ev models.AlertEvent) []models.DeliveryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type invocationLog []models.ProviderInvocation

func (l invocationLog) Invocations(requestID string) []models.ProviderInvocation {
	var out []models.ProviderInvocation
	for _, inv := range l {
		if requestID == "" || inv.RequestID == requestID {
			out = append(out, inv)
		}
	}
	return out
}

type harness struct {
	h       *Handlers
	engine  *gin.Engine
	queue   *fakeQueue
	tracker *fakeTracker
	ledger  *budget.Ledger
	store   *pipeline.MemoryStore
	cache   *reportcache.Cache[models.Artifact]
	alerts  *recordingAlerter
}

const testSecret = "whsec"

func newHarness(t *testing.T) *harness {
	t.Helper()
	ledger, err := budget.NewLedger(budget.Options{Total: 50, WarnThreshold: 10})
	require.NoError(t, err)

	now := time.Now()
	logs := invocationLog{
		{RequestID: "archived", Provider: models.ProviderOpenRouter, Outcome: models.OutcomeSuccess, CostUSD: 0.4, Timestamp: now.Add(-time.Hour)},
	}
	store := pipeline.NewMemoryStore(10)
	hs := &harness{
		queue:   &fakeQueue{},
		tracker: &fakeTracker{active: map[string]models.ReportRequest{}},
		ledger:  ledger,
		store:   store,
		cache:   reportcache.New(reportcache.Options[models.Artifact]{TTL: time.Hour}),
		alerts:  &recordingAlerter{},
	}
	h, err := NewHandlers(Deps{
		Ledger:      ledger,
		Queue:       hs.queue,
		Tracker:     hs.tracker,
		Cache:       hs.cache,
		Store:       store,
		Invocations: analytics.FromLog(logs),
		Insights:    analytics.NewInsightsEngine(analytics.FromLog(logs), store),
		Alerter:     hs.alerts,
	}, WebhookConfig{Secret: testSecret, PremiumVariants: []string{"42"}})
	require.NoError(t, err)
	hs.h = h

	r := gin.New()
	r.GET("/health", h.HealthCheck)
	r.GET("/budget", h.GetBudget)
	r.POST("/budget/topup", h.TopUpBudget)
	r.GET("/cache/stats", h.GetCacheStats)
	r.DELETE("/cache", h.PurgeCache)
	r.DELETE("/cache/:fingerprint", h.InvalidateCacheEntry)
	r.GET("/scheduler/stats", h.GetSchedulerStats)
	r.POST("/reports", h.CreateReport)
	r.GET("/reports", h.ListReports)
	r.GET("/reports/:id", h.GetReport)
	r.GET("/invocations", h.ListInvocations)
	r.GET("/insights", h.GetInsights)
	r.POST("/webhook", h.LemonSqueezyWebhook)
	hs.engine = r
	return hs
}

func (hs *harness) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	hs.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthCheck(t *testing.T) {
	hs := newHarness(t)

	w := hs.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "herald", body["service"])
	assert.Equal(t, 50.0, body["budget_remaining"])
}

func TestBudgetTopUp(t *testing.T) {
	hs := newHarness(t)

	w := hs.do(http.MethodPost, "/budget/topup", []byte(`{"amount_usd": 25}`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 75.0, decode(t, w)["total_usd"])
	assert.InDelta(t, 75.0, hs.ledger.Remaining(), 1e-9)

	w = hs.do(http.MethodPost, "/budget/topup", []byte(`{"amount_usd": -1}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateReport(t *testing.T) {
	hs := newHarness(t)

	w := hs.do(http.MethodPost, "/reports", []byte(`{"topic":"AI chips","tier":"premium","requester":{"name":"Ops","email":"ops@example.com"}}`), nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	body := decode(t, w)
	assert.Equal(t, "req-1", body["request_id"])
	assert.Equal(t, "PENDING", body["state"])

	reqs := hs.queue.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, models.SourceAPI, reqs[0].Source)
	assert.Equal(t, models.TierPremium, reqs[0].Tier)
	assert.Equal(t, "ops@example.com", reqs[0].Requester.Email)
}

func TestCreateReport_Validation(t *testing.T) {
	hs := newHarness(t)

	assert.Equal(t, http.StatusBadRequest, hs.do(http.MethodPost, "/reports", []byte(`{}`), nil).Code)
	assert.Equal(t, http.StatusBadRequest, hs.do(http.MethodPost, "/reports", []byte(`{"topic":"x","tier":"gold"}`), nil).Code)
	assert.Empty(t, hs.queue.requests())
}

func TestCreateReport_OverloadAndClosed(t *testing.T) {
	hs := newHarness(t)

	hs.queue.err = scheduler.ErrSchedulerOverload
	w := hs.do(http.MethodPost, "/reports", []byte(`{"topic":"x"}`), nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	hs.queue.err = scheduler.ErrSchedulerClosed
	w = hs.do(http.MethodPost, "/reports", []byte(`{"topic":"x"}`), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetReport_ActiveThenArchived(t *testing.T) {
	hs := newHarness(t)
	hs.tracker.active["live"] = models.ReportRequest{ID: "live", State: models.StateAnalyzing}
	require.NoError(t, hs.store.SaveReport(context.Background(), &models.ReportRequest{
		ID: "archived", State: models.StateComplete, RequestedAt: time.Now(),
	}))

	w := hs.do(http.MethodGet, "/reports/live", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ANALYZING", decode(t, w)["state"])

	w = hs.do(http.MethodGet, "/reports/archived", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "COMPLETE", decode(t, w)["state"])

	assert.Equal(t, http.StatusNotFound, hs.do(http.MethodGet, "/reports/missing", nil, nil).Code)

	w = hs.do(http.MethodGet, "/reports?limit=5", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, decode(t, w)["count"])
}

func TestCacheEndpoints(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	_, err := hs.cache.GetOrCompute(ctx, "fp", func(context.Context) (models.Artifact, error) {
		return models.Artifact{Title: "t"}, nil
	}, 0)
	require.NoError(t, err)

	_, err = hs.cache.GetOrCompute(ctx, "other", func(context.Context) (models.Artifact, error) {
		return models.Artifact{Title: "o"}, nil
	}, 0)
	require.NoError(t, err)

	w := hs.do(http.MethodGet, "/cache/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, decode(t, w)["entries"])

	assert.Equal(t, http.StatusNoContent, hs.do(http.MethodDelete, "/cache/fp", nil, nil).Code)
	_, ok := hs.cache.Get(ctx, "fp")
	assert.False(t, ok)
	_, ok = hs.cache.Get(ctx, "other")
	assert.True(t, ok)

	assert.Equal(t, http.StatusNoContent, hs.do(http.MethodDelete, "/cache", nil, nil).Code)
	assert.Zero(t, hs.cache.Stats(ctx).Entries)
}

func TestInvocationsAndInsights(t *testing.T) {
	hs := newHarness(t)

	w := hs.do(http.MethodGet, "/invocations?request_id=archived", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, decode(t, w)["count"])

	assert.Equal(t, http.StatusBadRequest, hs.do(http.MethodGet, "/invocations?since=bogus", nil, nil).Code)

	w = hs.do(http.MethodGet, "/insights?window=24h", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 0.4, decode(t, w)["total_cost_usd"], 1e-9)
}

func TestSchedulerStats(t *testing.T) {
	hs := newHarness(t)

	w := hs.do(http.MethodGet, "/scheduler/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)["scheduler"].(map[string]interface{})
	assert.Equal(t, 3.0, stats["workers"])
}
