package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/api"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/budget"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/pipeline"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/reportcache"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/scheduler"
	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type nopQueue struct{}

func (nopQueue) Submit(*models.ReportRequest) error { return nil }
func (nopQueue) Stats() scheduler.Stats             { return scheduler.Stats{} }

type nopTracker struct{}

func (nopTracker) Prepare(req *models.ReportRequest) {
	req.ID = "r1"
	req.State = models.StatePending
}

func (nopTracker) Lookup(string) (models.ReportRequest, bool) { return models.ReportRequest{}, false }

func (nopTracker) Active() []models.ReportRequest { return nil }

func (nopTracker) Tier(models.PlanTier) (pipeline.TierConfig, bool) { return pipeline.TierConfig{}, true }

func newTestRouter(t *testing.T, opts Options) *gin.Engine {
	t.Helper()
	ledger, err := budget.NewLedger(budget.Options{Total: 50, WarnThreshold: 10})
	require.NoError(t, err)
	h, err := api.NewHandlers(api.Deps{
		Ledger:  ledger,
		Queue:   nopQueue{},
		Tracker: nopTracker{},
		Cache:   reportcache.New(reportcache.Options[models.Artifact]{TTL: time.Hour}),
		Store:   pipeline.NewMemoryStore(10),
	}, api.WebhookConfig{Secret: "s"})
	require.NoError(t, err)
	return New(h, opts)
}

func serve(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPublicRoutes(t *testing.T) {
	r := newTestRouter(t, Options{AdminAPIKey: "k", CORSOrigins: []string{"http://localhost:3000"}})

	w := serve(r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = serve(r, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestManagementRequiresAdminKey(t *testing.T) {
	r := newTestRouter(t, Options{AdminAPIKey: "k"})

	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/api/v1/budget", "", nil).Code)

	w := serve(r, http.MethodGet, "/api/v1/budget", "", map[string]string{"X-Admin-Key": "k"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"remaining_usd":50`)

	w = serve(r, http.MethodPost, "/api/v1/reports", `{"topic":"t"}`, map[string]string{"X-Admin-Key": "k"})
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestManagementDisabledWithoutKey(t *testing.T) {
	r := newTestRouter(t, Options{})

	w := serve(r, http.MethodGet, "/api/v1/budget", "", map[string]string{"X-Admin-Key": ""})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookRouteToggle(t *testing.T) {
	r := newTestRouter(t, Options{AdminAPIKey: "k"})
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodPost, "/webhooks/lemonsqueezy", "{}", nil).Code)

	r = newTestRouter(t, Options{AdminAPIKey: "k", WebhookEnabled: true})
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodPost, "/webhooks/lemonsqueezy", "{}", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	r := newTestRouter(t, Options{AdminAPIKey: "k", CORSOrigins: []string{"http://localhost:3000"}})

	w := serve(r, http.MethodOptions, "/api/v1/budget", "", map[string]string{
		"Origin":                        "http://localhost:3000",
		"Access-Control-Request-Method": "GET",
	})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSConfig(t *testing.T) {
	all := corsConfig([]string{"*"})
	assert.True(t, all.AllowAllOrigins)
	assert.False(t, all.AllowCredentials)

	none := corsConfig(nil)
	require.NotNil(t, none.AllowOriginFunc)
	assert.False(t, none.AllowOriginFunc("http://evil.example"))

	some := corsConfig([]string{"http://a"})
	assert.Equal(t, []string{"http://a"}, some.AllowOrigins)
}
