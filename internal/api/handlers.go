// Package api implements the REST endpoints for operating Herald and the
// order webhook that feeds it.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/analytics"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/budget"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/pipeline"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/reportcache"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/scheduler"
	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Ledger is the budget view exposed to operators.
type Ledger interface {
	Snapshot() budget.Snapshot
	TopUp(amount float64) error
}

// Queue accepts report requests for asynchronous execution.
type Queue interface {
	Submit(req *models.ReportRequest) error
	Stats() scheduler.Stats
}

// Tracker prepares requests and reports on the ones in flight.
type Tracker interface {
	Prepare(req *models.ReportRequest)
	Lookup(id string) (models.ReportRequest, bool)
	Active() []models.ReportRequest
	Tier(tier models.PlanTier) (pipeline.TierConfig, bool)
}

// ArtifactCache is the operator view of the artifact cache.
type ArtifactCache interface {
	Stats(ctx context.Context) reportcache.Stats
	Invalidate(ctx context.Context, key string) error
	Purge(ctx context.Context) error
}

// ReportStore reads archived report requests.
type ReportStore interface {
	GetReport(ctx context.Context, id string) (*models.ReportRequest, error)
	ListReports(ctx context.Context, limit int) ([]models.ReportRequest, error)
}

// Alerter raises operator alerts for webhook problems.
type Alerter interface {
	Notify(ctx context.Context, ev models.AlertEvent) []models.DeliveryRecord
}

// Deps are the collaborators behind the handlers. Store, Invocations,
// Insights and Alerter may be nil.
type Deps struct {
	Ledger      Ledger
	Queue       Queue
	Tracker     Tracker
	Cache       ArtifactCache
	Store       ReportStore
	Invocations analytics.InvocationSource
	Insights    *analytics.InsightsEngine
	Alerter     Alerter
}

// Handlers provides REST API endpoint handlers.
type Handlers struct {
	deps    Deps
	webhook WebhookConfig
	orders  *orderDedupe
	now     func() time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps, webhook WebhookConfig) (*Handlers, error) {
	if deps.Ledger == nil || deps.Queue == nil || deps.Tracker == nil || deps.Cache == nil {
		return nil, errors.New("api: ledger, queue, tracker and cache are required")
	}
	orders, err := newOrderDedupe(webhook.DedupeSize)
	if err != nil {
		return nil, err
	}
	return &Handlers{deps: deps, webhook: webhook, orders: orders, now: time.Now}, nil
}

// HealthCheck returns the service health status.
func (h *Handlers) HealthCheck(c *gin.Context) {
	snap := h.deps.Ledger.Snapshot()
	stats := h.deps.Queue.Stats()
	status := "healthy"
	if snap.Exhausted {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":           status,
		"service":          "herald",
		"version":          Version,
		"budget_remaining": snap.Remaining,
		"queue_depth":      stats.QueueDepth,
		"scheduler_closed": stats.Closed,
	})
}

// GetBudget returns the ledger snapshot.
func (h *Handlers) GetBudget(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Ledger.Snapshot())
}

// TopUpRequest is the body of POST /budget/topup.
type TopUpRequest struct {
	AmountUSD float64 `json:"amount_usd" binding:"required,gt=0"`
}

// TopUpBudget raises the ledger total.
func (h *Handlers) TopUpBudget(c *gin.Context) {
	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.deps.Ledger.TopUp(req.AmountUSD); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.Info().Float64("amount", req.AmountUSD).Msg("api: budget topped up")
	c.JSON(http.StatusOK, h.deps.Ledger.Snapshot())
}

// GetCacheStats returns artifact cache counters.
func (h *Handlers) GetCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Cache.Stats(c.Request.Context()))
}

// PurgeCache drops every cached artifact. In-flight computations are unaffected.
func (h *Handlers) PurgeCache(c *gin.Context) {
	if err := h.deps.Cache.Purge(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	log.Info().Msg("api: artifact cache purged")
	c.Status(http.StatusNoContent)
}

// InvalidateCacheEntry drops the artifact cached under one fingerprint so the
// next request for it recomputes.
func (h *Handlers) InvalidateCacheEntry(c *gin.Context) {
	fp := c.Param("fingerprint")
	if err := h.deps.Cache.Invalidate(c.Request.Context(), fp); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("fingerprint", fp).Msg("api: artifact cache entry invalidated")
	c.Status(http.StatusNoContent)
}

// GetSchedulerStats returns worker pool and queue state.
func (h *Handlers) GetSchedulerStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"scheduler": h.deps.Queue.Stats(),
		"active":    h.deps.Tracker.Active(),
	})
}

// CreateReportRequest is the body of POST /reports.
type CreateReportRequest struct {
	Topic     string           `json:"topic" binding:"required"`
	Tier      models.PlanTier  `json:"tier"`
	Requester models.Requester `json:"requester"`
}

// CreateReport enqueues an operator-submitted report request.
func (h *Handlers) CreateReport(c *gin.Context) {
	var body CreateReportRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.Tier == "" {
		body.Tier = models.TierStandard
	}
	if _, ok := h.deps.Tracker.Tier(body.Tier); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown tier " + strconv.Quote(string(body.Tier))})
		return
	}

	req := &models.ReportRequest{
		Topic:     body.Topic,
		Tier:      body.Tier,
		Source:    models.SourceAPI,
		Requester: body.Requester,
	}
	h.submit(c, req)
}

// submit prepares and enqueues req, answering 202, 429 or 503.
func (h *Handlers) submit(c *gin.Context, req *models.ReportRequest) bool {
	h.deps.Tracker.Prepare(req)
	err := h.deps.Queue.Submit(req)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{
			"status":      "accepted",
			"request_id":  req.ID,
			"state":       req.State,
			"tier":        req.Tier,
			"fingerprint": req.Fingerprint,
		})
		return true
	case errors.Is(err, scheduler.ErrSchedulerOverload):
		c.Header("Retry-After", "60")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "scheduler_overload", "message": err.Error()})
	case errors.Is(err, scheduler.ErrSchedulerClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
	return false
}

// GetReport returns an in-flight request, or the archived one.
func (h *Handlers) GetReport(c *gin.Context) {
	id := c.Param("id")
	if req, ok := h.deps.Tracker.Lookup(id); ok {
		c.JSON(http.StatusOK, req)
		return
	}
	if h.deps.Store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}
	req, err := h.deps.Store.GetReport(c.Request.Context(), id)
	if errors.Is(err, pipeline.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, req)
}

// ListReports returns the most recent archived requests.
func (h *Handlers) ListReports(c *gin.Context) {
	if h.deps.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "report archive unavailable"})
		return
	}
	reports, err := h.deps.Store.ListReports(c.Request.Context(), queryLimit(c, 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count": len(reports),
		"data":  reports,
	})
}

// ListInvocations returns provider invocations, optionally for one request.
// Query params: request_id, since (duration, default 24h), limit
func (h *Handlers) ListInvocations(c *gin.Context) {
	if h.deps.Invocations == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "invocation log unavailable"})
		return
	}
	since, err := time.ParseDuration(c.DefaultQuery("since", "24h"))
	if err != nil || since <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'since' duration, e.g. 24h"})
		return
	}

	invs, err := h.deps.Invocations.ListInvocations(c.Request.Context(), c.Query("request_id"), h.now().Add(-since), queryLimit(c, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count": len(invs),
		"data":  invs,
	})
}

// GetInsights summarizes spend and outcomes over a trailing window.
func (h *Handlers) GetInsights(c *gin.Context) {
	if h.deps.Insights == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analytics unavailable"})
		return
	}
	window, err := time.ParseDuration(c.DefaultQuery("window", "168h"))
	if err != nil || window <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'window' duration, e.g. 168h"})
		return
	}
	report, err := h.deps.Insights.Generate(c.Request.Context(), window)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func queryLimit(c *gin.Context, def int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit < 1 || limit > 1000 {
		return def
	}
	return limit
}
