// Package router builds the HTTP route table for Herald.
//
// Operator endpoints live under /api/v1 behind the admin key. The order
// webhook authenticates by signature instead, and health and metrics are
// public.
package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/api"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/middleware"
	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/cache"
)

// Options configures the route table.
type Options struct {
	AdminAPIKey    string
	CORSOrigins    []string
	WebhookEnabled bool
	// RateLimiter enables the per-client limit on /api/v1 and the webhook.
	RateLimiter *cache.Cache
	RateLimit   int64
	RateWindow  time.Duration
}

// New returns a gin engine serving h.
func New(h *api.Handlers, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.RecoveryMiddleware())
	r.Use(middleware.LoggingMiddleware())

	// CORS for the operator dashboard.
	r.Use(cors.New(corsConfig(opts.CORSOrigins)))

	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limit := middleware.RateLimitMiddleware(opts.RateLimiter, opts.RateLimit, opts.RateWindow)

	// Fail-secure: if no key is configured, every management request is refused.
	v1 := r.Group("/api/v1", limit, middleware.AdminAuth(opts.AdminAPIKey))
	{
		v1.GET("/budget", h.GetBudget)
		v1.POST("/budget/topup", h.TopUpBudget)

		v1.GET("/cache/stats", h.GetCacheStats)
		v1.DELETE("/cache", h.PurgeCache)
		v1.DELETE("/cache/:fingerprint", h.InvalidateCacheEntry)

		v1.GET("/scheduler/stats", h.GetSchedulerStats)

		v1.POST("/reports", h.CreateReport)
		v1.GET("/reports", h.ListReports)
		v1.GET("/reports/:id", h.GetReport)

		v1.GET("/invocations", h.ListInvocations)
		v1.GET("/insights", h.GetInsights)
	}

	if opts.WebhookEnabled {
		r.POST("/webhooks/lemonsqueezy", limit, h.LemonSqueezyWebhook)
	}

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Admin-Key"},
		ExposeHeaders:    []string{middleware.RequestIDHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			cfg.AllowCredentials = false
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return false }
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}
