// Package metrics registers the Prometheus collectors exported by Herald.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics
var (
	// PipelineRuns counts terminal pipeline runs by outcome and failure code.
	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_pipeline_runs_total",
			Help: "Report pipeline runs that reached a terminal state",
		},
		[]string{"state", "failure"},
	)

	// PipelineDuration observes end-to-end run time in seconds.
	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_pipeline_duration_seconds",
			Help:    "Report pipeline run duration",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"state"},
	)

	// DeliveryFailures counts reports that completed without reaching the requester.
	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_delivery_failures_total",
			Help: "Report deliveries that failed after retry",
		},
	)
)

// Provider metrics
var (
	// ProviderAttempts counts provider attempts by outcome.
	ProviderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_provider_attempts_total",
			Help: "LLM provider attempts",
		},
		[]string{"provider", "outcome"},
	)

	// ProviderLatency observes provider call latency in seconds.
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_provider_latency_seconds",
			Help:    "LLM provider call latency",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	// ProviderCost sums committed provider cost in USD.
	ProviderCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_provider_cost_usd_total",
			Help: "Committed LLM provider spend in USD",
		},
		[]string{"provider"},
	)
)

// Budget metrics
var (
	BudgetTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "herald_budget_total_usd",
		Help: "Configured ledger total",
	})
	BudgetCommitted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "herald_budget_committed_usd",
		Help: "Committed ledger spend",
	})
	BudgetReserved = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "herald_budget_reserved_usd",
		Help: "Reserved but uncommitted ledger spend",
	})
	BudgetRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herald_budget_rejections_total",
		Help: "Reservations rejected for insufficient budget",
	})
)

// Cache metrics
var (
	// CacheLookups counts artifact cache lookups by result (hit, miss, expired, tombstone).
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_cache_lookups_total",
			Help: "Artifact cache lookups",
		},
		[]string{"result"},
	)

	CacheComputations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herald_cache_computations_total",
		Help: "Artifact computations started by the cache",
	})
)

// Scheduler metrics
var (
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "herald_scheduler_queue_depth",
		Help: "Report requests waiting for a worker",
	})
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "herald_scheduler_active_workers",
		Help: "Workers currently running a pipeline",
	})
	SchedulerRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herald_scheduler_rejected_total",
		Help: "Report requests rejected because the queue was full",
	})
	SchedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_scheduler_ticks_total",
			Help: "Periodic monitoring ticks",
		},
		[]string{"result"},
	)
)

// Discovery metrics
var (
	// DiscoveryEvents counts trigger events by analysis result.
	DiscoveryEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_discovery_events_total",
			Help: "Trigger events sent for target analysis",
		},
		[]string{"result"},
	)
	DiscoveryTopics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herald_discovery_topics_total",
		Help: "Topics discovered from trigger events",
	})
)

// Notification metrics
var (
	// Notifications counts channel deliveries by channel and status.
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_notifications_total",
			Help: "Operator notifications and report emails by channel",
		},
		[]string{"channel", "status"},
	)
)
