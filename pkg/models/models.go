// Package models defines the core data structures shared across Herald.
package models

import "time"

// LLMProvider identifies a supported analysis provider.
type LLMProvider string

const (
	ProviderOpenRouter LLMProvider = "openrouter"
	ProviderGemini     LLMProvider = "gemini"
)

// PlanTier is the cost class a report was purchased under.
type PlanTier string

const (
	TierStandard PlanTier = "standard"
	TierPremium  PlanTier = "premium"
)

// Valid reports whether t is a known tier.
func (t PlanTier) Valid() bool {
	return t == TierStandard || t == TierPremium
}

// RequestSource records what created a report request.
type RequestSource string

const (
	SourceOrder    RequestSource = "order"
	SourceSchedule RequestSource = "schedule"
	SourceAPI      RequestSource = "api"
)

// ReportState is a pipeline state.
type ReportState string

const (
	StatePending    ReportState = "PENDING"
	StateCollecting ReportState = "COLLECTING"
	StateAnalyzing  ReportState = "ANALYZING"
	StateRendering  ReportState = "RENDERING"
	StateDelivering ReportState = "DELIVERING"
	StateComplete   ReportState = "COMPLETE"
	StateFailed     ReportState = "FAILED"
)

// Terminal reports whether no further transitions can occur from s.
func (s ReportState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// FailureCode classifies why a report request failed.
type FailureCode string

const (
	FailureNone                       FailureCode = ""
	FailureBudgetExceeded             FailureCode = "budget_exceeded"
	FailureBudgetExhausted            FailureCode = "budget_exhausted"
	FailureProviderUnavailable        FailureCode = "provider_unavailable"
	FailureCollectionInsufficientData FailureCode = "collection_insufficient_data"
	FailureRenderError                FailureCode = "render_error"
	FailureCancelled                  FailureCode = "cancelled"
	FailureInternal                   FailureCode = "internal_error"
)

// Requester is the person a report is delivered to.
type Requester struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ReportRequest is a single report order moving through the pipeline.
type ReportRequest struct {
	ID            string        `json:"id" db:"id"`
	Topic         string        `json:"topic" db:"topic"`
	Tier          PlanTier      `json:"tier" db:"tier"`
	Source        RequestSource `json:"source" db:"source"`
	OrderID       string        `json:"order_id,omitempty" db:"order_id"`
	Requester     Requester     `json:"requester"`
	RequestedAt   time.Time     `json:"requested_at" db:"requested_at"`
	State         ReportState   `json:"state" db:"state"`
	Stage         ReportState   `json:"stage,omitempty" db:"stage"` // last non-terminal state reached
	Failure       FailureCode   `json:"failure,omitempty" db:"failure"`
	Error         string        `json:"error,omitempty" db:"error"`
	DeliveryError string        `json:"delivery_error,omitempty" db:"delivery_error"`
	Fingerprint   string        `json:"fingerprint,omitempty" db:"fingerprint"`
	CacheHit      bool          `json:"cache_hit" db:"cache_hit"`
	CostUSD       float64       `json:"cost_usd" db:"cost_usd"`
	StartedAt     time.Time     `json:"started_at,omitempty" db:"started_at"`
	FinishedAt    time.Time     `json:"finished_at,omitempty" db:"finished_at"`
}

// Duration returns how long the run took, or zero if it has not finished.
func (r *ReportRequest) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Document is a single source document returned by a collector.
type Document struct {
	Source    string    `json:"source"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Section is one titled block of a generated report.
type Section struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Artifact is the synthesized analysis produced for a fingerprint.
// It is what gets cached and shared between identical requests.
type Artifact struct {
	Title       string      `json:"title"`
	Topic       string      `json:"topic"`
	Tier        PlanTier    `json:"tier"`
	Summary     string      `json:"summary"`
	Sections    []Section   `json:"sections"`
	Provider    LLMProvider `json:"provider"`
	Model       string      `json:"model"`
	CostUSD     float64     `json:"cost_usd"`
	SourceCount int         `json:"source_count"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// RenderedDocument is the binary output of a renderer.
type RenderedDocument struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"-"`
}

// InvocationOutcome classifies a single provider attempt.
type InvocationOutcome string

const (
	OutcomeSuccess          InvocationOutcome = "success"
	OutcomeRetryableFailure InvocationOutcome = "retryable_failure"
	OutcomeFatalFailure     InvocationOutcome = "fatal_failure"
	OutcomeBudgetRejected   InvocationOutcome = "budget_rejected"
)

// ProviderInvocation is an append-only audit record of one provider attempt.
type ProviderInvocation struct {
	ID           string            `json:"id" db:"id"`
	RequestID    string            `json:"request_id,omitempty" db:"request_id"`
	Fingerprint  string            `json:"fingerprint,omitempty" db:"fingerprint"`
	Provider     LLMProvider       `json:"provider" db:"provider"`
	Model        string            `json:"model" db:"model"`
	Attempt      int               `json:"attempt" db:"attempt"`
	InputTokens  int64             `json:"input_tokens" db:"input_tokens"`
	OutputTokens int64             `json:"output_tokens" db:"output_tokens"`
	CostUSD      float64           `json:"cost_usd" db:"cost_usd"`
	LatencyMs    int64             `json:"latency_ms" db:"latency_ms"`
	Outcome      InvocationOutcome `json:"outcome" db:"outcome"`
	Error        string            `json:"error,omitempty" db:"error"`
	Timestamp    time.Time         `json:"timestamp" db:"timestamp"`
}

// ModelPricing defines the cost per token for a specific LLM model.
type ModelPricing struct {
	Provider        LLMProvider `json:"provider" db:"provider"`
	Model           string      `json:"model" db:"model"`
	InputPerMToken  float64     `json:"input_per_m_token" db:"input_per_m_token"`   // Cost per 1M input tokens
	OutputPerMToken float64     `json:"output_per_m_token" db:"output_per_m_token"` // Cost per 1M output tokens
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}

// Severity is the urgency of an operator alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertKind groups alerts by what raised them.
type AlertKind string

const (
	AlertBudgetWarning   AlertKind = "budget_warning"
	AlertBudgetExhausted AlertKind = "budget_exhausted"
	AlertReportComplete  AlertKind = "report_complete"
	AlertReportFailed    AlertKind = "report_failed"
	AlertSchedulerEvent  AlertKind = "scheduler"
)

// AlertEvent is a notification the operator should see.
type AlertEvent struct {
	Kind      AlertKind         `json:"kind"`
	Severity  Severity          `json:"severity"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// DeliveryStatus is the result of sending something over a channel.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryRecord is a write-once record of one channel delivery.
type DeliveryRecord struct {
	Channel   string         `json:"channel"`
	Status    DeliveryStatus `json:"status"`
	Attempts  int            `json:"attempts"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Delivered reports whether the record succeeded.
func (d DeliveryRecord) Delivered() bool {
	return d.Status == DeliveryDelivered
}
