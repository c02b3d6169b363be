// Package analytics summarizes provider spend and pipeline outcomes.
//
// The engine works over the provider invocation audit log and archived
// report requests. It detects spend spikes, degraded providers and heavy
// fallback use, and produces actionable insights for the operator.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

// InsightType categorizes the kind of insight generated.
type InsightType string

const (
	InsightCostSpike        InsightType = "cost_spike"
	InsightProviderDegraded InsightType = "provider_degraded"
	InsightFallbackHeavy    InsightType = "fallback_heavy"
	InsightFailureRate      InsightType = "failure_rate"
	InsightBudgetRejections InsightType = "budget_rejections"
)

// Thresholds used by Generate.
const (
	// SpikeThreshold is how many times the daily average the last day's
	// spend must reach to count as a spike.
	SpikeThreshold = 2.0
	// DegradedFailureRate is the provider failure share that raises an insight.
	DegradedFailureRate = 0.5
	// FallbackThreshold is the share of analyses served by a fallback provider.
	FallbackThreshold = 0.25
	// FailureThreshold is the share of failed report requests.
	FailureThreshold = 0.2
	minAttempts      = 4
	maxRecords       = 5000
)

// Insight represents an actionable recommendation or alert.
type Insight struct {
	ID             string          `json:"id"`
	Type           InsightType     `json:"type"`
	Severity       models.Severity `json:"severity"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	AffectedEntity string          `json:"affected_entity,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ProviderSummary aggregates invocations of one provider.
type ProviderSummary struct {
	Attempts       int     `json:"attempts"`
	Successes      int     `json:"successes"`
	Failures       int     `json:"failures"`
	BudgetRejected int     `json:"budget_rejected"`
	CostUSD        float64 `json:"cost_usd"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
}

// FailureRate is the share of attempts that did not succeed, excluding
// budget rejections, which never reached the provider.
func (p ProviderSummary) FailureRate() float64 {
	called := p.Successes + p.Failures
	if called == 0 {
		return 0
	}
	return float64(p.Failures) / float64(called)
}

// Report is a summary of spend and outcomes over a time period.
type Report struct {
	From             time.Time                              `json:"from"`
	To               time.Time                              `json:"to"`
	TotalCostUSD     float64                                `json:"total_cost_usd"`
	Analyses         int                                    `json:"analyses"`
	FallbackAnalyses int                                    `json:"fallback_analyses"`
	Providers        map[models.LLMProvider]ProviderSummary `json:"providers"`
	Reports          int                                    `json:"reports"`
	Completed        int                                    `json:"completed"`
	Failed           int                                    `json:"failed"`
	CacheHits        int                                    `json:"cache_hits"`
	Failures         map[models.FailureCode]int             `json:"failures"`
	Insights         []Insight                              `json:"insights"`
}

// FallbackRate is the share of successful analyses served by a provider other
// than the first one tried.
func (r *Report) FallbackRate() float64 {
	if r.Analyses == 0 {
		return 0
	}
	return float64(r.FallbackAnalyses) / float64(r.Analyses)
}

// InvocationSource lists provider invocations newer than since.
type InvocationSource interface {
	ListInvocations(ctx context.Context, requestID string, since time.Time, limit int) ([]models.ProviderInvocation, error)
}

// ReportSource lists archived report requests, newest first.
type ReportSource interface {
	ListReports(ctx context.Context, limit int) ([]models.ReportRequest, error)
}

// InvocationLog is the in-memory log kept by the llm client.
type InvocationLog interface {
	Invocations(requestID string) []models.ProviderInvocation
}

// FromLog adapts an in-memory invocation log to an InvocationSource.
func FromLog(l InvocationLog) InvocationSource {
	return logSource{l}
}

type logSource struct{ log InvocationLog }

func (s logSource) ListInvocations(_ context.Context, requestID string, since time.Time, limit int) ([]models.ProviderInvocation, error) {
	all := s.log.Invocations(requestID)
	out := make([]models.ProviderInvocation, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Timestamp.Before(since) {
			continue
		}
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// InsightsEngine generates spend and reliability insights.
type InsightsEngine struct {
	invocations InvocationSource
	reports     ReportSource
	now         func() time.Time
}

// NewInsightsEngine creates a new InsightsEngine. reports may be nil.
func NewInsightsEngine(invocations InvocationSource, reports ReportSource) *InsightsEngine {
	return &InsightsEngine{invocations: invocations, reports: reports, now: time.Now}
}

// Generate builds a report over the trailing window.
func (e *InsightsEngine) Generate(ctx context.Context, window time.Duration) (*Report, error) {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	to := e.now()
	from := to.Add(-window)

	var invs []models.ProviderInvocation
	if e.invocations != nil {
		var err error
		invs, err = e.invocations.ListInvocations(ctx, "", from, maxRecords)
		if err != nil {
			return nil, fmt.Errorf("analytics: listing invocations: %w", err)
		}
	}
	var reqs []models.ReportRequest
	if e.reports != nil {
		all, err := e.reports.ListReports(ctx, maxRecords)
		if err != nil {
			return nil, fmt.Errorf("analytics: listing reports: %w", err)
		}
		for _, r := range all {
			if !r.RequestedAt.Before(from) {
				reqs = append(reqs, r)
			}
		}
	}

	report := Summarize(from, to, invs, reqs)
	return report, nil
}

// Summarize aggregates invocations and requests and derives insights.
func Summarize(from, to time.Time, invs []models.ProviderInvocation, reqs []models.ReportRequest) *Report {
	report := &Report{
		From:      from,
		To:        to,
		Providers: make(map[models.LLMProvider]ProviderSummary),
		Failures:  make(map[models.FailureCode]int),
	}

	latency := make(map[models.LLMProvider]int64)
	for _, inv := range invs {
		p := report.Providers[inv.Provider]
		p.Attempts++
		switch inv.Outcome {
		case models.OutcomeSuccess:
			p.Successes++
			latency[inv.Provider] += inv.LatencyMs
		case models.OutcomeBudgetRejected:
			p.BudgetRejected++
		default:
			p.Failures++
		}
		p.CostUSD += inv.CostUSD
		report.TotalCostUSD += inv.CostUSD
		report.Providers[inv.Provider] = p
	}
	for name, p := range report.Providers {
		if p.Successes > 0 {
			p.AvgLatencyMs = float64(latency[name]) / float64(p.Successes)
			report.Providers[name] = p
		}
	}

	report.Analyses, report.FallbackAnalyses = countFallbacks(invs)

	for _, r := range reqs {
		report.Reports++
		switch r.State {
		case models.StateComplete:
			report.Completed++
		case models.StateFailed:
			report.Failed++
			report.Failures[r.Failure]++
		}
		if r.CacheHit {
			report.CacheHits++
		}
	}

	report.Insights = append(report.Insights, detectSpike(to, invs)...)
	report.Insights = append(report.Insights, providerInsights(to, report)...)
	report.Insights = append(report.Insights, outcomeInsights(to, report)...)
	return report
}

// countFallbacks groups invocations by request and counts successes whose
// provider differs from the first provider tried.
func countFallbacks(invs []models.ProviderInvocation) (analyses, fallbacks int) {
	type attempts struct {
		first    models.LLMProvider
		firstAt  time.Time
		winner   models.LLMProvider
		resolved bool
	}
	byRequest := make(map[string]*attempts)
	for _, inv := range invs {
		if inv.RequestID == "" {
			continue
		}
		a, ok := byRequest[inv.RequestID]
		if !ok {
			a = &attempts{first: inv.Provider, firstAt: inv.Timestamp}
			byRequest[inv.RequestID] = a
		} else if inv.Timestamp.Before(a.firstAt) {
			a.first, a.firstAt = inv.Provider, inv.Timestamp
		}
		if inv.Outcome == models.OutcomeSuccess {
			a.winner, a.resolved = inv.Provider, true
		}
	}
	for _, a := range byRequest {
		if !a.resolved {
			continue
		}
		analyses++
		if a.winner != a.first {
			fallbacks++
		}
	}
	return analyses, fallbacks
}

// detectSpike compares the last day's spend against the daily average of the
// days before it.
func detectSpike(now time.Time, invs []models.ProviderInvocation) []Insight {
	dayStart := now.Add(-24 * time.Hour)
	var recent float64
	daily := make(map[string]float64)
	for _, inv := range invs {
		if inv.CostUSD == 0 {
			continue
		}
		if !inv.Timestamp.Before(dayStart) {
			recent += inv.CostUSD
			continue
		}
		daily[inv.Timestamp.UTC().Format("2006-01-02")] += inv.CostUSD
	}
	if len(daily) == 0 || recent == 0 {
		return nil
	}
	var sum float64
	for _, v := range daily {
		sum += v
	}
	avg := sum / float64(len(daily))
	if avg <= 0 || recent < avg*SpikeThreshold {
		return nil
	}

	multiple := recent / avg
	severity := models.SeverityWarning
	if multiple >= 5 {
		severity = models.SeverityCritical
	}
	return []Insight{{
		ID:       "spike-" + now.UTC().Format("2006-01-02"),
		Type:     InsightCostSpike,
		Severity: severity,
		Title:    fmt.Sprintf("Provider spend spike: %.1fx above average", multiple),
		Description: fmt.Sprintf(
			"The last 24 hours cost $%.4f, which is %.1fx the daily average of $%.4f.",
			recent, multiple, avg,
		),
		CreatedAt: now,
	}}
}

func providerInsights(now time.Time, r *Report) []Insight {
	names := make([]string, 0, len(r.Providers))
	for name := range r.Providers {
		names = append(names, string(name))
	}
	sort.Strings(names)

	var insights []Insight
	for _, name := range names {
		p := r.Providers[models.LLMProvider(name)]
		if p.Successes+p.Failures >= minAttempts && p.FailureRate() >= DegradedFailureRate {
			severity := models.SeverityWarning
			if p.FailureRate() >= 0.8 {
				severity = models.SeverityCritical
			}
			insights = append(insights, Insight{
				ID:       "degraded-" + name,
				Type:     InsightProviderDegraded,
				Severity: severity,
				Title:    fmt.Sprintf("Provider %s is failing %.0f%% of calls", name, p.FailureRate()*100),
				Description: fmt.Sprintf(
					"%s failed %d of %d calls. Check its status page or move it later in the provider order.",
					name, p.Failures, p.Successes+p.Failures,
				),
				AffectedEntity: name,
				CreatedAt:      now,
			})
		}
		if p.BudgetRejected > 0 {
			insights = append(insights, Insight{
				ID:       "budget-" + name,
				Type:     InsightBudgetRejections,
				Severity: models.SeverityWarning,
				Title:    fmt.Sprintf("%d %s attempts refused for budget", p.BudgetRejected, name),
				Description: "Attempts were skipped because their estimate did not fit the remaining budget " +
					"or the tier's cost ceiling. Top up the ledger or lower the tier's output allowance.",
				AffectedEntity: name,
				CreatedAt:      now,
			})
		}
	}

	if r.Analyses >= minAttempts && r.FallbackRate() > FallbackThreshold {
		insights = append(insights, Insight{
			ID:       "fallback",
			Type:     InsightFallbackHeavy,
			Severity: models.SeverityWarning,
			Title:    fmt.Sprintf("%.0f%% of analyses used a fallback provider", r.FallbackRate()*100),
			Description: fmt.Sprintf(
				"%d of %d analyses were served after the primary provider failed.",
				r.FallbackAnalyses, r.Analyses,
			),
			CreatedAt: now,
		})
	}
	return insights
}

func outcomeInsights(now time.Time, r *Report) []Insight {
	if r.Reports < minAttempts {
		return nil
	}
	rate := float64(r.Failed) / float64(r.Reports)
	if rate <= FailureThreshold {
		return nil
	}

	var top models.FailureCode
	for code, n := range r.Failures {
		if n > r.Failures[top] || (n == r.Failures[top] && code < top) {
			top = code
		}
	}
	return []Insight{{
		ID:       "failures",
		Type:     InsightFailureRate,
		Severity: models.SeverityCritical,
		Title:    fmt.Sprintf("%.0f%% of report requests failed", math.Round(rate*100)),
		Description: fmt.Sprintf(
			"%d of %d requests failed. The most common cause was %s.",
			r.Failed, r.Reports, top,
		),
		AffectedEntity: string(top),
		CreatedAt:      now,
	}}
}
