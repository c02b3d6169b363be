// Package llm implements the multi-provider analysis client.
//
// Providers are tried in the configured order. Each attempt reserves its
// estimated cost on the budget ledger first, then commits the actual cost on
// success or releases the hold on failure. Transient failures are retried
// with exponential backoff before moving on to the next provider.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/budget"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/metrics"
	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

// Defaults for Options.
const (
	DefaultMaxAttempts     = 3
	DefaultCallTimeout     = 120 * time.Second
	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = 20 * time.Second
	maxInvocationLog       = 10000
)

// Call is what a provider receives for one attempt.
type Call struct {
	Model           string
	System          string
	Prompt          string
	MaxOutputTokens int
	Temperature     float32
}

// Result is a provider's raw answer.
type Result struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Provider is a single analysis backend.
type Provider interface {
	Name() models.LLMProvider
	// Model returns the model used for a tier.
	Model(tier models.PlanTier) string
	Complete(ctx context.Context, call Call) (Result, error)
}

// Budget is the subset of the ledger the client needs.
type Budget interface {
	Reserve(amount float64) (budget.ReservationID, error)
	Commit(ctx context.Context, id budget.ReservationID, actualCost float64) (float64, error)
	Release(id budget.ReservationID)
	CanReserve(amount float64) bool
}

// InvocationRecorder persists provider invocations.
type InvocationRecorder interface {
	RecordInvocation(ctx context.Context, inv models.ProviderInvocation) error
}

// Request is one analysis request.
type Request struct {
	RequestID       string
	Fingerprint     string
	Tier            models.PlanTier
	System          string
	Prompt          string
	MaxOutputTokens int
	Temperature     float32
	// BudgetHint caps the estimated cost of a single attempt. Zero means no cap.
	BudgetHint float64
}

// Completion is a successful analysis.
type Completion struct {
	Text         string             `json:"text"`
	Provider     models.LLMProvider `json:"provider"`
	Model        string             `json:"model"`
	InputTokens  int64              `json:"input_tokens"`
	OutputTokens int64              `json:"output_tokens"`
	CostUSD      float64            `json:"cost_usd"`
	Attempts     int                `json:"attempts"`
}

// Options configures a Client.
type Options struct {
	MaxAttempts     int           // attempts per provider
	CallTimeout     time.Duration // per attempt
	InitialInterval time.Duration // first backoff delay
	MaxInterval     time.Duration
	Pricing         *PriceTable
	Recorder        InvocationRecorder
	Clock           func() time.Time
}

// Client calls providers in order with retry and fallback.
type Client struct {
	providers []Provider
	budget    Budget
	pricing   *PriceTable
	recorder  InvocationRecorder
	opts      Options
	now       func() time.Time

	mu          sync.Mutex
	invocations []models.ProviderInvocation
}

// NewClient creates a Client. The first provider is primary; the rest are
// fallbacks in order.
func NewClient(b Budget, providers []Provider, opts Options) (*Client, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	if b == nil {
		return nil, errors.New("llm: budget is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultInitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = DefaultMaxInterval
	}
	if opts.Pricing == nil {
		opts.Pricing = NewPriceTable()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Client{
		providers: providers,
		budget:    b,
		pricing:   opts.Pricing,
		recorder:  opts.Recorder,
		opts:      opts,
		now:       opts.Clock,
	}, nil
}

// Providers returns the configured provider names in order.
func (c *Client) Providers() []models.LLMProvider {
	names := make([]models.LLMProvider, 0, len(c.providers))
	for _, p := range c.providers {
		names = append(names, p.Name())
	}
	return names
}

// Pricing returns the client's price table.
func (c *Client) Pricing() *PriceTable {
	return c.pricing
}

// CheapestEstimate returns the lowest estimated attempt cost across providers
// that fit under req.BudgetHint. It returns false if none fit.
func (c *Client) CheapestEstimate(req Request) (float64, bool) {
	best, found := 0.0, false
	for _, p := range c.providers {
		est := c.pricing.Estimate(p.Name(), p.Model(req.Tier), req.System+req.Prompt, req.MaxOutputTokens)
		if req.BudgetHint > 0 && est > req.BudgetHint {
			continue
		}
		if !found || est < best {
			best, found = est, true
		}
	}
	return best, found
}

// Affordable reports whether at least one provider's estimate fits in the
// current budget.
func (c *Client) Affordable(req Request) bool {
	est, ok := c.CheapestEstimate(req)
	return ok && c.budget.CanReserve(est)
}

// Analyze runs req against the providers in order. It returns
// ErrBudgetExhausted if the last provider tried was refused for budget and
// ErrProviderUnavailable otherwise. A cancelled ctx returns ctx.Err().
func (c *Client) Analyze(ctx context.Context, req Request) (Completion, error) {
	var (
		causes         []error
		budgetRejected bool
	)

	for _, p := range c.providers {
		out, rejected, err := c.tryProvider(ctx, p, req)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return Completion{}, fmt.Errorf("llm: analyze %s: %w", req.RequestID, ctx.Err())
		}
		budgetRejected = rejected
		causes = append(causes, fmt.Errorf("%s: %w", p.Name(), err))
		log.Warn().Err(err).Str("request_id", req.RequestID).Str("provider", string(p.Name())).
			Bool("budget_rejected", rejected).Msg("llm: provider failed, trying next")
	}

	sentinel := ErrProviderUnavailable
	if budgetRejected {
		sentinel = ErrBudgetExhausted
	}
	return Completion{}, fmt.Errorf("%w: %w", sentinel, errors.Join(causes...))
}

// tryProvider runs the retry loop for one provider. rejected reports whether
// the provider was skipped for budget.
func (c *Client) tryProvider(ctx context.Context, p Provider, req Request) (Completion, bool, error) {
	model := p.Model(req.Tier)
	estimate := c.pricing.Estimate(p.Name(), model, req.System+req.Prompt, req.MaxOutputTokens)

	if req.BudgetHint > 0 && estimate > req.BudgetHint {
		err := fmt.Errorf("estimate %.4f exceeds budget hint %.4f: %w", estimate, req.BudgetHint, budget.ErrBudgetExceeded)
		c.record(ctx, models.ProviderInvocation{
			RequestID: req.RequestID, Fingerprint: req.Fingerprint,
			Provider: p.Name(), Model: model, Attempt: 0,
			Outcome: models.OutcomeBudgetRejected, Error: err.Error(),
		})
		return Completion{}, true, err
	}

	call := Call{
		Model:           model,
		System:          req.System,
		Prompt:          req.Prompt,
		MaxOutputTokens: req.MaxOutputTokens,
		Temperature:     req.Temperature,
	}

	var (
		out      Completion
		attempt  int
		rejected bool
	)
	operation := func() error {
		attempt++
		rejected = false
		base := models.ProviderInvocation{
			RequestID: req.RequestID, Fingerprint: req.Fingerprint,
			Provider: p.Name(), Model: model, Attempt: attempt,
		}

		id, err := c.budget.Reserve(estimate)
		if err != nil {
			rejected = errors.Is(err, budget.ErrBudgetExceeded)
			base.Outcome = models.OutcomeBudgetRejected
			base.Error = err.Error()
			c.record(ctx, base)
			return backoff.Permanent(err)
		}

		start := c.now()
		callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		res, err := p.Complete(callCtx, call)
		cancel()
		latency := c.now().Sub(start)
		base.LatencyMs = latency.Milliseconds()
		metrics.ProviderLatency.WithLabelValues(string(p.Name())).Observe(latency.Seconds())

		if err != nil {
			c.budget.Release(id)
			base.Error = err.Error()
			if IsRetryable(ctx, err) {
				base.Outcome = models.OutcomeRetryableFailure
				c.record(ctx, base)
				log.Debug().Err(err).Str("provider", string(p.Name())).Int("attempt", attempt).
					Msg("llm: transient provider failure")
				return err
			}
			base.Outcome = models.OutcomeFatalFailure
			c.record(ctx, base)
			return backoff.Permanent(err)
		}

		if res.Model == "" {
			res.Model = model
		}
		cost := c.pricing.Cost(p.Name(), res.Model, res.InputTokens, res.OutputTokens)
		committed, err := c.budget.Commit(ctx, id, cost)
		if err != nil {
			// the call already happened; keep its result but surface the drift
			log.Error().Err(err).Str("request_id", req.RequestID).Float64("cost", cost).
				Msg("llm: failed to commit provider spend")
		}
		metrics.ProviderCost.WithLabelValues(string(p.Name())).Add(committed)

		base.Model = res.Model
		base.InputTokens = res.InputTokens
		base.OutputTokens = res.OutputTokens
		base.CostUSD = committed
		base.Outcome = models.OutcomeSuccess
		c.record(ctx, base)

		out = Completion{
			Text:         res.Text,
			Provider:     p.Name(),
			Model:        res.Model,
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
			CostUSD:      committed,
			Attempts:     attempt,
		}
		return nil
	}

	if err := backoff.Retry(operation, c.newBackOff(ctx)); err != nil {
		return Completion{}, rejected, err
	}
	return out, false, nil
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.InitialInterval
	eb.MaxInterval = c.opts.MaxInterval
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.opts.MaxAttempts-1)), ctx)
}

func (c *Client) record(ctx context.Context, inv models.ProviderInvocation) {
	inv.ID = uuid.New().String()
	inv.Timestamp = c.now()
	metrics.ProviderAttempts.WithLabelValues(string(inv.Provider), string(inv.Outcome)).Inc()

	c.mu.Lock()
	c.invocations = append(c.invocations, inv)
	if len(c.invocations) > maxInvocationLog {
		c.invocations = c.invocations[len(c.invocations)-maxInvocationLog:]
	}
	c.mu.Unlock()

	if c.recorder != nil {
		if err := c.recorder.RecordInvocation(context.WithoutCancel(ctx), inv); err != nil {
			log.Warn().Err(err).Str("invocation", inv.ID).Msg("llm: failed to persist invocation")
		}
	}
}

// Invocations returns a copy of the in-memory invocation log, oldest first.
// If requestID is set only that request's invocations are returned.
func (c *Client) Invocations(requestID string) []models.ProviderInvocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.ProviderInvocation, 0, len(c.invocations))
	for _, inv := range c.invocations {
		if requestID == "" || inv.RequestID == requestID {
			out = append(out, inv)
		}
	}
	return out
}
