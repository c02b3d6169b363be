// Package pipeline runs report requests through collection, analysis,
// rendering and delivery.
//
// A run moves PENDING → COLLECTING → ANALYZING → RENDERING → DELIVERING →
// COMPLETE, or to FAILED from any non-terminal state. Only the run that
// computes an artifact for a fingerprint passes through COLLECTING and
// ANALYZING; runs that share a cached or in-flight artifact go straight from
// PENDING to RENDERING. Every run emits exactly one terminal alert and is
// archived through the RequestStore.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/budget"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/collector"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/llm"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/metrics"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/render"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/reportcache"
	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

// Defaults for Config.
const (
	DefaultMinDocuments       = 3
	DefaultMaxDocuments       = 20
	DefaultDeliveryRetryDelay = 5 * time.Second
	terminalTimeout           = 30 * time.Second
)

// Analyzer produces completions within the budget.
type Analyzer interface {
	Analyze(ctx context.Context, req llm.Request) (llm.Completion, error)
	// Affordable reports whether any provider's estimate fits the budget.
	Affordable(req llm.Request) bool
}

// Deliverer hands a rendered document to the requester.
type Deliverer interface {
	Deliver(ctx context.Context, req *models.ReportRequest, doc models.RenderedDocument) error
}

// Alerter sends operator alerts.
type Alerter interface {
	Notify(ctx context.Context, ev models.AlertEvent) []models.DeliveryRecord
}

// RequestStore archives terminal requests.
type RequestStore interface {
	SaveReport(ctx context.Context, req *models.ReportRequest) error
}

// TierConfig is the per-tier analysis budget.
type TierConfig struct {
	PriceCents      int     `json:"price_cents"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	BudgetHint      float64 `json:"budget_hint"`
	Temperature     float32 `json:"temperature"`
}

// DefaultTiers returns the built-in tier table.
func DefaultTiers() map[models.PlanTier]TierConfig {
	return map[models.PlanTier]TierConfig{
		models.TierStandard: {PriceCents: 750, MaxOutputTokens: 2500, BudgetHint: 1.50, Temperature: 0.4},
		models.TierPremium:  {PriceCents: 1200, MaxOutputTokens: 6000, BudgetHint: 4.00, Temperature: 0.4},
	}
}

// Config tunes a pipeline.
type Config struct {
	MinDocuments int
	MaxDocuments int
	// Bucket is the fingerprint time bucket. Zero uses CacheTTL.
	Bucket             time.Duration
	CacheTTL           time.Duration
	Tiers              map[models.PlanTier]TierConfig
	DeliveryRetryDelay time.Duration
}

// Deps are the collaborators of a pipeline.
type Deps struct {
	Cache     *reportcache.Cache[models.Artifact]
	Analyzer  Analyzer
	Collector collector.Collector
	Renderer  render.Renderer
	Deliverer Deliverer
	Alerter   Alerter      // optional
	Store     RequestStore // optional
	Clock     func() time.Time
}

// Orchestrator runs report requests.
type Orchestrator struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	mu     sync.RWMutex
	active map[string]models.ReportRequest
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Analyzer == nil:
		return nil, errors.New("pipeline: analyzer is required")
	case deps.Collector == nil:
		return nil, errors.New("pipeline: collector is required")
	case deps.Renderer == nil:
		return nil, errors.New("pipeline: renderer is required")
	case deps.Deliverer == nil:
		return nil, errors.New("pipeline: deliverer is required")
	}
	if cfg.MinDocuments <= 0 {
		cfg.MinDocuments = DefaultMinDocuments
	}
	if cfg.MaxDocuments < cfg.MinDocuments {
		cfg.MaxDocuments = max(DefaultMaxDocuments, cfg.MinDocuments)
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = reportcache.DefaultTTL
	}
	if cfg.Bucket <= 0 {
		cfg.Bucket = cfg.CacheTTL
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.DeliveryRetryDelay <= 0 {
		cfg.DeliveryRetryDelay = DefaultDeliveryRetryDelay
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Cache == nil {
		deps.Cache = reportcache.New(reportcache.Options[models.Artifact]{
			TTL:      cfg.CacheTTL,
			Clock:    deps.Clock,
			Classify: tombstoneCode,
			Revive:   reviveFailure,
		})
	}
	return &Orchestrator{cfg: cfg, deps: deps, now: deps.Clock, active: make(map[string]models.ReportRequest)}, nil
}

// CacheOptions returns options wiring failure tombstones to pipeline errors.
func CacheOptions(ttl, negativeTTL time.Duration, store reportcache.Store[models.Artifact]) reportcache.Options[models.Artifact] {
	return reportcache.Options[models.Artifact]{
		TTL:         ttl,
		NegativeTTL: negativeTTL,
		Store:       store,
		Classify:    tombstoneCode,
		Revive:      reviveFailure,
	}
}

// Tier returns the configuration for tier.
func (o *Orchestrator) Tier(tier models.PlanTier) (TierConfig, bool) {
	tc, ok := o.cfg.Tiers[tier]
	return tc, ok
}

// Cache returns the artifact cache.
func (o *Orchestrator) Cache() *reportcache.Cache[models.Artifact] {
	return o.deps.Cache
}

// Lookup returns a snapshot of an in-flight request.
func (o *Orchestrator) Lookup(id string) (models.ReportRequest, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	req, ok := o.active[id]
	return req, ok
}

// Active returns snapshots of all in-flight requests.
func (o *Orchestrator) Active() []models.ReportRequest {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]models.ReportRequest, 0, len(o.active))
	for _, r := range o.active {
		out = append(out, r)
	}
	return out
}

func (o *Orchestrator) track(req *models.ReportRequest) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if req.State.Terminal() {
		delete(o.active, req.ID)
		return
	}
	o.active[req.ID] = *req
}

// Prepare fills in identity, timestamps and fingerprint for a new request.
func (o *Orchestrator) Prepare(req *models.ReportRequest) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.State == "" {
		req.State = models.StatePending
	}
	if req.Tier == "" {
		req.Tier = models.TierStandard
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = o.now().UTC()
	}
	if req.Fingerprint == "" {
		req.Fingerprint = Fingerprint(req.Topic, req.Tier, req.RequestedAt, o.cfg.Bucket)
	}
}

// Run drives req to a terminal state. It returns nil when the run completes,
// including when delivery failed, and the failure otherwise.
func (o *Orchestrator) Run(ctx context.Context, req *models.ReportRequest) error {
	o.Prepare(req)
	if req.State != models.StatePending {
		return fmt.Errorf("%w: run started in state %s", ErrIllegalTransition, req.State)
	}
	r := o.newRun(req)
	r.logger.Info().Str("topic", req.Topic).Str("tier", string(req.Tier)).Msg("pipeline: run started")

	if _, ok := o.cfg.Tiers[req.Tier]; !ok {
		return r.fail(ctx, fmt.Errorf("pipeline: unknown tier %q", req.Tier))
	}
	if strings.TrimSpace(req.Topic) == "" {
		return r.fail(ctx, errors.New("pipeline: empty topic"))
	}

	art, err := r.resolve(ctx)
	if err != nil {
		return r.fail(ctx, err)
	}
	if err := r.advance(models.StateRendering); err != nil {
		return r.fail(ctx, err)
	}
	if ctx.Err() != nil {
		return r.fail(ctx, ctx.Err())
	}

	doc, err := o.deps.Renderer.Render(ctx, req, &art)
	if err != nil {
		if ctx.Err() != nil {
			return r.fail(ctx, ctx.Err())
		}
		return r.fail(ctx, fmt.Errorf("%w: %w", ErrRender, err))
	}

	if err := r.advance(models.StateDelivering); err != nil {
		return r.fail(ctx, err)
	}
	r.deliver(ctx, doc)
	if ctx.Err() != nil {
		return r.fail(ctx, ctx.Err())
	}

	r.mu.Lock()
	err = transition(req, models.StateComplete)
	req.FinishedAt = o.now().UTC()
	r.mu.Unlock()
	if err != nil {
		return r.fail(ctx, err)
	}
	o.finish(ctx, req, r.logger)
	return nil
}

// Abort fails a request that never started, through the same terminal path
// as a run (one alert, archived).
func (o *Orchestrator) Abort(ctx context.Context, req *models.ReportRequest, cause error) error {
	o.Prepare(req)
	if req.State.Terminal() {
		return nil
	}
	r := o.newRun(req)
	return r.fail(ctx, fmt.Errorf("%w: %w", ErrCancelled, cause))
}

// run is the mutable state of one pipeline run. The compute step may outlive
// a cancelled caller, so every write to req happens under mu and only while
// req is non-terminal.
type run struct {
	o        *Orchestrator
	req      *models.ReportRequest
	logger   zerolog.Logger
	mu       sync.Mutex
	computed atomic.Bool
}

func (o *Orchestrator) newRun(req *models.ReportRequest) *run {
	if req.StartedAt.IsZero() {
		req.StartedAt = o.now().UTC()
	}
	o.track(req)
	return &run{
		o:   o,
		req: req,
		logger: log.With().
			Str("request_id", req.ID).
			Str("fingerprint", req.Fingerprint).
			Str("source", string(req.Source)).
			Logger(),
	}
}

func (r *run) advance(to models.ReportState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := transition(r.req, to); err != nil {
		return err
	}
	r.o.track(r.req)
	r.logger.Debug().Str("state", string(to)).Msg("pipeline: state changed")
	return nil
}

func (r *run) addCost(cost float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.req.State.Terminal() {
		return
	}
	r.req.CostUSD += cost
}

func (r *run) analysisRequest(system, prompt string) llm.Request {
	tc := r.o.cfg.Tiers[r.req.Tier]
	return llm.Request{
		RequestID:       r.req.ID,
		Fingerprint:     r.req.Fingerprint,
		Tier:            r.req.Tier,
		System:          system,
		Prompt:          prompt,
		MaxOutputTokens: tc.MaxOutputTokens,
		Temperature:     tc.Temperature,
		BudgetHint:      tc.BudgetHint,
	}
}

// resolve returns the artifact for the request's fingerprint, from the cache
// or by computing it.
func (r *run) resolve(ctx context.Context) (models.Artifact, error) {
	cache := r.o.deps.Cache
	fp := r.req.Fingerprint

	if art, ok := cache.Get(ctx, fp); ok {
		r.markShared()
		r.logger.Info().Msg("pipeline: cache hit")
		return art, nil
	}

	art, err := cache.GetOrCompute(ctx, fp, r.compute, r.o.cfg.CacheTTL)
	if err != nil {
		return models.Artifact{}, err
	}
	if !r.computed.Load() {
		r.markShared()
		r.logger.Info().Msg("pipeline: shared in-flight artifact")
	}
	return art, nil
}

func (r *run) markShared() {
	r.mu.Lock()
	r.req.CacheHit = true
	r.mu.Unlock()
}

// compute runs collection and analysis. It executes at most once per
// fingerprint at a time, on behalf of every run waiting on it.
func (r *run) compute(ctx context.Context) (models.Artifact, error) {
	r.computed.Store(true)

	// Runs waiting on this flight cost nothing, so only the computing run is
	// checked. The prompt is not known before collection; the estimate is
	// dominated by the output ceiling.
	system, prompt := buildPrompt(r.req.Topic, r.req.Tier, nil)
	if !r.o.deps.Analyzer.Affordable(r.analysisRequest(system, prompt)) {
		return models.Artifact{}, fmt.Errorf("pipeline: no provider fits the remaining budget: %w", budget.ErrBudgetExceeded)
	}

	if err := r.advance(models.StateCollecting); err != nil {
		return models.Artifact{}, err
	}

	docs, err := r.collect(ctx)
	if err != nil {
		return models.Artifact{}, err
	}
	if err := r.advance(models.StateAnalyzing); err != nil {
		return models.Artifact{}, err
	}

	system, prompt = buildPrompt(r.req.Topic, r.req.Tier, docs)
	comp, err := r.o.deps.Analyzer.Analyze(ctx, r.analysisRequest(system, prompt))
	if err != nil {
		return models.Artifact{}, fmt.Errorf("pipeline: analyze: %w", err)
	}
	r.addCost(comp.CostUSD)

	title, summary, sections := parseArtifact(comp.Text, "Intelligence Report: "+r.req.Topic)
	r.logger.Info().Str("provider", string(comp.Provider)).Str("model", comp.Model).
		Float64("cost_usd", comp.CostUSD).Int("sections", len(sections)).Msg("pipeline: analysis complete")
	return models.Artifact{
		Title:       title,
		Topic:       r.req.Topic,
		Tier:        r.req.Tier,
		Summary:     summary,
		Sections:    sections,
		Provider:    comp.Provider,
		Model:       comp.Model,
		CostUSD:     comp.CostUSD,
		SourceCount: len(docs),
		GeneratedAt: r.o.now().UTC(),
	}, nil
}

func (r *run) collect(ctx context.Context) ([]models.Document, error) {
	var (
		docs    []models.Document
		skipped int
	)
	for doc, err := range r.o.deps.Collector.Collect(ctx, r.req.Topic) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			skipped++
			r.logger.Warn().Err(err).Msg("pipeline: skipping source")
			continue
		}
		if strings.TrimSpace(doc.Body) == "" {
			skipped++
			continue
		}
		docs = append(docs, doc)
		if len(docs) >= r.o.cfg.MaxDocuments {
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(docs) < r.o.cfg.MinDocuments {
		return nil, fmt.Errorf("%w: collected %d of %d required (%d skipped)",
			ErrCollectionInsufficientData, len(docs), r.o.cfg.MinDocuments, skipped)
	}
	r.logger.Info().Int("documents", len(docs)).Int("skipped", skipped).Msg("pipeline: collection complete")
	return docs, nil
}

// deliver tries the deliverer twice. Failure is recorded on the request and
// never fails the run.
func (r *run) deliver(ctx context.Context, doc models.RenderedDocument) {
	d := r.o.deps.Deliverer
	err := d.Deliver(ctx, r.req, doc)
	if err != nil && ctx.Err() == nil {
		r.logger.Warn().Err(err).Msg("pipeline: delivery failed, retrying once")
		select {
		case <-ctx.Done():
		case <-time.After(r.o.cfg.DeliveryRetryDelay):
			err = d.Deliver(ctx, r.req, doc)
		}
	}
	if err == nil {
		return
	}
	err = fmt.Errorf("%w: %w", ErrDeliveryFailure, err)
	metrics.DeliveryFailures.Inc()
	r.logger.Error().Err(err).Msg("pipeline: delivery failed")

	r.mu.Lock()
	r.req.DeliveryError = err.Error()
	r.mu.Unlock()
}

func (r *run) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
		err = fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	r.mu.Lock()
	if r.req.State.Terminal() {
		r.mu.Unlock()
		return err
	}
	if terr := transition(r.req, models.StateFailed); terr != nil {
		r.mu.Unlock()
		return errors.Join(err, terr)
	}
	r.req.Failure = FailureCodeOf(err)
	r.req.Error = err.Error()
	r.req.FinishedAt = r.o.now().UTC()
	r.mu.Unlock()

	r.o.finish(ctx, r.req, r.logger)
	return err
}

// finish emits the terminal alert and archives req.
func (o *Orchestrator) finish(ctx context.Context, req *models.ReportRequest, logger zerolog.Logger) {
	o.track(req)
	metrics.PipelineRuns.WithLabelValues(string(req.State), string(req.Failure)).Inc()
	metrics.PipelineDuration.WithLabelValues(string(req.State)).Observe(req.Duration().Seconds())

	ev := logger.Info()
	if req.State == models.StateFailed {
		ev = logger.Error().Str("failure", string(req.Failure)).Str("error", req.Error)
	}
	ev.Str("state", string(req.State)).Str("stage", string(req.Stage)).
		Float64("cost_usd", req.CostUSD).Bool("cache_hit", req.CacheHit).
		Dur("duration", req.Duration()).Msg("pipeline: run finished")

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalTimeout)
	defer cancel()

	if o.deps.Alerter != nil {
		o.deps.Alerter.Notify(tctx, terminalAlert(req))
	}
	if o.deps.Store != nil {
		if err := o.deps.Store.SaveReport(tctx, req); err != nil {
			logger.Warn().Err(err).Msg("pipeline: failed to archive request")
		}
	}
}

func terminalAlert(req *models.ReportRequest) models.AlertEvent {
	fields := map[string]string{
		"request_id":  req.ID,
		"topic":       req.Topic,
		"tier":        string(req.Tier),
		"source":      string(req.Source),
		"fingerprint": req.Fingerprint,
		"stage":       string(req.Stage),
		"cost_usd":    strconv.FormatFloat(req.CostUSD, 'f', 4, 64),
		"duration":    req.Duration().Round(time.Millisecond).String(),
		"cache_hit":   strconv.FormatBool(req.CacheHit),
	}
	if req.DeliveryError != "" {
		fields["delivery_error"] = req.DeliveryError
	}

	if req.State == models.StateComplete {
		ev := models.AlertEvent{
			Kind:     models.AlertReportComplete,
			Severity: models.SeverityInfo,
			Title:    "Report complete: " + req.Topic,
			Fields:   fields,
		}
		if req.DeliveryError != "" {
			ev.Severity = models.SeverityWarning
			ev.Message = "The report was generated but could not be delivered."
		}
		return ev
	}

	fields["failure"] = string(req.Failure)
	sev := models.SeverityCritical
	switch req.Failure {
	case models.FailureCancelled, models.FailureCollectionInsufficientData:
		sev = models.SeverityWarning
	}
	return models.AlertEvent{
		Kind:     models.AlertReportFailed,
		Severity: sev,
		Title:    fmt.Sprintf("Report failed (%s): %s", req.Failure, req.Topic),
		Message:  req.Error,
		Fields:   fields,
	}
}
