// Package discovery turns trigger events found in news sources into
// monitoring topics.
//
// Each cycle scans a set of feeds for trigger keywords (funding, layoffs,
// outages and the like), asks the analysis client which companies each
// matching event affects, and returns those companies as report topics.
// Companies already returned inside the cooldown window are not repeated.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/collector"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/llm"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/metrics"
	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

// Defaults for Options.
const (
	DefaultMaxEvents = 5
	DefaultMaxTopics = 3
	DefaultCooldown  = 24 * time.Hour
	DefaultFeed      = "trigger events"
)

const (
	snippetChars       = 1000
	targetTokens       = 500
	cooldownCapacity   = 1024
	maxTargetsPerEvent = 5
)

// DefaultKeywords mark a document as a potential trigger event.
var DefaultKeywords = []string{
	"launch", "acquire", "funding", "partnership", "crisis", "outage", "layoff",
	"regulatory", "disruption", "competitor", "pivot", "expansion", "restructuring",
}

const targetSystem = "You identify companies affected by business news. Answer with a JSON list only."

// Analyzer is the analysis client used to identify targets.
type Analyzer interface {
	Analyze(ctx context.Context, req llm.Request) (llm.Completion, error)
}

// TopicSource supplies topics. It matches scheduler.TopicSource.
type TopicSource interface {
	Topics(ctx context.Context) ([]string, error)
}

// Event is a source document that mentions at least one trigger keyword.
type Event struct {
	Source   string   `json:"source"`
	Title    string   `json:"title"`
	Snippet  string   `json:"snippet"`
	Keywords []string `json:"keywords"`
}

// Target is a company the analysis client linked to an event.
type Target struct {
	Company       string `json:"company_name"`
	Role          string `json:"decision_maker_role"`
	PotentialNeed string `json:"potential_need"`
}

// Options configures a TriggerSource.
type Options struct {
	Collector collector.Collector
	Analyzer  Analyzer

	// Feed is the topic passed to the collector when scanning for events.
	Feed      string
	Keywords  []string
	MaxEvents int // events analyzed per cycle
	MaxTopics int // discovered topics returned per cycle
	Cooldown  time.Duration
	Tier      models.PlanTier

	// BudgetHint caps the cost of one target analysis. Zero means no cap.
	BudgetHint float64

	// Fallback topics are always returned ahead of discovered ones.
	Fallback TopicSource
}

// TriggerSource discovers monitoring topics from trigger events.
type TriggerSource struct {
	opts   Options
	recent *expirable.LRU[string, struct{}]
}

// New creates a TriggerSource.
func New(opts Options) (*TriggerSource, error) {
	if opts.Collector == nil {
		return nil, errors.New("discovery: collector is required")
	}
	if opts.Analyzer == nil {
		return nil, errors.New("discovery: analyzer is required")
	}
	if opts.Feed == "" {
		opts.Feed = DefaultFeed
	}
	if len(opts.Keywords) == 0 {
		opts.Keywords = DefaultKeywords
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	if opts.MaxTopics <= 0 {
		opts.MaxTopics = DefaultMaxTopics
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Tier == "" {
		opts.Tier = models.TierStandard
	}
	return &TriggerSource{
		opts:   opts,
		recent: expirable.NewLRU[string, struct{}](cooldownCapacity, nil, opts.Cooldown),
	}, nil
}

// Topics returns the fallback topics followed by up to MaxTopics companies
// discovered this cycle. Discovery failures are logged and leave only the
// fallback topics; the error is returned only when there is nothing else.
func (s *TriggerSource) Topics(ctx context.Context) ([]string, error) {
	var topics []string
	seen := map[string]bool{}
	if s.opts.Fallback != nil {
		fallback, err := s.opts.Fallback.Topics(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("discovery: fallback topics unavailable")
		}
		for _, t := range fallback {
			if key := topicKey(t); key != "" && !seen[key] {
				seen[key] = true
				topics = append(topics, t)
			}
		}
	}

	discovered, err := s.Discover(ctx)
	if err != nil {
		log.Warn().Err(err).Int("fallback", len(topics)).Msg("discovery: cycle failed")
		if len(topics) == 0 {
			return nil, err
		}
		return topics, nil
	}
	for _, t := range discovered {
		if key := topicKey(t); !seen[key] {
			seen[key] = true
			topics = append(topics, t)
		}
	}
	return topics, nil
}

// Discover runs one discovery cycle and returns the new company topics.
func (s *TriggerSource) Discover(ctx context.Context) ([]string, error) {
	events, err := s.FindEvents(ctx)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		log.Info().Msg("discovery: no trigger events found")
		return nil, nil
	}

	var (
		topics   []string
		failures []error
	)
	for _, ev := range events {
		if len(topics) >= s.opts.MaxTopics {
			break
		}
		targets, err := s.IdentifyTargets(ctx, ev)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failures = append(failures, err)
			metrics.DiscoveryEvents.WithLabelValues("failed").Inc()
			log.Warn().Err(err).Str("source", ev.Source).Msg("discovery: target analysis failed")
			if errors.Is(err, llm.ErrBudgetExhausted) {
				break
			}
			continue
		}
		metrics.DiscoveryEvents.WithLabelValues("analyzed").Inc()

		for _, t := range targets {
			if len(topics) >= s.opts.MaxTopics {
				break
			}
			key := topicKey(t.Company)
			if _, recent := s.recent.Get(key); key == "" || recent {
				continue
			}
			s.recent.Add(key, struct{}{})
			topics = append(topics, strings.TrimSpace(t.Company))
			log.Info().Str("company", t.Company).Str("need", t.PotentialNeed).Str("source", ev.Source).
				Msg("discovery: topic discovered")
		}
	}
	metrics.DiscoveryTopics.Add(float64(len(topics)))

	if len(topics) == 0 && len(failures) > 0 {
		return nil, fmt.Errorf("discovery: no topics from %d events: %w", len(events), errors.Join(failures...))
	}
	return topics, nil
}

// FindEvents scans the feed for documents mentioning a trigger keyword.
// Unreachable sources are skipped.
func (s *TriggerSource) FindEvents(ctx context.Context) ([]Event, error) {
	var events []Event
	for doc, err := range s.opts.Collector.Collect(ctx, s.opts.Feed) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			log.Warn().Err(err).Msg("discovery: skipping source")
			continue
		}
		text := strings.ToLower(doc.Title + "\n" + doc.Body)
		var found []string
		for _, kw := range s.opts.Keywords {
			if strings.Contains(text, strings.ToLower(kw)) {
				found = append(found, kw)
			}
		}
		if len(found) == 0 {
			continue
		}
		snippet := doc.Body
		if len(snippet) > snippetChars {
			snippet = snippet[:snippetChars]
		}
		events = append(events, Event{Source: doc.Source, Title: doc.Title, Snippet: snippet, Keywords: found})
		if len(events) >= s.opts.MaxEvents {
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Debug().Int("events", len(events)).Msg("discovery: trigger scan complete")
	return events, nil
}

// IdentifyTargets asks the analysis client which companies ev affects.
func (s *TriggerSource) IdentifyTargets(ctx context.Context, ev Event) ([]Target, error) {
	comp, err := s.opts.Analyzer.Analyze(ctx, llm.Request{
		RequestID:       "discovery-" + uuid.New().String(),
		Tier:            s.opts.Tier,
		System:          targetSystem,
		Prompt:          targetPrompt(ev),
		MaxOutputTokens: targetTokens,
		Temperature:     0.2,
		BudgetHint:      s.opts.BudgetHint,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: analyze %s: %w", ev.Source, err)
	}
	return ParseTargets(comp.Text)
}

func targetPrompt(ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Trigger event from %s (keywords: %s):\n", ev.Source, strings.Join(ev.Keywords, ", "))
	b.WriteString("--- START CONTEXT ---\n")
	b.WriteString(ev.Snippet)
	b.WriteString("\n--- END CONTEXT ---\n\n")
	fmt.Fprintf(&b, "Identify up to %d companies directly affected by or involved in this event. ", maxTargetsPerEvent)
	b.WriteString("For each give a likely decision-maker role (or null) and the immediate need the event creates, in one sentence.\n")
	b.WriteString(`Answer strictly as a JSON list of objects with keys "company_name", "decision_maker_role", "potential_need". `)
	b.WriteString("Answer [] if no company is clearly affected.")
	return b.String()
}

// ParseTargets extracts the target list from a model answer. Code fences and
// text around the list are ignored; entries without a company or need are
// dropped.
func ParseTargets(text string) ([]Target, error) {
	start, end := strings.Index(text, "["), strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("discovery: no JSON list in answer")
	}
	var raw []Target
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("discovery: decode targets: %w", err)
	}
	out := make([]Target, 0, len(raw))
	for _, t := range raw {
		t.Company = strings.TrimSpace(t.Company)
		if t.Company == "" || strings.TrimSpace(t.PotentialNeed) == "" {
			continue
		}
		out = append(out, t)
		if len(out) == maxTargetsPerEvent {
			break
		}
	}
	return out, nil
}

func topicKey(topic string) string {
	return strings.Join(strings.Fields(strings.ToLower(topic)), " ")
}
