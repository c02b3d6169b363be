package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/budget"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/llm"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/reportcache"
	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

func TestTransition_LegalPath(t *testing.T) {
	req := &models.ReportRequest{State: models.StatePending}
	for _, s := range []models.ReportState{
		models.StateCollecting, models.StateAnalyzing, models.StateRendering,
		models.StateDelivering, models.StateComplete,
	} {
		require.NoError(t, transition(req, s))
	}
	assert.Equal(t, models.StateComplete, req.State)
	assert.Equal(t, models.StateDelivering, req.Stage)
}

func TestTransition_Illegal(t *testing.T) {
	cases := []struct{ from, to models.ReportState }{
		{models.StatePending, models.StateAnalyzing},
		{models.StateCollecting, models.StateRendering},
		{models.StateRendering, models.StateComplete},
		{models.StateComplete, models.StateFailed},
		{models.StateFailed, models.StatePending},
	}
	for _, c := range cases {
		req := &models.ReportRequest{State: c.from}
		err := transition(req, c.to)
		assert.ErrorIs(t, err, ErrIllegalTransition, "%s -> %s", c.from, c.to)
		assert.Equal(t, c.from, req.State)
	}
}

func TestTransition_FailedFromAnyNonTerminal(t *testing.T) {
	for _, s := range []models.ReportState{
		models.StatePending, models.StateCollecting, models.StateAnalyzing,
		models.StateRendering, models.StateDelivering,
	} {
		assert.True(t, CanTransition(s, models.StateFailed), string(s))
	}
}

func TestFingerprint(t *testing.T) {
	at := time.Date(2026, 6, 1, 10, 5, 0, 0, time.UTC)

	a := Fingerprint("Solar  Storage", models.TierStandard, at, time.Hour)
	b := Fingerprint("storage solar", models.TierStandard, at.Add(50*time.Minute), time.Hour)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, Fingerprint("solar storage", models.TierPremium, at, time.Hour))
	assert.NotEqual(t, a, Fingerprint("solar storage", models.TierStandard, at.Add(time.Hour), time.Hour))
	assert.NotEqual(t, a, Fingerprint("wind storage", models.TierStandard, at, time.Hour))
}

func TestNormalizeTopic(t *testing.T) {
	assert.Equal(t, "ai chips market", NormalizeTopic("  Market  AI\tchips "))
	assert.Equal(t, "", NormalizeTopic("   "))
}

func TestParseArtifact(t *testing.T) {
	title, summary, sections := parseArtifact(reportText, "fallback")
	assert.Equal(t, "Solar Storage Outlook", title)
	assert.Equal(t, "Storage prices keep falling.", summary)
	require.Len(t, sections, 2)
	assert.Equal(t, "Key Trends", sections[0].Title)
	assert.Equal(t, "Grid-scale batteries are growing.", sections[0].Content)
	assert.Equal(t, "N/A", sections[1].Content)
}

func TestParseArtifact_NoHeadings(t *testing.T) {
	title, summary, sections := parseArtifact("Just a paragraph.\nAnd another.", "Intelligence Report: x")
	assert.Equal(t, "Intelligence Report: x", title)
	assert.Equal(t, "Just a paragraph.\nAnd another.", summary)
	assert.Empty(t, sections)
}

func TestParseArtifact_FirstSectionIsSummaryWithoutExecutiveSummary(t *testing.T) {
	_, summary, sections := parseArtifact("# T\n## Overview\nfirst\n## Risks\nsecond\n", "f")
	assert.Equal(t, "first", summary)
	require.Len(t, sections, 1)
	assert.Equal(t, "Risks", sections[0].Title)
}

func TestBuildPrompt_IncludesSourcesAndSections(t *testing.T) {
	system, prompt := buildPrompt("solar", models.TierPremium, []models.Document{{Source: "https://a", Title: "A", Body: "alpha"}})
	assert.Contains(t, system, "markdown")
	assert.Contains(t, prompt, "Topic: solar")
	assert.Contains(t, prompt, "Competitive Landscape")
	assert.Contains(t, prompt, "Source 1: A (https://a)\nalpha")
}

func TestFailureCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		want models.FailureCode
	}{
		{nil, models.FailureNone},
		{fmt.Errorf("x: %w", budget.ErrBudgetExceeded), models.FailureBudgetExceeded},
		{fmt.Errorf("%w: %w", llm.ErrBudgetExhausted, budget.ErrBudgetExceeded), models.FailureBudgetExhausted},
		{fmt.Errorf("%w: %w", llm.ErrProviderUnavailable, errors.Join(budget.ErrBudgetExceeded, context.DeadlineExceeded)), models.FailureProviderUnavailable},
		{ErrCollectionInsufficientData, models.FailureCollectionInsufficientData},
		{fmt.Errorf("%w: boom", ErrRender), models.FailureRenderError},
		{fmt.Errorf("%w: %w", ErrCancelled, llm.ErrProviderUnavailable), models.FailureCancelled},
		{context.Canceled, models.FailureCancelled},
		{&reportcache.FailureError{Code: "render_error"}, models.FailureRenderError},
		{errors.New("surprise"), models.FailureInternal},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, FailureCodeOf(c.err), "%v", c.err)
	}
}

func TestTombstoneRoundTrip(t *testing.T) {
	code, ok := tombstoneCode(fmt.Errorf("wrapped: %w", ErrCollectionInsufficientData))
	require.True(t, ok)
	assert.ErrorIs(t, reviveFailure(code), ErrCollectionInsufficientData)

	_, ok = tombstoneCode(budget.ErrBudgetExceeded)
	assert.False(t, ok)
	_, ok = tombstoneCode(context.Canceled)
	assert.False(t, ok)
}
