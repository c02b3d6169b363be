package pipeline

import (
	"context"
	"errors"

	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/budget"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/llm"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/reportcache"
	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

var (
	// ErrCollectionInsufficientData means fewer documents than the minimum were collected.
	ErrCollectionInsufficientData = errors.New("pipeline: insufficient source documents")
	// ErrRender means the renderer failed to produce a document.
	ErrRender = errors.New("pipeline: render failed")
	// ErrDeliveryFailure means the document could not be delivered after retry.
	// It never fails a run.
	ErrDeliveryFailure = errors.New("pipeline: delivery failed")
	// ErrCancelled means the run's context ended before a terminal state.
	ErrCancelled = errors.New("pipeline: cancelled")
	// ErrIllegalTransition is a state machine misuse.
	ErrIllegalTransition = errors.New("pipeline: illegal state transition")
)

// FailureCodeOf maps an error from a run to its failure code.
func FailureCodeOf(err error) models.FailureCode {
	var cached *reportcache.FailureError
	switch {
	case err == nil:
		return models.FailureNone
	case errors.Is(err, ErrCancelled):
		return models.FailureCancelled
	case errors.Is(err, llm.ErrBudgetExhausted):
		return models.FailureBudgetExhausted
	case errors.Is(err, llm.ErrProviderUnavailable), errors.Is(err, llm.ErrNoProviders):
		// provider causes may include per-call deadlines
		return models.FailureProviderUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return models.FailureCancelled
	case errors.Is(err, budget.ErrBudgetExceeded):
		return models.FailureBudgetExceeded
	case errors.Is(err, ErrCollectionInsufficientData):
		return models.FailureCollectionInsufficientData
	case errors.Is(err, ErrRender):
		return models.FailureRenderError
	case errors.As(err, &cached):
		return models.FailureCode(cached.Code)
	default:
		return models.FailureInternal
	}
}

// tombstoneCode decides which failures the artifact cache may remember.
// Budget and cancellation failures depend on the moment, not the request.
func tombstoneCode(err error) (string, bool) {
	switch code := FailureCodeOf(err); code {
	case models.FailureCollectionInsufficientData, models.FailureProviderUnavailable:
		return string(code), true
	default:
		return "", false
	}
}

// reviveFailure turns a tombstone code back into the matching sentinel.
func reviveFailure(code string) error {
	switch models.FailureCode(code) {
	case models.FailureCollectionInsufficientData:
		return ErrCollectionInsufficientData
	case models.FailureProviderUnavailable:
		return llm.ErrProviderUnavailable
	default:
		return &reportcache.FailureError{Code: code}
	}
}
