package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

var (
	// ErrBudgetExhausted is returned when no provider could be afforded.
	ErrBudgetExhausted = errors.New("llm: budget exhausted")

	// ErrProviderUnavailable is returned when every provider failed.
	ErrProviderUnavailable = errors.New("llm: provider unavailable")

	// ErrNoProviders is returned by NewClient when nothing is configured.
	ErrNoProviders = errors.New("llm: no providers configured")
)

// ProviderError is a failed provider response.
type ProviderError struct {
	Provider   models.LLMProvider
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm: %s returned %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm: %s: %s", e.Provider, e.Message)
}

// NewStatusError builds a ProviderError for an HTTP status.
func NewStatusError(provider models.LLMProvider, status int, message string) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Message:    message,
		Retryable:  retryableStatus(status),
	}
}

// retryableStatus reports whether an HTTP status is worth retrying:
// request timeout, rate limiting and server errors.
func retryableStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}

// IsRetryable classifies a provider call error as transient. parent is the
// caller's context; a deadline hit by the per-call timeout is transient, a
// cancelled caller is not.
func IsRetryable(parent context.Context, err error) bool {
	if err == nil || parent.Err() != nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
