package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrUnknownProvider indicates a model string named a provider that is not
// configured.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrKind classifies a provider failure for the retry policy.
type ErrKind string

// Provider error kinds. Transient errors (timeouts, rate limits, 5xx) are
// retried and may trigger fallback; permanent errors (bad request, missing
// model, auth) surface immediately.
const (
	ErrKindTransient ErrKind = "transient"
	ErrKindPermanent ErrKind = "permanent"
)

// ProviderError is a classified failure from one provider backend.
type ProviderError struct {
	Provider string
	Model    string
	Kind     ErrKind
	Status   int // HTTP status, zero for transport errors
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: model %s: http %d: %v", e.Provider, e.Model, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: model %s: %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind == ErrKindTransient
	}
	return false
}

// classifyHTTPStatus maps an HTTP status to an error kind. Rate limits and
// server errors are transient; other client errors are permanent.
func classifyHTTPStatus(status int) ErrKind {
	if status == 429 || status >= 500 {
		return ErrKindTransient
	}
	return ErrKindPermanent
}

// classifyTransportError maps a transport-level failure to an error kind.
// Timeouts and connection failures are transient.
func classifyTransportError(err error) ErrKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrKindTransient
	}
	// Connection refused, DNS failures, and friends arrive as *url.Error
	// wrapping *net.OpError; treat any remaining transport error as
	// transient so a briefly-down local server gets retried.
	return ErrKindTransient
}
