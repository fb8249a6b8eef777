// Package llm fronts the text-generation providers. The gateway assembles
// prompts, parses provider output into typed study content with bounded
// retries, and fails over between providers behind circuit breakers.
package llm

import (
	"context"
	"errors"
)

// Params tune a single completion attempt. Retry adjustments are always
// derived from the initial values and the current attempt number, never
// cumulatively.
type Params struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Provider is a single text-completion backend.
type Provider interface {
	Name() string

	// Complete returns the raw model output for the prompt. Implementations
	// honor ctx for the per-attempt timeout.
	Complete(ctx context.Context, prompt string, p Params) (string, error)
}

// errTransient marks network/5xx/timeout failures that justify failover.
var errTransient = errors.New("transient provider failure")

// errRefused marks content-filter rejections; these are surfaced, not retried.
var errRefused = errors.New("provider refused the request")

// transientf wraps err so the gateway treats it as transient.
func transientf(err error) error {
	return errors.Join(errTransient, err)
}

// IsTransient reports whether err should trigger provider failover.
func IsTransient(err error) bool { return errors.Is(err, errTransient) }

// IsRefusal reports whether err is a content-filter rejection.
func IsRefusal(err error) bool { return errors.Is(err, errRefused) }
