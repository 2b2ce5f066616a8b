// Package llm provides the generation collaborator: provider clients plus a
// resilience wrapper that keeps the pipeline alive when the provider is slow,
// flaky or down.
package llm

import (
	"context"
	"errors"
)

// Client is a minimal completion interface implemented by every provider.
type Client interface {
	// Complete sends a user prompt and returns the raw model text.
	Complete(ctx context.Context, prompt string) (string, error)
	// CompleteWithSystem prepends a system instruction.
	CompleteWithSystem(ctx context.Context, system, prompt string) (string, error)
	// SetModel switches the active model for subsequent calls.
	SetModel(name string)
	// Model reports the active model name.
	Model() string
}

// ErrUnavailable reports that the provider could not be reached at all.
var ErrUnavailable = errors.New("collaborator unavailable")

// ErrEmptyResponse reports a reachable provider that returned no text.
var ErrEmptyResponse = errors.New("collaborator returned empty response")
