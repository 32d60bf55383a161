// Package llm abstracts the external text-generation service used for
// pass-2 enrichment. The orchestrator only sees the Client interface and
// never knows which backend fulfills it.
package llm

import (
	"context"
	"errors"
)

// ErrService wraps any backend failure so callers can classify enrichment
// failures without depending on a provider SDK's error types.
var ErrService = errors.New("generation service error")

// GenerationParams tune one generation call. Nil fields use backend defaults.
type GenerationParams struct {
	Model       string
	Temperature *float32
	MaxTokens   *int
	Stop        []string
}

// Client is the generation-service interface consumed by the orchestrator.
type Client interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}
