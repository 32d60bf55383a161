package llm

import (
	"context"
	"log/slog"
	"time"
)

// RetryingClient decorates a Client with bounded exponential backoff.
// Attempts are capped; context errors are never retried.
type RetryingClient struct {
	Inner       Client
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *slog.Logger
}

// NewRetryingClient wraps inner with the given attempt cap.
func NewRetryingClient(inner Client, maxAttempts int, logger *slog.Logger) *RetryingClient {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &RetryingClient{
		Inner:       inner,
		MaxAttempts: maxAttempts,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Logger:      logger.With("component", "llm"),
	}
}

// Generate implements Client.
func (r *RetryingClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	delay := r.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		text, err := r.Inner.Generate(ctx, prompt, params)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attempt == r.MaxAttempts {
			break
		}

		r.Logger.Debug("generation attempt failed, backing off",
			"attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		delay *= 2
		if delay > r.MaxDelay {
			delay = r.MaxDelay
		}
	}
	return "", lastErr
}
