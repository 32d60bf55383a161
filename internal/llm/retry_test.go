package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedClient struct {
	calls   int
	failed  int // first N calls fail
	failErr error
}

func (s *scriptedClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	s.calls++
	if s.calls <= s.failed {
		return "", s.failErr
	}
	return "summary of " + prompt, nil
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	inner := &scriptedClient{failed: 2, failErr: ErrService}
	r := NewRetryingClient(inner, 3, nil)
	r.BaseDelay = time.Millisecond

	text, err := r.Generate(context.Background(), "a.go", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "summary of a.go", text)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryGivesUpAtCap(t *testing.T) {
	cause := errors.New("backend down")
	inner := &scriptedClient{failed: 10, failErr: cause}
	r := NewRetryingClient(inner, 3, nil)
	r.BaseDelay = time.Millisecond

	_, err := r.Generate(context.Background(), "a.go", GenerationParams{})
	require.ErrorIs(t, err, cause)
	assert.Equal(t, 3, inner.calls, "attempts must be capped")
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	inner := &scriptedClient{failed: 10, failErr: ErrService}
	r := NewRetryingClient(inner, 5, nil)
	r.BaseDelay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := r.Generate(ctx, "a.go", GenerationParams{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, inner.calls, 5)
}
