package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, 10*time.Millisecond, 100*time.Millisecond)
	transient := fmt.Errorf("dial: %w", ErrTransientNetwork)

	require.True(t, p.ShouldRetry(transient, 1))
	require.True(t, p.ShouldRetry(transient, 2))
	require.False(t, p.ShouldRetry(transient, 3), "attempts exhausted")
	require.False(t, p.ShouldRetry(nil, 1))
	require.False(t, p.ShouldRetry(ErrInvalidCookie, 1))
	require.False(t, p.ShouldRetry(ErrChallengeTimeout, 1))
	require.False(t, p.ShouldRetry(NewStatusError(403, "u", ""), 1))
	require.False(t, p.ShouldRetry(NewStatusError(404, "u", ""), 1))
	require.True(t, p.ShouldRetry(NewStatusError(502, "u", ""), 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(errors.New("parse failure"), 1))
}

func TestExponentialRetryPolicyBackoffBounded(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(5, 100*time.Millisecond, 400*time.Millisecond)
	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 400*time.Millisecond)
	}
	require.Equal(t, 5, p.MaxAttempts())
}

func TestStatusErrorClassification(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, NewStatusError(403, "u", ""), ErrChallengeRequired)
	require.ErrorIs(t, NewStatusError(429, "u", ""), ErrChallengeRequired)
	require.ErrorIs(t, NewStatusError(503, "u", ""), ErrTransientNetwork)
	require.ErrorIs(t, NewStatusError(404, "u", ""), ErrUnexpectedStatus)
	require.ErrorIs(t, ChallengeError(200, "u", "title_cloudflare"), ErrChallengeRequired)
	require.True(t, IsChallenge(fmt.Errorf("wrap: %w", ErrChallengeTimeout)))
	require.True(t, IsStageFatal(ErrStorageConstraint))
	require.False(t, IsStageFatal(ErrOrphanRecord))
}
