package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicyBackoffBounds(t *testing.T) {
	p := NewExponentialRetryPolicy(100*time.Millisecond, 400*time.Millisecond)

	for attempt := 1; attempt <= 6; attempt++ {
		full := 100 * time.Millisecond << (attempt - 1)
		if full > 400*time.Millisecond {
			full = 400 * time.Millisecond
		}
		got := p.Backoff(attempt)
		require.GreaterOrEqual(t, got, full/2, "attempt %d", attempt)
		require.LessOrEqual(t, got, full, "attempt %d", attempt)
	}
}

func TestExponentialRetryPolicyDisabled(t *testing.T) {
	require.Zero(t, NewExponentialRetryPolicy(0, time.Second).Backoff(3))

	var nilPolicy *ExponentialRetryPolicy
	require.Zero(t, nilPolicy.Backoff(1))
}
