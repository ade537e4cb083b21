package crawler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// ExponentialRetryPolicy computes jittered exponential backoff delays.
type ExponentialRetryPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewExponentialRetryPolicy builds a policy; a zero base delay disables waiting.
func NewExponentialRetryPolicy(baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &ExponentialRetryPolicy{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
	}
}

// Backoff returns the wait duration before the given retry attempt (1-based).
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if p == nil || p.baseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
