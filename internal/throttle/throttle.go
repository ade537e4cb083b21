// Package throttle adapts the delay between fetches to observed latency and failures.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/sold-listings-crawler/internal/metrics"
)

// Config tunes the throttle.
type Config struct {
	Enabled           bool
	StartDelay        time.Duration
	MinDelay          time.Duration
	MaxDelay          time.Duration
	TargetConcurrency float64
}

// AutoThrottle spaces fetches by a delay that converges on latency / target concurrency after
// successes and doubles after failures.
type AutoThrottle struct {
	mu      sync.Mutex
	cfg     Config
	delay   time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New builds a throttle starting at cfg.StartDelay.
func New(cfg Config, logger *zap.Logger) *AutoThrottle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TargetConcurrency <= 0 {
		cfg.TargetConcurrency = 1
	}
	if cfg.MaxDelay > 0 && cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	t := &AutoThrottle{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  logger.Named("throttle"),
	}
	t.setDelayLocked(t.clamp(cfg.StartDelay))
	return t
}

// Wait blocks until the next fetch may start.
func (t *AutoThrottle) Wait(ctx context.Context) error {
	start := time.Now()
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("throttle wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveThrottleWait(waited)
	}
	return nil
}

// Observe feeds one fetch result back. ok is false for blocked, timed out or failed fetches.
func (t *AutoThrottle) Observe(latency time.Duration, ok bool) {
	if !t.cfg.Enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.delay
	var next time.Duration
	if ok {
		target := time.Duration(float64(latency) / t.cfg.TargetConcurrency)
		next = (prev + target) / 2
		if next < target {
			next = target
		}
	} else {
		next = prev * 2
		if next < t.cfg.StartDelay {
			next = t.cfg.StartDelay
		}
	}
	next = t.clamp(next)
	if !ok && next < prev {
		next = prev
	}
	if next == prev {
		return
	}
	t.setDelayLocked(next)
	t.logger.Debug("delay adjusted",
		zap.Duration("from", prev),
		zap.Duration("to", next),
		zap.Duration("latency", latency),
		zap.Bool("ok", ok),
	)
}

// Delay returns the current delay.
func (t *AutoThrottle) Delay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delay
}

func (t *AutoThrottle) clamp(d time.Duration) time.Duration {
	if d < t.cfg.MinDelay {
		d = t.cfg.MinDelay
	}
	if t.cfg.MaxDelay > 0 && d > t.cfg.MaxDelay {
		d = t.cfg.MaxDelay
	}
	return d
}

func (t *AutoThrottle) setDelayLocked(d time.Duration) {
	t.delay = d
	if d <= 0 {
		t.limiter.SetLimit(rate.Inf)
	} else {
		t.limiter.SetLimit(rate.Every(d))
	}
	metrics.SetThrottleDelay(d)
}
