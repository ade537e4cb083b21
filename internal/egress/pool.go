// Package egress manages the pool of outbound proxy endpoints used by the fetcher.
package egress

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sold-listings-crawler/internal/crawler"
)

// Health is the ban state of one endpoint.
type Health string

// Endpoint health states.
const (
	Healthy   Health = "healthy"
	Suspected Health = "suspected"
	Banned    Health = "banned"
)

// Outcome is what the fetcher observed on one attempt through an endpoint.
type Outcome int

// Outcomes reported back to the pool.
const (
	OutcomeSuccess Outcome = iota
	OutcomeBlocked
	OutcomeTransportFailure
	OutcomeNeutral
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeTransportFailure:
		return "transport_failure"
	default:
		return "neutral"
	}
}

// Endpoint is one egress identity. An empty Address means a direct connection.
type Endpoint struct {
	Address string
}

// Direct reports whether the endpoint bypasses any proxy.
func (e Endpoint) Direct() bool {
	return e.Address == ""
}

// EndpointStatus is a point-in-time view of one endpoint.
type EndpointStatus struct {
	Address             string    `json:"address"`
	Health              Health    `json:"health"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastUsed            time.Time `json:"last_used"`
	InUse               int       `json:"in_use"`
}

// Config tunes the pool.
type Config struct {
	Addresses                []string
	// FailureThreshold is the number of consecutive failures tolerated; the next one bans.
	FailureThreshold         int
	MaxConcurrentPerEndpoint int
}

// Pool selects endpoints round-robin and tracks their health for one run.
type Pool struct {
	mu        sync.Mutex
	endpoints []*EndpointStatus
	index     map[string]*EndpointStatus
	next      int
	threshold int
	capacity  int
	released  chan struct{}
	now       func() time.Time
	logger    *zap.Logger
	onBan     func(address string)
}

// Option customizes a Pool.
type Option func(*Pool)

// WithClock overrides the time source used for LastUsed stamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// WithBanHook registers a callback invoked once per endpoint when it is banned.
func WithBanHook(fn func(address string)) Option {
	return func(p *Pool) {
		p.onBan = fn
	}
}

// New builds a pool from cfg. Duplicate and blank addresses are dropped; an empty list yields a
// single direct endpoint.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	capacity := cfg.MaxConcurrentPerEndpoint
	if capacity <= 0 {
		capacity = 1
	}
	p := &Pool{
		index:     make(map[string]*EndpointStatus),
		threshold: threshold,
		capacity:  capacity,
		released:  make(chan struct{}),
		now:       time.Now,
		logger:    logger.Named("egress"),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, addr := range cfg.Addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, ok := p.index[addr]; ok {
			continue
		}
		p.add(addr)
	}
	if len(p.endpoints) == 0 {
		p.add("")
	}
	return p
}

func (p *Pool) add(addr string) {
	st := &EndpointStatus{Address: addr, Health: Healthy}
	p.endpoints = append(p.endpoints, st)
	p.index[addr] = st
}

// Size returns the number of configured endpoints.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// Acquire returns the next usable endpoint. It fails fast with crawler.ErrPoolExhausted when every
// endpoint is banned and blocks while all usable endpoints are at capacity.
func (p *Pool) Acquire(ctx context.Context) (Endpoint, error) {
	for {
		p.mu.Lock()
		ep, ok, allBanned := p.pickLocked()
		wait := p.released
		p.mu.Unlock()

		switch {
		case ok:
			return ep, nil
		case allBanned:
			return Endpoint{}, crawler.ErrPoolExhausted
		}

		select {
		case <-ctx.Done():
			return Endpoint{}, fmt.Errorf("acquire endpoint: %w", ctx.Err())
		case <-wait:
		}
	}
}

func (p *Pool) pickLocked() (Endpoint, bool, bool) {
	n := len(p.endpoints)
	allBanned := true
	for i := 0; i < n; i++ {
		st := p.endpoints[(p.next+i)%n]
		if st.Health == Banned {
			continue
		}
		allBanned = false
		if st.InUse >= p.capacity {
			continue
		}
		st.InUse++
		st.LastUsed = p.now()
		p.next = (p.next + i + 1) % n
		return Endpoint{Address: st.Address}, true, false
	}
	return Endpoint{}, false, allBanned
}

// Report records the outcome of an attempt and releases the endpoint's slot.
func (p *Pool) Report(address string, outcome Outcome) {
	p.mu.Lock()
	st, ok := p.index[address]
	if !ok {
		p.mu.Unlock()
		p.logger.Warn("report for unknown endpoint", zap.String("endpoint", address))
		return
	}
	if st.InUse > 0 {
		st.InUse--
	}
	banned := false
	switch outcome {
	case OutcomeSuccess:
		st.ConsecutiveFailures = 0
		if st.Health != Banned {
			st.Health = Healthy
		}
	case OutcomeBlocked, OutcomeTransportFailure:
		if st.Health != Banned {
			st.ConsecutiveFailures++
			st.Health = Suspected
			if st.ConsecutiveFailures > p.threshold {
				st.Health = Banned
				banned = true
			}
		}
	}
	failures := st.ConsecutiveFailures
	close(p.released)
	p.released = make(chan struct{})
	p.mu.Unlock()

	if banned {
		p.logger.Warn("endpoint banned",
			zap.String("endpoint", address),
			zap.String("outcome", outcome.String()),
			zap.Int("consecutive_failures", failures),
		)
		if p.onBan != nil {
			p.onBan(address)
		}
	}
}

// Snapshot returns a copy of the health table in configuration order.
func (p *Pool) Snapshot() []EndpointStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EndpointStatus, 0, len(p.endpoints))
	for _, st := range p.endpoints {
		out = append(out, *st)
	}
	return out
}

// LoadAddresses reads one proxy address per line from path. Blank lines and lines starting with
// '#' are ignored.
func LoadAddresses(path string) ([]string, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied proxy list
	if err != nil {
		return nil, fmt.Errorf("open proxy file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseAddresses(f)
}

// ParseAddresses reads one proxy address per line from r.
func ParseAddresses(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read proxy list: %w", err)
	}
	return out, nil
}
