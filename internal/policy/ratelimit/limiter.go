// Package ratelimit implements adaptive per-domain politeness delays. Each
// domain starts at a default delay that shrinks on success and backs off
// exponentially on failure.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-crawler/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	DefaultDelay  time.Duration
	MinDelay      time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	SuccessFactor float64
	// Jitter is the fractional spread applied to every delay (0.25 = ±25%).
	Jitter float64
	Logger *zap.Logger
}

// DefaultConfig returns the stock politeness settings.
func DefaultConfig() Config {
	return Config{
		DefaultDelay:  2 * time.Second,
		MinDelay:      500 * time.Millisecond,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		SuccessFactor: 0.9,
		Jitter:        0.25,
	}
}

// DomainState is the politeness bookkeeping for one domain.
type DomainState struct {
	Domain          string        `json:"domain"`
	NextAvailableAt time.Time     `json:"next_available_at"`
	CurrentDelay    time.Duration `json:"current_delay"`
}

// Limiter manages per-domain delays. It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	domains map[string]*DomainState
	logger  *zap.Logger

	now  func() time.Time
	rand func() float64
}

// New creates a Limiter. Zero fields in cfg fall back to DefaultConfig.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.DefaultDelay <= 0 {
		cfg.DefaultDelay = def.DefaultDelay
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = def.MinDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.SuccessFactor <= 0 || cfg.SuccessFactor > 1 {
		cfg.SuccessFactor = def.SuccessFactor
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		cfg:     cfg,
		domains: make(map[string]*DomainState),
		logger:  logger,
		now:     time.Now,
		rand:    rand.Float64,
	}
}

// Wait blocks for at least the domain's jittered delay and until the domain's
// current window has closed, then claims the next window. Concurrent callers
// on one domain are released one delay apart. It returns the time actually
// waited. The lock is not held while sleeping.
func (l *Limiter) Wait(ctx context.Context, domain string) (time.Duration, error) {
	l.mu.Lock()
	st := l.stateLocked(domain)
	now := l.now()
	delay := l.jitterLocked(st.CurrentDelay)
	at := now.Add(delay)
	if st.NextAvailableAt.After(at) {
		at = st.NextAvailableAt
	}
	st.NextAvailableAt = at.Add(delay)
	l.mu.Unlock()

	wait := at.Sub(now)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("rate limit wait: %w", ctx.Err())
	case <-timer.C:
	}
	metrics.ObserveRateLimitDelay(domain, wait)
	return wait, nil
}

// Reserve claims the domain's next politeness window if it is open at now.
// On success the domain becomes unavailable until now plus a jittered delay.
// The returned time is when the domain is next available.
func (l *Limiter) Reserve(domain string, now time.Time) (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateLocked(domain)
	if now.Before(st.NextAvailableAt) {
		return false, st.NextAvailableAt
	}
	delay := l.jitterLocked(st.CurrentDelay)
	st.NextAvailableAt = now.Add(delay)
	metrics.ObserveRateLimitDelay(domain, delay)
	return true, st.NextAvailableAt
}

// ReadyAt reports when the domain is next available. Unknown domains are
// ready immediately.
func (l *Limiter) ReadyAt(domain string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.domains[domain]; ok {
		return st.NextAvailableAt
	}
	return time.Time{}
}

// Delay returns the domain's current base delay.
func (l *Limiter) Delay(domain string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked(domain).CurrentDelay
}

// Success shrinks the domain's delay, floored at MinDelay.
func (l *Limiter) Success(domain string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateLocked(domain)
	next := time.Duration(float64(st.CurrentDelay) * l.cfg.SuccessFactor)
	if next < l.cfg.MinDelay {
		next = l.cfg.MinDelay
	}
	st.CurrentDelay = next
}

// Failure backs the domain's delay off, capped at MaxDelay, and returns the
// new delay.
func (l *Limiter) Failure(domain string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateLocked(domain)
	next := time.Duration(float64(st.CurrentDelay) * l.cfg.BackoffFactor)
	if next > l.cfg.MaxDelay {
		next = l.cfg.MaxDelay
	}
	st.CurrentDelay = next
	l.logger.Debug("domain backed off", zap.String("domain", domain), zap.Duration("delay", next))
	return next
}

// Reset restores the default delay for a domain.
func (l *Limiter) Reset(domain string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateLocked(domain)
	st.CurrentDelay = l.cfg.DefaultDelay
	st.NextAvailableAt = time.Time{}
}

// Stats returns a snapshot of every known domain ordered by name.
func (l *Limiter) Stats() []DomainState {
	l.mu.Lock()
	out := make([]DomainState, 0, len(l.domains))
	for _, st := range l.domains {
		out = append(out, *st)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

func (l *Limiter) stateLocked(domain string) *DomainState {
	if domain == "" {
		domain = "unknown"
	}
	st, ok := l.domains[domain]
	if !ok {
		st = &DomainState{Domain: domain, CurrentDelay: l.cfg.DefaultDelay}
		l.domains[domain] = st
	}
	return st
}

func (l *Limiter) jitterLocked(d time.Duration) time.Duration {
	if l.cfg.Jitter == 0 {
		return d
	}
	spread := (l.rand()*2 - 1) * l.cfg.Jitter
	return time.Duration(float64(d) * (1 + spread))
}
