// Package retry wraps operations with bounded, jittered exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-crawler/internal/crawler"
)

var (
	// ErrExhausted wraps the last error once every attempt has failed.
	ErrExhausted = errors.New("retry attempts exhausted")
	// ErrResultRejected is returned with the last result when the result
	// predicate still asks for a retry after the final attempt.
	ErrResultRejected = errors.New("result rejected after final attempt")
)

// Matcher selects errors for the allow and deny lists.
type Matcher func(err error) bool

// Is matches errors wrapping target.
func Is(target error) Matcher {
	return func(err error) bool { return errors.Is(err, target) }
}

// KindOf matches crawler errors of any of the given kinds.
func KindOf(kinds ...crawler.ErrorKind) Matcher {
	return func(err error) bool {
		k := crawler.KindOf(err)
		for _, want := range kinds {
			if k == want {
				return true
			}
		}
		return false
	}
}

// Config controls attempts and backoff.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	// Jitter is the fractional spread applied to each delay (0.1 = ±10%).
	Jitter float64
}

// DefaultConfig returns three attempts starting at one second.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Factor:       2,
		Jitter:       0.1,
	}
}

// Policy is an immutable retry policy. Build one with New and share it.
type Policy struct {
	cfg     Config
	allow   []Matcher
	deny    []Matcher
	onRetry func(attempt int, err error, wait time.Duration)
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option customizes a Policy.
type Option func(*Policy)

// RetryOn restricts retries to errors matching at least one matcher. With
// no allow matchers every error is retried.
func RetryOn(m ...Matcher) Option {
	return func(p *Policy) { p.allow = append(p.allow, m...) }
}

// NeverRetry makes matching errors propagate immediately.
func NeverRetry(m ...Matcher) Option {
	return func(p *Policy) { p.deny = append(p.deny, m...) }
}

// OnRetry registers a hook called before each backoff sleep.
func OnRetry(fn func(attempt int, err error, wait time.Duration)) Option {
	return func(p *Policy) { p.onRetry = fn }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Policy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New builds a Policy. Zero fields in cfg other than Jitter fall back to
// DefaultConfig; a zero Jitter disables jitter.
func New(cfg Config, opts ...Option) *Policy {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Factor < 1 {
		cfg.Factor = def.Factor
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}
	p := &Policy{cfg: cfg, logger: zap.NewNop(), sleep: sleepCtx}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// Execute runs fn until it succeeds, a non-retryable error occurs, or the
// attempts run out.
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Run(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, nil)
	return err
}

// Run executes fn under p. When retryIf is non-nil and reports true for a
// successful result, the call is retried while attempts remain; after the
// last attempt the result is returned together with ErrResultRejected.
func Run[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error), retryIf func(T) bool) (T, error) {
	var (
		result  T
		lastErr error
	)
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return result, fmt.Errorf("retry canceled after %d attempts: %w", attempt-1, errors.Join(err, lastErr))
			}
			return result, fmt.Errorf("retry canceled: %w", err)
		}

		res, err := fn(ctx)
		result = res
		switch {
		case err == nil && (retryIf == nil || !retryIf(res)):
			return res, nil
		case err == nil:
			lastErr = ErrResultRejected
		default:
			if !p.retryable(err) {
				return res, err
			}
			lastErr = err
		}

		if attempt == p.cfg.MaxAttempts {
			break
		}
		wait := p.Backoff(attempt)
		if p.onRetry != nil {
			p.onRetry(attempt, lastErr, wait)
		}
		p.logger.Debug("retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(lastErr),
		)
		if err := p.sleep(ctx, wait); err != nil {
			return result, fmt.Errorf("retry canceled after %d attempts: %w", attempt, errors.Join(err, lastErr))
		}
	}
	if errors.Is(lastErr, ErrResultRejected) {
		return result, ErrResultRejected
	}
	return result, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.cfg.MaxAttempts, lastErr)
}

func (p *Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	// A per-navigation timeout is transient; a bare deadline is the caller's.
	if errors.Is(err, context.DeadlineExceeded) && crawler.KindOf(err) != crawler.KindTimeout {
		return false
	}
	for _, m := range p.deny {
		if m(err) {
			return false
		}
	}
	if len(p.allow) == 0 {
		return true
	}
	for _, m := range p.allow {
		if m(err) {
			return true
		}
	}
	return false
}

// Backoff returns the wait before attempt+1:
// min(initial * factor^(attempt-1), max) with jitter applied.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.cfg.InitialDelay) * math.Pow(p.cfg.Factor, float64(attempt-1))
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	spread := delay * p.cfg.Jitter
	return time.Duration(delay - spread + randomUpTo(2*spread))
}

func randomUpTo(limit float64) float64 {
	if limit < 1 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return float64(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
