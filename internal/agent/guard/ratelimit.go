// Package guard retries provider calls that hit rate limits, shrinking the
// request budget and backing off between attempts.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/quillagent/quill/internal/agent/ai"
)

const (
	// DefaultMaxRetries is how many times a rate-limited attempt is retried.
	DefaultMaxRetries = 3
	// DefaultShrinkFactor scales the token budget down on each rate limit.
	DefaultShrinkFactor = 0.5
	// DefaultBaseBackoff is the first retry delay.
	DefaultBaseBackoff = 1 * time.Second
	// DefaultMaxBackoff caps retry delays.
	DefaultMaxBackoff = 30 * time.Second
)

// Guard retries rate-limited provider round-trips with a shrinking budget
// and bounded, monotonically increasing backoff.
type Guard struct {
	maxRetries   int
	shrinkFactor float64
	baseBackoff  time.Duration
	maxBackoff   time.Duration

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Guard.
type Option func(*Guard)

// WithMaxRetries overrides the retry count.
func WithMaxRetries(n int) Option {
	return func(g *Guard) {
		if n >= 0 {
			g.maxRetries = n
		}
	}
}

// WithShrinkFactor overrides the budget shrink factor.
func WithShrinkFactor(f float64) Option {
	return func(g *Guard) {
		if f > 0 && f < 1 {
			g.shrinkFactor = f
		}
	}
}

// WithBackoff overrides the backoff bounds.
func WithBackoff(base, max time.Duration) Option {
	return func(g *Guard) {
		if base > 0 {
			g.baseBackoff = base
		}
		if max >= base {
			g.maxBackoff = max
		}
	}
}

// New creates a guard.
func New(opts ...Option) *Guard {
	g := &Guard{
		maxRetries:   DefaultMaxRetries,
		shrinkFactor: DefaultShrinkFactor,
		baseBackoff:  DefaultBaseBackoff,
		maxBackoff:   DefaultMaxBackoff,
		sleep:        sleepCtx,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Attempt runs one provider round-trip under the given token budget.
type Attempt func(ctx context.Context, maxTokens int) error

// Shrink is invoked after each rate limit with the reduced budget, before
// the retry, so the caller can compact history toward it.
type Shrink func(ctx context.Context, newBudget int) error

// Run executes attempt, retrying on rate limit errors. Each retry halves
// (by shrinkFactor) the budget, calls shrink, then sleeps a backoff that
// never decreases between attempts and honors the provider's RetryAfter.
// Any error other than a rate limit, and rate limit exhaustion, surface to
// the caller unchanged.
func (g *Guard) Run(ctx context.Context, budget int, shrink Shrink, attempt Attempt) error {
	var lastErr error
	backoff := g.baseBackoff

	for i := 0; i <= g.maxRetries; i++ {
		lastErr = attempt(ctx, budget)
		if lastErr == nil || !ai.IsRateLimit(lastErr) {
			return lastErr
		}
		if i == g.maxRetries {
			break
		}

		budget = int(float64(budget) * g.shrinkFactor)
		if budget < 1 {
			budget = 1
		}
		if shrink != nil {
			if err := shrink(ctx, budget); err != nil {
				return fmt.Errorf("failed to shrink toward reduced budget: %w", err)
			}
		}

		wait := backoff
		if ra := ai.RetryAfter(lastErr); ra > wait {
			wait = ra
		}
		if wait > g.maxBackoff {
			wait = g.maxBackoff
		}
		fmt.Printf("[Guard] Rate limited, retry %d/%d in %v with budget %d\n",
			i+1, g.maxRetries, wait, budget)
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}

		backoff = wait * 2
		if backoff > g.maxBackoff {
			backoff = g.maxBackoff
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
