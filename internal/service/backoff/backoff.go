// Package backoff wraps fallible operations with bounded exponential retry.
// Only idempotent read-ish operations (completion fetch, listing) go through
// it; persistence writes are never wrapped, to rule out duplicate records.
package backoff

import (
	"context"
	"math/rand"
	"time"

	"github.com/hearthchat/backend/internal/model/chat"
)

// DefaultMaxAttempts bounds retries when a Policy leaves MaxAttempts unset.
const DefaultMaxAttempts = 5

// Policy describes the retry schedule: after the nth failed attempt the wait
// is base*2^n plus up to one extra base unit of jitter.
type Policy struct {
	MaxAttempts int
	Base        time.Duration

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Policy with the given attempt cap and a one-second base.
func New(maxAttempts int) Policy {
	return Policy{MaxAttempts: maxAttempts, Base: time.Second}
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

func (p Policy) base() time.Duration {
	if p.Base <= 0 {
		return time.Second
	}
	return p.Base
}

func (p Policy) wait(ctx context.Context, attempt int) error {
	delay := p.base()<<uint(attempt) + time.Duration(rand.Float64()*float64(p.base()))
	if p.sleep != nil {
		return p.sleep(ctx, delay)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// Do invokes fn until it succeeds, fails non-retryably, or exhausts the
// attempt cap. The last failure is propagated unchanged.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var (
		zero T
		last error
	)
	attempts := p.maxAttempts()

	for attempt := 0; attempt < attempts; attempt++ {
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		last = err

		if !chat.Retryable(err) || attempt == attempts-1 {
			return zero, err
		}
		if err := p.wait(ctx, attempt); err != nil {
			return zero, last
		}
	}
	return zero, last
}
