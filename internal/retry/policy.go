// Package retry provides the backoff policy shared by transport
// reconnects, capability resolution, and task dispatch retries.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration

	// Multiplier scales the delay after each failed attempt.
	Multiplier float64

	// MaxDelay caps the per-attempt delay. Zero means uncapped.
	MaxDelay time.Duration

	// Jitter adds up to 25% random variance to each delay when true.
	Jitter bool
}

// DefaultPolicy returns the policy used when the configuration does not
// override it.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// Delay returns the backoff delay preceding the given attempt.
// Attempt numbering starts at 0; the first attempt has no delay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	if p.Jitter {
		d += d * 0.25 * rand.Float64()
	}
	// Cap after jitter so MaxDelay is a hard ceiling.
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, the attempt budget is exhausted, or the
// context is canceled. The last error is returned when all attempts fail.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if delay := p.Delay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := fn(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return lastErr
}
