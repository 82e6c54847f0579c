// Package retry is the single retry policy used for provider calls.
package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy retries an operation with capped, jittered exponential backoff
type Policy struct {
	// MaxAttempts is the total number of tries including the first. Values below 1 mean 1.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt; later waits double
	BaseDelay time.Duration
	// MaxDelay caps any single wait
	MaxDelay time.Duration
	// Retryable decides whether a failed attempt may be tried again
	Retryable func(error) bool
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// attempts, or ctx is done. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * base
	}

	b := goretry.NewExponential(base)
	b = goretry.WithJitterPercent(20, b)
	b = goretry.WithCappedDuration(maxDelay, b)
	b = goretry.WithMaxRetries(uint64(attempts-1), b)

	return goretry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && p.Retryable(err) {
			return goretry.RetryableError(err)
		}
		return err
	})
}
