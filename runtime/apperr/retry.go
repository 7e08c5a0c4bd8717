package apperr

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryOptions configures the exponential-backoff-with-jitter policy used by
// Store, Embedder, and other components whose failure model calls for a
// bounded number of retries (§4.1: base 200ms, at most 3 attempts).
type RetryOptions struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

// DefaultRetryOptions matches the Store failure model in spec §4.1.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{BaseDelay: 200 * time.Millisecond, MaxAttempts: 3}
}

// Retry runs fn, retrying only errors classified as Transient or RateLimited,
// using exponential backoff with jitter. Any other error (or exhaustion of
// MaxAttempts) is returned immediately/as-is.
func Retry(ctx context.Context, opts RetryOptions, fn func(ctx context.Context) error) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.BaseDelay
	bctx := backoff.WithContext(b, ctx)

	var lastErr error
	attempt := 0
	op := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt >= opts.MaxAttempts || !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, bctx); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}
