package ratelimit

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig bounds the exponential-backoff-with-jitter retry applied to
// transient store errors (§5: "exponential backoff with jitter, bounded
// total attempts (default 3)").
type RetryConfig struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig matches §5's default of 3 bounded attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialInterval: 20 * time.Millisecond, MaxInterval: 500 * time.Millisecond}
}

func newBackOff(cfg RetryConfig) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.InitialInterval
		b.MaxInterval = cfg.MaxInterval
		return b
	}
}

// retryTransient retries op while it returns a transient error (per
// store.Classify), bounded by cfg.MaxAttempts, with exponential backoff and
// jitter between attempts (§7: "Retryable transient -> exponential-backoff
// retry with jitter").
func retryTransient[T any](ctx context.Context, cfg RetryConfig, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, op, backoff.WithBackOff(newBackOff(cfg)()), backoff.WithMaxTries(cfg.MaxAttempts))
}
