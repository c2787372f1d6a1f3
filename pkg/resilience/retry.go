package resilience

import (
	"context"
	"time"
)

// RetryPolicy retries a connection attempt with doubling backoff.
// MaxRetries counts attempts after the first one.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Retryable filters errors worth another attempt. Nil retries everything.
	Retryable func(error) bool
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff, MaxBackoff: 8 * backoff}
}

// Do runs fn until it succeeds, the policy is exhausted, the error is not
// retryable or ctx ends. The last error from fn is returned.
func (r RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	delay := r.Backoff
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= r.MaxRetries || (r.Retryable != nil && !r.Retryable(err)) {
			return err
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
			delay *= 2
			if r.MaxBackoff > 0 && delay > r.MaxBackoff {
				delay = r.MaxBackoff
			}
		} else if ctx.Err() != nil {
			return err
		}
	}
}
