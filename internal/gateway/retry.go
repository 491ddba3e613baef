package gateway

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds how often a transient backend failure is retried.
type RetryPolicy struct {
	MaxAttempts       int // total attempts, including the first
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64 // 1.0 gives a fixed delay
	Jitter            bool
	OnRetry           func(err error, attempt int, delay time.Duration)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         2 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 1.0,
	}
}

// Delay returns the pause after failed attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1.0
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 {
		delay = math.Min(delay, float64(p.MaxDelay))
	}
	if p.Jitter {
		delay = delay * (0.5 + rand.Float64())
	}
	return time.Duration(delay)
}

// Retry runs fn until it succeeds, fails with a non-transient error, or the
// attempt budget is spent. The returned attempt count is how many times fn
// ran.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		var result T
		result, err = fn(ctx)
		if err == nil {
			return result, attempt + 1, nil
		}
		if !IsTransient(err) || attempt == attempts-1 {
			return zero, attempt + 1, err
		}

		delay := policy.Delay(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt + 1, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, attempts, err
}
