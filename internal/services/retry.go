package services

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy defines retry behavior for failed operations
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// NoRetry runs an operation exactly once.
var NoRetry = RetryPolicy{}

// DefaultMirrorRetryPolicy suits Redis and Postgres writes after a build.
func DefaultMirrorRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    2,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      1 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry runs op until it succeeds, the policy is exhausted, or ctx is done.
// It returns the number of attempts made and the last error.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) (int, error) {
	delay := policy.InitialDelay
	var err error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return attempt, err
		}

		if err = op(ctx); err == nil {
			return attempt + 1, nil
		}
		if attempt == policy.MaxRetries {
			return attempt + 1, err
		}

		timer := time.NewTimer(policy.jitter(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt + 1, err
		case <-timer.C:
		}
		delay = policy.next(delay)
	}
	return policy.MaxRetries + 1, err
}

func (p RetryPolicy) next(delay time.Duration) time.Duration {
	if p.BackoffFactor > 1 {
		delay = time.Duration(float64(delay) * p.BackoffFactor)
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// jitter spreads delay by up to 25% either way.
func (p RetryPolicy) jitter(delay time.Duration) time.Duration {
	if !p.JitterEnabled || delay <= 0 {
		return delay
	}
	return delay + time.Duration(float64(delay)*0.25*(2*rand.Float64()-1))
}
