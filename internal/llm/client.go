package llm

import (
	"context"
	"errors"
	"math"
	"time"
)

// ProviderAdapter is the provider-facing contract the repair loop calls
// through: one non-streaming completion per call, tool definitions in, tool
// calls (or text) out.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// RetryPolicy bounds retries of retryable provider errors.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  200 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      60 * time.Second,
	}
}

// delayFor computes the wait before retry attempt n (1-based). A provider
// Retry-After hint overrides the computed backoff.
func (p RetryPolicy) delayFor(attempt int, hint *time.Duration) time.Duration {
	if hint != nil && *hint > 0 {
		if p.MaxDelay > 0 && *hint > p.MaxDelay {
			return p.MaxDelay
		}
		return *hint
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 2.0
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(factor, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Retry invokes fn until it succeeds, fails with a non-retryable error, or
// exhausts the policy. sleep may be nil, in which case time.Sleep is used;
// tests inject a recorder.
func Retry(ctx context.Context, policy RetryPolicy, sleep func(time.Duration), fn func() (Response, error)) (Response, error) {
	if sleep == nil {
		sleep = time.Sleep
	}
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Retryable() {
			return Response{}, err
		}
		if attempt >= policy.MaxRetries {
			return Response{}, lastErr
		}
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		sleep(policy.delayFor(attempt+1, apiErr.RetryHint))
	}
}
