package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var slept []time.Duration
	resp, err := Retry(context.Background(), DefaultRetryPolicy(), func(d time.Duration) { slept = append(slept, d) }, func() (Response, error) {
		calls++
		if calls < 3 {
			return Response{}, FromHTTPStatus("fake", 503, "overloaded", nil)
		}
		return Response{ID: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "ok" || calls != 3 {
		t.Fatalf("resp.ID=%q calls=%d", resp.ID, calls)
	}
	if len(slept) != 2 {
		t.Fatalf("slept %d times, want 2", len(slept))
	}
	// Exponential: second wait is double the first.
	if slept[1] != 2*slept[0] {
		t.Fatalf("backoff not exponential: %v", slept)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), DefaultRetryPolicy(), func(time.Duration) {}, func() (Response, error) {
		calls++
		return Response{}, FromHTTPStatus("fake", 401, "bad key", nil)
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != ErrAuthentication {
		t.Fatalf("got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryExhaustsPolicy(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, BackoffFactor: 2}
	calls := 0
	_, err := Retry(context.Background(), policy, func(time.Duration) {}, func() (Response, error) {
		calls++
		return Response{}, FromHTTPStatus("fake", 429, "rate limited", nil)
	})
	if err == nil {
		t.Fatal("want error after exhaustion")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (initial + 2 retries)", calls)
	}
}

func TestRetryHonorsRetryAfterHint(t *testing.T) {
	hint := 5 * time.Second
	var slept []time.Duration
	calls := 0
	_, _ = Retry(context.Background(), RetryPolicy{MaxRetries: 1, InitialDelay: time.Millisecond, BackoffFactor: 2}, func(d time.Duration) { slept = append(slept, d) }, func() (Response, error) {
		calls++
		return Response{}, FromHTTPStatus("fake", 429, "rate limited", &hint)
	})
	if len(slept) != 1 || slept[0] != hint {
		t.Fatalf("slept = %v, want [5s]", slept)
	}
}

func TestRetryDoesNotRetryPlainErrors(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), DefaultRetryPolicy(), func(time.Duration) {}, func() (Response, error) {
		calls++
		return Response{}, errors.New("connection refused")
	})
	if err == nil || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, DefaultRetryPolicy(), func(time.Duration) {}, func() (Response, error) {
		calls++
		cancel()
		return Response{}, FromHTTPStatus("fake", 500, "boom", nil)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRequestValidate(t *testing.T) {
	var confErr *ConfigurationError
	if err := (Request{Messages: []Message{User("hi")}}).Validate(); !errors.As(err, &confErr) {
		t.Fatalf("empty model: got %v", err)
	}
	if err := (Request{Model: "m"}).Validate(); !errors.As(err, &confErr) {
		t.Fatalf("no messages: got %v", err)
	}
	if err := (Request{Model: "m", Messages: []Message{User("hi")}}).Validate(); err != nil {
		t.Fatalf("valid request: got %v", err)
	}
}
