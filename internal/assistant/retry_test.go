package assistant

import (
	"context"
	"errors"
	"testing"
	"time"
)

// noSleep records requested delays without waiting.
func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "rate_limit", err: errors.New("429 Rate Limit Exceeded"), want: true},
		{name: "unavailable", err: errors.New("service UNAVAILABLE"), want: true},
		{name: "timeout", err: errors.New("dial tcp: i/o timeout"), want: true},
		{name: "bad_request", err: errors.New("400 invalid argument"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableError(tt.err); got != tt.want {
				t.Errorf("retryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	var delays []time.Duration
	calls := 0
	generate := withRetry(func(context.Context, string) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("503 service unavailable")
		}
		return "answer", nil
	}, DefaultRetryConfig(), noSleep(&delays))

	text, err := generate(context.Background(), "q")
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}
	if text != "answer" || calls != 3 {
		t.Errorf("text = %q, calls = %d", text, calls)
	}

	// Backoff doubles between attempts.
	want := []time.Duration{500 * time.Millisecond, time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v", delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestWithRetry_NonRetryableFailsImmediately(t *testing.T) {
	var delays []time.Duration
	calls := 0
	generate := withRetry(func(context.Context, string) (string, error) {
		calls++
		return "", errors.New("400 invalid argument")
	}, DefaultRetryConfig(), noSleep(&delays))

	if _, err := generate(context.Background(), "q"); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(delays) != 0 {
		t.Errorf("unexpected delays: %v", delays)
	}
}

func TestWithRetry_ExhaustsBudget(t *testing.T) {
	var delays []time.Duration
	calls := 0
	cfg := RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	generate := withRetry(func(context.Context, string) (string, error) {
		calls++
		return "", errors.New("connection reset by peer")
	}, cfg, noSleep(&delays))

	if _, err := generate(context.Background(), "q"); err == nil {
		t.Fatal("expected error after budget exhausted")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", calls)
	}
}
