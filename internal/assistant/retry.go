package assistant

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RetryConfig configures the retry behavior for completion calls.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns sensible defaults for LLM API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryablePatterns groups error substrings by category, matched
// case-insensitively against err.Error().
//
// NOTE: string matching because Genkit and provider SDKs do not expose
// typed errors for transient failures. Re-evaluate if Genkit adds
// structured error types.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},      // rate limiting
	{"500", "502", "503", "504", "unavailable"},  // transient server errors
	{"connection reset", "timeout", "temporary"}, // network errors
}

// retryableError reports whether err is transient.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, sub := range group {
			if strings.Contains(errStr, sub) {
				return true
			}
		}
	}
	return false
}

// withRetry wraps generate with exponential backoff on transient
// provider errors. Non-transient errors fail immediately.
func withRetry(generate GenerateFunc, cfg RetryConfig, sleep func(context.Context, time.Duration) error) GenerateFunc {
	if sleep == nil {
		sleep = sleepCtx
	}
	return func(ctx context.Context, prompt string) (string, error) {
		var lastErr error
		delay := cfg.InitialInterval

		for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
			text, err := generate(ctx, prompt)
			if err == nil {
				return text, nil
			}
			lastErr = err

			if !retryableError(err) {
				return "", fmt.Errorf("generate: %w", err)
			}
			if attempt == cfg.MaxRetries {
				break
			}
			if err := sleep(ctx, delay); err != nil {
				return "", fmt.Errorf("canceled during retry: %w", err)
			}
			delay = min(delay*2, cfg.MaxInterval)
		}

		return "", fmt.Errorf("generate after %d retries: %w", cfg.MaxRetries, lastErr)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
