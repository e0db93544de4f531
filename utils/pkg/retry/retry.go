package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Retryable overrides IsRetryable when set.
	Retryable func(error) bool
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

// Do executes fn with exponential backoff until it succeeds, returns a non-retryable
// error, or runs out of attempts.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoValue(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoValue is Do for calls that produce a value, such as RPC reads.
func DoValue[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(calculateBackoff(cfg.BaseBackoff, cfg.MaxBackoff, attempt-1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !retryable(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

var retryablePatterns = []string{
	"connection closed",
	"connection refused",
	"connection reset",
	"eof",
	"client is closing",
	"broken pipe",
	"timeout",
	"temporary failure",
	"service unavailable",
	"rate limit",
	"too many requests",
	"node is behind",
	"node is unhealthy",
}

// IsRetryable reports whether err looks transient: network faults, throttling,
// upstream 5xx responses and lagging RPC nodes.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	type hasStatusCode interface {
		StatusCode() int
	}
	var sc hasStatusCode
	if errors.As(err, &sc) {
		switch sc.StatusCode() {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// calculateBackoff returns base * 2^attempt capped at max, scaled by a jitter factor in [0.5, 1.0).
func calculateBackoff(base, max time.Duration, attempt int) time.Duration {
	backoff := base * time.Duration(1<<uint(attempt))
	if backoff > max || backoff <= 0 {
		backoff = max
	}
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(backoff) * jitter)
}
