package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Config holds the configuration for retry logic
type Config struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
}

// DefaultConfig returns the retry configuration used for model downloads
func DefaultConfig() Config {
	return Config{
		MaxRetries:      4,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		BackoffMultiple: 2.0,
	}
}

// Logger receives a message for every retry decision
type Logger func(message string, args ...interface{})

// Options configures retry behavior
type Options struct {
	Config Config
	Logger Logger
	Name   string
}

// retryableError marks an error as worth another attempt.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable wraps err so Do will try again.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// Delay computes the delay before the given retry (0-based) using exponential backoff
func (c Config) Delay(attempt int) time.Duration {
	mult := c.BackoffMultiple
	if mult <= 0 {
		mult = 1
	}
	delay := time.Duration(float64(c.BaseDelay) * math.Pow(mult, float64(attempt)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// ExhaustedError is returned when every attempt failed with a retryable error
type ExhaustedError struct {
	Name        string
	MaxAttempts int
	Last        error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry attempts exhausted for %s after %d attempts: %v", e.Name, e.MaxAttempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do runs fn until it succeeds, returns a non-retryable error, or attempts run out.
func Do[T any](ctx context.Context, opts Options, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	attempts := opts.Config.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := opts.Config.Delay(attempt - 1)
			if opts.Logger != nil {
				opts.Logger("%s retry attempt %d/%d after %v: %v", opts.Name, attempt+1, attempts, delay, lastErr)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		result, err := fn(attempt)
		if err == nil {
			if attempt > 0 && opts.Logger != nil {
				opts.Logger("%s succeeded on attempt %d/%d", opts.Name, attempt+1, attempts)
			}
			return result, nil
		}
		if !IsRetryable(err) {
			return zero, err
		}
		lastErr = errors.Unwrap(err)
	}

	return zero, &ExhaustedError{Name: opts.Name, MaxAttempts: attempts, Last: lastErr}
}
