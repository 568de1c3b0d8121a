package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffMultiple: 2}
}

func TestDoSucceedsAfterRetryableFailures(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), Options{Config: fastConfig(), Name: "download"}, func(attempt int) (string, error) {
		calls++
		if attempt < 2 {
			return "", Retryable(errors.New("503"))
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("404 not found")
	_, err := Do(context.Background(), Options{Config: fastConfig(), Name: "download"}, func(int) (int, error) {
		calls++
		return 0, permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoExhausted(t *testing.T) {
	cause := errors.New("connection reset")
	var logged []string
	opts := Options{
		Config: fastConfig(),
		Name:   "download",
		Logger: func(msg string, _ ...interface{}) { logged = append(logged, msg) },
	}
	_, err := Do(context.Background(), opts, func(int) (int, error) {
		return 0, Retryable(cause)
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.MaxAttempts)
	assert.ErrorIs(t, err, cause)
	assert.Len(t, logged, 3)
}

func TestDoHonoursContextDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxRetries: 2, BaseDelay: time.Hour, MaxDelay: time.Hour, BackoffMultiple: 1}

	_, err := Do(ctx, Options{Config: cfg}, func(int) (int, error) {
		cancel()
		return 0, Retryable(errors.New("busy"))
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelayCapsAtMax(t *testing.T) {
	cfg := Config{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffMultiple: 2}
	assert.Equal(t, 100*time.Millisecond, cfg.Delay(0))
	assert.Equal(t, 200*time.Millisecond, cfg.Delay(1))
	assert.Equal(t, 300*time.Millisecond, cfg.Delay(5))
}
