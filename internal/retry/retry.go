// Package retry provides bounded exponential-backoff retries for external
// platform calls. Only transient failures (rate limits, unavailability) are
// retried; everything else surfaces immediately.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/containerd/errdefs"
)

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return errdefs.IsUnavailable(err) || errdefs.IsResourceExhausted(err)
}

// Do executes fn with exponential backoff, bounded by cfg.MaxAttempts.
// The last error is returned once attempts are exhausted.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(2, float64(attempt)))
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		if cfg.Jitter {
			delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
