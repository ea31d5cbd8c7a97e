package engine

import (
	"context"
	"time"
)

// Backoff strategies for the delay between run attempts.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryConfig controls the delay inserted between attempts of one run.
// The zero value inserts no delay, which matches the historical behavior
// of immediate back-to-back attempts.
type RetryConfig struct {
	Backoff  string        // none | constant | linear | exponential
	Delay    time.Duration // base delay; 0 disables waiting entirely
	MaxDelay time.Duration // optional cap
}

// ComputeBackoff calculates the delay before the next attempt. attempt is
// the 1-based number of the attempt that just failed.
func ComputeBackoff(cfg RetryConfig, attempt int) time.Duration {
	if cfg.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch cfg.Backoff {
	case BackoffExponential:
		delay = cfg.Delay
		for i := 1; i < attempt; i++ {
			delay *= 2
		}
	case BackoffLinear:
		delay = cfg.Delay * time.Duration(attempt)
	case BackoffConstant, BackoffNone, "":
		delay = cfg.Delay
	default:
		delay = cfg.Delay
	}

	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for the computed backoff duration or returns early
// if the context is cancelled. Returns an error if the context was
// cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
