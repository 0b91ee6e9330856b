package strategy

import (
	"context"
	"math"
	"time"

	"github.com/markus-lassfolk/locator/pkg"
)

// BackoffKind selects how the delay grows between attempts
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// Retryer runs an operation up to MaxAttempts times
type Retryer struct {
	MaxAttempts int
	Kind        BackoffKind
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// OnRetry is called before each wait
	OnRetry func(attempt int, err error, delay time.Duration)

	sleep func(ctx context.Context, d time.Duration) error
}

// Delay returns the wait after the given failed attempt (1-based)
func (r *Retryer) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d float64
	switch r.Kind {
	case BackoffFixed:
		d = float64(r.BaseDelay)
	case BackoffLinear:
		d = float64(r.BaseDelay) * float64(attempt)
	default:
		d = float64(r.BaseDelay) * math.Pow(2, float64(attempt-1))
	}

	if r.MaxDelay > 0 && d > float64(r.MaxDelay) {
		d = float64(r.MaxDelay)
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. The last error is returned unwrapped.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == attempts || !pkg.IsRetryable(err) {
			break
		}

		delay := r.Delay(attempt)
		if r.OnRetry != nil {
			r.OnRetry(attempt, err, delay)
		}
		if sleep(ctx, delay) != nil {
			break
		}
	}
	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
