// Package retry provides a bounded exponential-backoff executor with a
// pluggable retryability predicate. Transient failures of external calls
// are absorbed here and become invisible to callers unless the attempt
// budget is exhausted.
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/dmitrijs2005/scanreport/internal/common"
)

// Options controls the retry loop.
type Options struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	// InitialDelay is the sleep before the second attempt.
	InitialDelay time.Duration
	// MaxDelay caps the computed backoff delay. Zero means no cap.
	MaxDelay time.Duration
	// BackoffFactor multiplies the delay after each failed attempt.
	BackoffFactor float64
	// IsRetryable decides whether an error is worth another attempt.
	// A nil predicate means IsRetryableDefault.
	IsRetryable func(error) bool
}

// DefaultOptions returns the standard policy: 3 attempts, 1s initial delay,
// doubling backoff, network-class errors and HTTP 5xx/429 retryable.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		BackoffFactor: 2,
		IsRetryable:   IsRetryableDefault,
	}
}

// IsRetryableDefault classifies network-class errors and HTTP 5xx/429
// responses as retryable. Everything else fails immediately.
func IsRetryableDefault(err error) bool {
	var statusErr *common.HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Do executes action, retrying per opts. On a non-retryable error it fails
// immediately with that error; after the final failed attempt it returns
// the last error without sleeping. The sleep between attempt n and n+1 is
// min(InitialDelay * BackoffFactor^(n-1), MaxDelay). Context cancellation
// interrupts the sleep and is returned as the error.
func Do[T any](ctx context.Context, opts Options, action func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	isRetryable := opts.IsRetryable
	if isRetryable == nil {
		isRetryable = IsRetryableDefault
	}

	delay := opts.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result, err := action(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}
		if attempt == opts.MaxAttempts {
			break
		}

		if err := sleep(ctx, capDelay(delay, opts.MaxDelay)); err != nil {
			return zero, err
		}
		delay = time.Duration(float64(delay) * opts.BackoffFactor)
	}

	return zero, lastErr
}

func capDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
