package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultBackoffs are the waits between attempts.
var DefaultBackoffs = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// RetryWithBackoff executes fn with exponential backoff. Only temporary
// provider errors and transport errors are retried.
func RetryWithBackoff(ctx context.Context, backoffs []time.Duration, maxRetries int, fn func() error) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) || i == maxRetries-1 {
			break
		}

		wait := time.Duration(0)
		if i < len(backoffs) {
			wait = backoffs[i]
		} else if len(backoffs) > 0 {
			wait = backoffs[len(backoffs)-1]
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if maxRetries == 1 || !retryable(lastErr) {
		return lastErr
	}
	return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var tf *TaskFailedError
	if errors.As(err, &tf) {
		return false
	}
	return true
}
