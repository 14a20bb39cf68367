package fetch

import (
	"context"
	"errors"
	"time"
)

// RetryableError tags a probe failure that another attempt may fix:
// transport errors, 5xx and 429 responses.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retry runs one probe attempt per call of fn, at most attempts times.
// The pause between attempts starts at delay and doubles. A failure not tagged
// with [RetryableError] ends the probe at once. If the probe context ends
// during a pause, its error is returned instead of the last failure.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	attempts = max(attempts, 1)
	var lastErr error

	for i := range attempts {
		if err := fn(); err == nil {
			return nil
		} else if lastErr = err; !isRetryable(err) {
			return err
		}

		if i < attempts-1 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
				delay *= 2
			}
		}
	}
	return lastErr
}

func isRetryable(err error) bool {
	return errors.As(err, new(*RetryableError))
}
