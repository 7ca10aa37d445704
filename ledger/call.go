package ledger

import (
	"context"
	"errors"
	"time"
)

// DefaultCallTimeout bounds every backend request when none is configured.
const DefaultCallTimeout = 5 * time.Second

// Call runs fn with a bounded timeout. A deadline, a cancelled context or a
// backend ErrUnavailable is reported as a *NetworkError: the outcome is
// unknown and the caller must not retry a destructive step blindly.
func Call(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrUnavailable) {
		return &NetworkError{Op: op, Cause: err}
	}
	return err
}

// CallValue is Call for functions returning a value.
func CallValue[T any](ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Call(ctx, timeout, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
