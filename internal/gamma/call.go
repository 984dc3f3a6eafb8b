package gamma

import (
	"context"
	"fmt"
)

// Call runs fn on its own goroutine and returns as soon as either fn
// finishes or ctx is done. On timeout fn keeps running in the background and
// its result is discarded; driver calls cannot be interrupted.
func Call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)

	go func() {
		v, err := fn()
		done <- result{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("driver call abandoned: %w", ctx.Err())
	}
}

// Do is Call for functions without a result.
func Do(ctx context.Context, fn func() error) error {
	_, err := Call(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
