package plugin

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultCallbackTimeout bounds every injected callback: notification
// delivery, breach lookups, federation exchanges.
const DefaultCallbackTimeout = 5 * time.Second

// CallWithTimeout runs an injected callback under a bounded deadline. The
// callback runs in its own goroutine; when the deadline passes the caller
// gets ErrUpstreamTimeout while the callback finishes in the background.
func CallWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		// A panicking host callback must not take the process down; it
		// surfaces as an error on the caller's goroutine instead.
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("callback panic: %v", r)
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrUpstreamTimeout
		}
		return err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return ErrUpstreamTimeout
		}
		return callCtx.Err()
	}
}
