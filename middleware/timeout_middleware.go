package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agent-rpc/message"
)

// ErrHandlerTimeout is reported when a handler overruns its deadline.
var ErrHandlerTimeout = errors.New("request timed out")

// TimeOutMiddleware bounds how long a local handler may run. The handler keeps
// running in the background after the deadline; handlers that accept a
// context see it canceled.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Result {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Result, 1)
			go func() {
				done <- next(ctx, inv)
			}()

			select {
			case res := <-done:
				return res
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return message.ErrorResult(fmt.Errorf("%w: %s after %v", ErrHandlerTimeout, inv.Method, timeout))
				}
				return message.ErrorResult(ctx.Err())
			}
		}
	}
}
