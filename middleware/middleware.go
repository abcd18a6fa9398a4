// Package middleware wraps local dispatch in an onion of cross-cutting
// handlers (logging, deadlines, rate limiting).
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"

	"agent-rpc/message"
)

// HandlerFunc executes one incoming invocation.
type HandlerFunc func(ctx context.Context, inv *message.Invocation) *message.Result

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
