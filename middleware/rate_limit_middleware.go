package middleware

import (
	"context"
	"errors"

	"agent-rpc/message"

	"golang.org/x/time/rate"
)

// ErrRateLimited is reported for invocations rejected by the limiter.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware rejects invocations beyond r per second with bursts of
// up to burst, using a token bucket.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Result {
			if !limiter.Allow() {
				return message.ErrorResult(ErrRateLimited)
			}
			return next(ctx, inv)
		}
	}
}
