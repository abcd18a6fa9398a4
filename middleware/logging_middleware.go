package middleware

import (
	"context"
	"time"

	"agent-rpc/message"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every invocation with its duration at debug level
// and every failed invocation at warn level.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("middleware")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Result {
			start := time.Now()
			res := next(ctx, inv)
			fields := []zap.Field{
				zap.String("method", inv.Method),
				zap.Int32("id", inv.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if res != nil && res.Err != nil {
				logger.Warn("invocation failed", append(fields, zap.Error(res.Err))...)
				return res
			}
			logger.Debug("invocation", fields...)
			return res
		}
	}
}
