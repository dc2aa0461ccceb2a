package middleware

import (
	"context"
	"post-rpc/message"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every call with its endpoint and duration. Failed
// calls are logged at warn level.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("endpoint", req.Endpoint),
				zap.Duration("duration", time.Since(start)),
			}
			if req.Service != "" {
				fields = append(fields, zap.String("service", req.Service), zap.String("method", req.Method))
			}
			if resp.Err != nil {
				logger.Warn("call failed", append(fields, zap.Error(resp.Err))...)
				return resp
			}
			logger.Debug("call completed", append(fields, zap.Int("bytes", len(resp.Payload)))...)
			return resp
		}
	}
}
