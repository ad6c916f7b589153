package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Logging records every invocation with its outcome and duration.
func Logging(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) *Result {
			start := time.Now()
			res := next(ctx, inv)
			fields := []zap.Field{
				zap.String("peer", inv.Peer),
				zap.String("kind", inv.Kind.String()),
				zap.String("module", inv.Module),
				zap.String("function", inv.Function),
				zap.Duration("took", time.Since(start)),
			}
			if res.Err != nil {
				log.Warn("invocation failed", append(fields, zap.String("code", string(res.Err.Code)))...)
			} else {
				log.Debug("invocation served", fields...)
			}
			return res
		}
	}
}
