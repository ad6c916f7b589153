package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"peer-rpc/rpcerror"
)

// RateLimit bounds the invocation rate with a token bucket. Rejected
// invocations fail with {rpc_error, overloaded} without reaching the
// module set.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) *Result {
			if !limiter.Allow() {
				return &Result{Err: &rpcerror.RPCError{Code: rpcerror.Overloaded}}
			}
			return next(ctx, inv)
		}
	}
}
