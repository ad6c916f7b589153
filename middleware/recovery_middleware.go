package middleware

import (
	"context"
	"fmt"

	"peer-rpc/rpcerror"
)

// Recovery contains panics from invoked functions. A crashing invocation
// must not take the acceptor's connection down; the panic becomes
// {rpc_error, {crash, Reason}} for that one call.
func Recovery() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) (res *Result) {
			defer func() {
				if r := recover(); r != nil {
					res = &Result{Err: &rpcerror.RPCError{
						Code:   rpcerror.Crash,
						Detail: fmt.Sprint(r),
					}}
				}
			}()
			return next(ctx, inv)
		}
	}
}
