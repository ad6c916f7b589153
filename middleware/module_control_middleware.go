package middleware

import (
	"context"

	"peer-rpc/config"
	"peer-rpc/rpcerror"
)

// ModuleControl enforces the allowed-call policy. Blocked modules fail
// with {rpc_error, not_allowed}; the acceptor drops the reply for casts.
func ModuleControl(cfg *config.Config) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) *Result {
			if !cfg.ModuleAllowed(inv.Module) {
				return &Result{Err: &rpcerror.RPCError{
					Code:   rpcerror.NotAllowed,
					Detail: inv.Module,
				}}
			}
			return next(ctx, inv)
		}
	}
}
