// Package middleware implements the server-side invocation chain. Every
// decoded request passes through the chain before reaching the module set;
// middlewares can reject, observe, or contain it.
package middleware

import (
	"context"

	"peer-rpc/rpcerror"
)

// Kind distinguishes request/reply calls from fire-and-forget casts.
type Kind int

const (
	KindCall Kind = iota
	KindCast
)

func (k Kind) String() string {
	if k == KindCast {
		return "cast"
	}
	return "call"
}

// Invocation is one inbound request as seen by the chain.
type Invocation struct {
	Peer     string // originator node name
	Kind     Kind
	Module   string
	Function string
	Args     []any
}

// Result is the invocation's outcome. Exactly one of Value and Err is
// meaningful; Err carries per-call RPC errors only.
type Result struct {
	Value any
	Err   *rpcerror.RPCError
}

// HandlerFunc processes one invocation.
type HandlerFunc func(ctx context.Context, inv *Invocation) *Result

// Middleware wraps a handler with additional behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one. Chain(A, B, C)(h) runs
// A before B before C before h, the onion model.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
