package server

import (
	"context"

	"go.uber.org/zap"

	"peer-rpc/codec"
	"peer-rpc/middleware"
	"peer-rpc/rpcerror"
)

// Executors are short-lived workers, one per request, isolated from the
// acceptor so a crashing invocation cannot take the connection down. The
// Recovery middleware converts panics into {rpc_error, crash}; the executor
// only shapes the completion and hands it to the acceptor. Replies for an
// acceptor that terminated meanwhile are dropped on the floor, matching the
// no-cross-actor-cancellation rule: an abandoned call still runs to
// completion and its reply is discarded.

func (a *Acceptor) spawnExecutor(req *codec.CallRequest) {
	a.inflight.Add(1)
	a.m.InflightExecs.Inc()
	go func() {
		defer a.inflight.Add(-1)
		defer a.m.InflightExecs.Dec()

		res := a.handler(context.Background(), &middleware.Invocation{
			Peer:     string(req.Sender),
			Kind:     middleware.KindCall,
			Module:   string(req.Module),
			Function: string(req.Function),
			Args:     []any(req.Args),
		})
		a.m.CallsServed.Inc()

		var value any
		if res.Err != nil {
			if res.Err.Code == rpcerror.NotAllowed || res.Err.Code == rpcerror.Overloaded {
				a.m.CallsRejected.Inc()
			}
			value = codec.ErrorValue(res.Err)
		} else {
			value = codec.OKValue(res.Value)
		}
		reply := &codec.Reply{Waiter: req.Waiter, Ref: req.Ref, Value: value}

		select {
		case a.replyCh <- reply:
		case <-a.done:
		}
	}()
}

func (a *Acceptor) spawnCastExecutor(req *codec.CastRequest) {
	a.inflight.Add(1)
	a.m.InflightExecs.Inc()
	go func() {
		defer a.inflight.Add(-1)
		defer a.m.InflightExecs.Dec()

		res := a.handler(context.Background(), &middleware.Invocation{
			Peer:     string(req.Sender),
			Kind:     middleware.KindCast,
			Module:   string(req.Module),
			Function: string(req.Function),
			Args:     []any(req.Args),
		})
		a.m.CallsServed.Inc()
		// Fire-and-forget: the outcome is logged, never surfaced.
		if res.Err != nil {
			if res.Err.Code == rpcerror.NotAllowed || res.Err.Code == rpcerror.Overloaded {
				a.m.CallsRejected.Inc()
			}
			a.log.Info("cast dropped",
				zap.String("peer", string(req.Sender)),
				zap.String("module", string(req.Module)),
				zap.String("function", string(req.Function)),
				zap.String("code", string(res.Err.Code)))
		}
	}()
}
