package client

import (
	"time"

	"peer-rpc/config"
	"peer-rpc/rpcerror"
)

// AsyncReply is the handle to one in-flight asynchronous call. The reply
// is held by a background waiter until Await collects it or the async-call
// inactivity window discards it.
type AsyncReply struct {
	ch chan asyncOutcome
}

type asyncOutcome struct {
	value any
	err   error
}

// AsyncCall starts module:function(args...) on peer and returns
// immediately. Exactly one Await may collect the reply.
func (c *Client) AsyncCall(peer, module, function string, args ...any) *AsyncReply {
	h := &AsyncReply{ch: make(chan asyncOutcome)}
	inactivity := c.cfg.AsyncCallInactivityTimeout
	go func() {
		v, err := c.CallTimeout(peer, module, function, args, 0, 0)
		out := asyncOutcome{value: v, err: err}
		if inactivity > config.Infinite {
			timer := time.NewTimer(inactivity)
			defer timer.Stop()
			select {
			case h.ch <- out:
			case <-timer.C:
				// Nobody collected in time; the reply is discarded and
				// the handle reports timeout from now on.
				close(h.ch)
			}
			return
		}
		h.ch <- out
	}()
	return h
}

// Await blocks until the reply arrives or timeout elapses. A handle whose
// reply was already discarded fails with {rpc_error, timeout}.
func (h *AsyncReply) Await(timeout time.Duration) (any, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out, ok := <-h.ch:
		if !ok {
			return nil, &rpcerror.RPCError{Code: rpcerror.Timeout}
		}
		return out.value, out.err
	case <-timer.C:
		return nil, &rpcerror.RPCError{Code: rpcerror.Timeout}
	}
}
