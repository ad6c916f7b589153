// Package client implements the client half of peer-rpc: one actor per
// remote peer owning a dedicated data socket, call-waiters routing replies
// by ref, the dispatcher that serializes actor creation, and the public
// call/cast facade.
package client

import (
	"sync/atomic"
	"time"

	"peer-rpc/codec"
	"peer-rpc/rpcerror"
)

// waiter owns one in-flight call's reply slot. The receive loop delivers
// into it by ref; the caller awaits on it with the call's receive timeout.
//
// The slot is a 1-buffered channel so delivery never blocks the receive
// loop. A late reply to a timed-out waiter lands in the buffer and is
// never read, which is the required discard behavior.
type waiter struct {
	ch      chan any // reply value term, or an error from the actor
	expired atomic.Bool
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan any, 1)}
}

// deliver posts the reply value (or a transport error) into the slot.
// Only the first delivery counts.
func (w *waiter) deliver(v any) {
	select {
	case w.ch <- v:
	default:
	}
}

// await blocks until the reply arrives, recv elapses, or the owning actor
// dies. On timeout the waiter marks itself expired; its pending entry is
// reaped lazily by the actor.
func (w *waiter) await(recv time.Duration, done <-chan struct{}) (any, error) {
	timer := time.NewTimer(recv)
	defer timer.Stop()

	select {
	case v := <-w.ch:
		if err, ok := v.(error); ok {
			return nil, err
		}
		return codec.ResultFromValue(v)
	case <-timer.C:
		w.expired.Store(true)
		return nil, &rpcerror.RPCError{Code: rpcerror.Timeout}
	case <-done:
		// The actor may have failed the waiter just before closing;
		// prefer the specific error if one was delivered.
		select {
		case v := <-w.ch:
			if err, ok := v.(error); ok {
				return nil, err
			}
			return codec.ResultFromValue(v)
		default:
			return nil, &rpcerror.TransportError{Op: rpcerror.Closed}
		}
	}
}
