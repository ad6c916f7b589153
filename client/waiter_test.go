package client

import (
	"testing"
	"time"

	"peer-rpc/codec"
	"peer-rpc/rpcerror"
)

func TestWaiterDeliversReply(t *testing.T) {
	w := newWaiter()
	done := make(chan struct{})
	go w.deliver(codec.OKValue(int64(7)))

	v, err := w.await(time.Second, done)
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if v != int64(7) {
		t.Errorf("value = %#v, want int64(7)", v)
	}
}

func TestWaiterTimeout(t *testing.T) {
	w := newWaiter()
	done := make(chan struct{})

	start := time.Now()
	_, err := w.await(50*time.Millisecond, done)
	if !rpcerror.IsRPC(err, rpcerror.Timeout) {
		t.Fatalf("got %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout took %v", elapsed)
	}
	if !w.expired.Load() {
		t.Error("waiter must mark itself expired on timeout")
	}

	// A late reply lands in the buffer and is discarded, never blocking
	// the deliverer.
	w.deliver(codec.OKValue(int64(1)))
}

func TestWaiterActorDeath(t *testing.T) {
	w := newWaiter()
	done := make(chan struct{})
	close(done)

	_, err := w.await(time.Second, done)
	if !rpcerror.IsTransport(err, rpcerror.Closed) {
		t.Fatalf("got %v, want closed", err)
	}
}

func TestWaiterPrefersDeliveredErrorOverDone(t *testing.T) {
	w := newWaiter()
	done := make(chan struct{})
	w.deliver(&rpcerror.TransportError{Op: rpcerror.SendFailed})
	close(done)

	_, err := w.await(time.Second, done)
	if !rpcerror.IsTransport(err, rpcerror.SendFailed) {
		t.Fatalf("got %v, want send_failed", err)
	}
}

func TestWaiterErrorValue(t *testing.T) {
	w := newWaiter()
	done := make(chan struct{})
	w.deliver(codec.ErrorValue(&rpcerror.RPCError{Code: rpcerror.NotAllowed, Detail: "os"}))

	_, err := w.await(time.Second, done)
	if !rpcerror.IsRPC(err, rpcerror.NotAllowed) {
		t.Fatalf("got %v, want not_allowed", err)
	}
}
