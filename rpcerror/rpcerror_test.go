package rpcerror

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := &RPCError{Code: Timeout, Detail: "slow peer"}
	if !errors.Is(err, &RPCError{Code: Timeout}) {
		t.Error("errors.Is must match RPC errors by code")
	}
	if errors.Is(err, &RPCError{Code: Crash}) {
		t.Error("errors.Is must not match a different code")
	}
}

func TestErrorsIsMatchesByOp(t *testing.T) {
	cause := errors.New("broken pipe")
	err := &TransportError{Op: SendFailed, Err: cause}
	if !errors.Is(err, &TransportError{Op: SendFailed}) {
		t.Error("errors.Is must match transport errors by op")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is must see the wrapped cause through Unwrap")
	}
	if errors.Is(err, &TransportError{Op: Closed}) {
		t.Error("errors.Is must not match a different op")
	}
}

func TestHelpersSeeWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("call failed: %w", &RPCError{Code: NotAllowed, Detail: "os"})
	if !IsRPC(wrapped, NotAllowed) {
		t.Error("IsRPC must unwrap")
	}
	wrapped = fmt.Errorf("peer gone: %w", &TransportError{Op: Closed})
	if !IsTransport(wrapped, Closed) {
		t.Error("IsTransport must unwrap")
	}
}
