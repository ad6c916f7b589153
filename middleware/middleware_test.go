package middleware

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"peer-rpc/config"
	"peer-rpc/rpcerror"
)

func okHandler(ctx context.Context, inv *Invocation) *Result {
	return &Result{Value: "ok"}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, inv *Invocation) *Result {
				order = append(order, name)
				return next(ctx, inv)
			}
		}
	}
	h := Chain(mk("a"), mk("b"), mk("c"))(okHandler)
	h(context.Background(), &Invocation{})
	want := []string{"a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestModuleControlWhitelist(t *testing.T) {
	cfg := config.New(config.WithModuleControl(config.PolicyWhitelist, "math"))
	h := ModuleControl(&cfg)(okHandler)

	res := h(context.Background(), &Invocation{Module: "os", Function: "cmd"})
	if res.Err == nil || res.Err.Code != rpcerror.NotAllowed {
		t.Fatalf("blocked module: got %+v, want not_allowed", res)
	}

	res = h(context.Background(), &Invocation{Module: "math", Function: "add"})
	if res.Err != nil {
		t.Fatalf("allowed module rejected: %v", res.Err)
	}
}

func TestRateLimitRejectsBeyondBurst(t *testing.T) {
	// 1 token per hour, burst 2: third request must be rejected.
	h := RateLimit(1.0/3600, 2)(okHandler)
	ctx := context.Background()
	inv := &Invocation{Module: "math", Function: "add"}

	for i := 0; i < 2; i++ {
		if res := h(ctx, inv); res.Err != nil {
			t.Fatalf("request %d rejected within burst: %v", i, res.Err)
		}
	}
	res := h(ctx, inv)
	if res.Err == nil || res.Err.Code != rpcerror.Overloaded {
		t.Fatalf("got %+v, want overloaded", res)
	}
}

func TestRecoveryContainsPanic(t *testing.T) {
	h := Recovery()(func(ctx context.Context, inv *Invocation) *Result {
		panic("boom")
	})
	res := h(context.Background(), &Invocation{})
	if res.Err == nil || res.Err.Code != rpcerror.Crash {
		t.Fatalf("got %+v, want crash", res)
	}
	if res.Err.Detail != "boom" {
		t.Errorf("crash detail = %v, want boom", res.Err.Detail)
	}
}

func TestLoggingPassesResultThrough(t *testing.T) {
	h := Logging(zap.NewNop())(okHandler)
	res := h(context.Background(), &Invocation{Module: "math", Function: "add"})
	if res.Value != "ok" || res.Err != nil {
		t.Fatalf("got %+v", res)
	}
}
