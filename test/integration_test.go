// Package test exercises the full engine end to end: real sockets on
// 127.0.0.1, the acceptor-allocation handshake, and both halves of a node
// in one process.
package test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"peer-rpc/client"
	"peer-rpc/cluster"
	"peer-rpc/config"
	"peer-rpc/rpcerror"
	"peer-rpc/server"
)

// ---- modules served by the test nodes ----

type Math struct{}

func (m *Math) Add(a, b int64) int64 { return a + b }

func (m *Math) Echo(v any) any { return v }

func (m *Math) Sleep(ms int64) string {
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return "done"
}

type Danger struct{}

func (d *Danger) Boom() { panic("boom") }

type Recorder struct {
	ch chan string
}

func (r *Recorder) Info(msg string) { r.ch <- msg }

// ---- harness ----

type testNode struct {
	name string
	srv  *server.Server
	rec  *Recorder
}

// startServer brings up the server half of a node on an ephemeral control
// port and registers it in the shared static cluster.
func startServer(t *testing.T, name string, cl *cluster.Static, opts ...config.Option) *testNode {
	t.Helper()
	opts = append([]config.Option{
		config.WithNodeName(name),
		config.WithControlPort(0),
	}, opts...)
	cfg := config.New(opts...)

	srv := server.New(cfg, cl, nil, nil)
	rec := &Recorder{ch: make(chan string, 16)}
	for mod, rcvr := range map[string]any{
		"math":   &Math{},
		"danger": &Danger{},
		"logger": rec,
	} {
		if err := srv.RegisterModule(mod, rcvr); err != nil {
			t.Fatal(err)
		}
	}
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	// Register synchronously so a client's liveness probe cannot race the
	// Serve goroutine.
	if err := cl.Register(context.Background(), name, "127.0.0.1", 10); err != nil {
		t.Fatal(err)
	}
	go srv.Serve("")
	t.Cleanup(func() { srv.Shutdown(time.Second) })
	return &testNode{name: name, srv: srv, rec: rec}
}

// startClient brings up the client half of a node that knows every given
// server's ephemeral control port.
func startClient(t *testing.T, name string, cl *cluster.Static, servers []*testNode, opts ...config.Option) *client.Client {
	t.Helper()
	base := []config.Option{config.WithNodeName(name)}
	for _, n := range servers {
		base = append(base, config.WithRemoteControlPort(n.name, n.srv.Port()))
	}
	cfg := config.New(append(base, opts...)...)
	c := client.New(cfg, cl, nil, nil)
	t.Cleanup(c.Close)
	return c
}

// ---- scenarios ----

func TestCallReusesSocket(t *testing.T) {
	cl := cluster.NewStatic(nil)
	b := startServer(t, "node_b", cl)
	a := startClient(t, "node_a", cl, []*testNode{b})

	v, err := a.Call("node_b", "math", "add", 2, 3)
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if v != int64(5) {
		t.Errorf("add(2,3) = %#v, want int64(5)", v)
	}

	v, err = a.Call("node_b", "math", "add", 10, 20)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if v != int64(30) {
		t.Errorf("add(10,20) = %#v, want int64(30)", v)
	}

	if peers := a.Peers(); len(peers) != 1 {
		t.Errorf("connected peers = %v, want exactly one", peers)
	}
}

func TestWhitelistPolicy(t *testing.T) {
	cl := cluster.NewStatic(nil)
	b := startServer(t, "node_b", cl,
		config.WithModuleControl(config.PolicyWhitelist, "math"))
	a := startClient(t, "node_a", cl, []*testNode{b})

	_, err := a.Call("node_b", "logger", "info", "hi")
	if !rpcerror.IsRPC(err, rpcerror.NotAllowed) {
		t.Fatalf("blocked call: got %v, want not_allowed", err)
	}

	v, err := a.Call("node_b", "math", "add", 1, 1)
	if err != nil || v != int64(2) {
		t.Fatalf("whitelisted call = %v, %v", v, err)
	}
}

func TestReceiveTimeoutLeavesConnectionIntact(t *testing.T) {
	cl := cluster.NewStatic(nil)
	b := startServer(t, "node_b", cl)
	a := startClient(t, "node_a", cl, []*testNode{b})

	start := time.Now()
	_, err := a.CallTimeout("node_b", "math", "sleep", []any{int64(500)}, 100*time.Millisecond, 0)
	if !rpcerror.IsRPC(err, rpcerror.Timeout) {
		t.Fatalf("got %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("timeout surfaced after %v", elapsed)
	}

	// The connection survives; the late reply is discarded silently.
	v, err := a.Call("node_b", "math", "add", 1, 2)
	if err != nil || v != int64(3) {
		t.Fatalf("follow-up call = %v, %v", v, err)
	}
	if peers := a.Peers(); len(peers) != 1 {
		t.Errorf("connected peers = %v, want the same single actor", peers)
	}
}

func TestPeerDeathFailsInflightThenRecovers(t *testing.T) {
	cl := cluster.NewStatic(nil)
	b := startServer(t, "node_b", cl)
	a := startClient(t, "node_a", cl, []*testNode{b})

	// Warm the connection, then race a slow call against peer death.
	if _, err := a.Call("node_b", "math", "add", 1, 1); err != nil {
		t.Fatal(err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := a.CallTimeout("node_b", "math", "sleep", []any{int64(2000)}, 5*time.Second, 0)
		errCh <- err
	}()
	time.Sleep(200 * time.Millisecond)

	port := b.srv.Port()
	b.srv.Shutdown(time.Second)

	select {
	case err := <-errCh:
		if !rpcerror.IsTransport(err, rpcerror.Closed) {
			t.Fatalf("in-flight call: got %v, want closed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call never failed")
	}

	// Restart the peer on the same control port; the next call must
	// transparently reconnect.
	startServer(t, "node_b", cl, config.WithControlPort(port))
	var v any
	var err error
	for i := 0; i < 20; i++ {
		v, err = a.Call("node_b", "math", "add", 2, 2)
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil || v != int64(4) {
		t.Fatalf("call after restart = %v, %v", v, err)
	}
}

func TestCastFireAndForget(t *testing.T) {
	cl := cluster.NewStatic(nil)
	b := startServer(t, "node_b", cl)
	a := startClient(t, "node_a", cl, []*testNode{b})

	if err := a.Cast("node_b", "logger", "info", "hi"); err != nil {
		t.Fatalf("cast failed: %v", err)
	}
	select {
	case msg := <-b.rec.ch:
		if msg != "hi" {
			t.Errorf("msg = %q, want hi", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cast never reached the peer")
	}

	// A cast to a missing module still returns ok; the failure is the
	// peer's to log.
	if err := a.Cast("node_b", "nope", "run"); err != nil {
		t.Fatalf("cast to missing module: %v", err)
	}
}

func TestConcurrentCallsNoCrossTalk(t *testing.T) {
	cl := cluster.NewStatic(nil)
	b := startServer(t, "node_b", cl)
	a := startClient(t, "node_a", cl, []*testNode{b})

	const callers = 200
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Mixed payload sizes, each caller expecting its own echo.
			payload := fmt.Sprintf("%d:%s", i, string(make([]byte, i*17%4096)))
			v, err := a.Call("node_b", "math", "echo", payload)
			if err != nil {
				errs <- fmt.Errorf("caller %d: %w", i, err)
				return
			}
			if v != payload {
				errs <- fmt.Errorf("caller %d: reply routed to the wrong caller", i)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCrashedFunctionIsContained(t *testing.T) {
	cl := cluster.NewStatic(nil)
	b := startServer(t, "node_b", cl)
	a := startClient(t, "node_a", cl, []*testNode{b})

	_, err := a.Call("node_b", "danger", "boom")
	if !rpcerror.IsRPC(err, rpcerror.Crash) {
		t.Fatalf("got %v, want crash", err)
	}
	if v, err := a.Call("node_b", "math", "add", 3, 4); err != nil || v != int64(7) {
		t.Fatalf("call after crash = %v, %v", v, err)
	}
}

func TestClientIdleReapAndRecreate(t *testing.T) {
	cl := cluster.NewStatic(nil)
	b := startServer(t, "node_b", cl)
	a := startClient(t, "node_a", cl, []*testNode{b},
		config.WithClientInactivityTimeout(100*time.Millisecond))

	if _, err := a.Call("node_b", "math", "add", 1, 1); err != nil {
		t.Fatal(err)
	}
	if len(a.Peers()) != 1 {
		t.Fatal("actor missing after call")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(a.Peers()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle actor was never reaped")
		}
		time.Sleep(25 * time.Millisecond)
	}

	// The next call transparently recreates the actor.
	if v, err := a.Call("node_b", "math", "add", 2, 3); err != nil || v != int64(5) {
		t.Fatalf("call after reap = %v, %v", v, err)
	}
}

func TestLivenessProbeShortCircuits(t *testing.T) {
	cl := cluster.NewStatic(nil)
	b := startServer(t, "node_b", cl)
	a := startClient(t, "node_a", cl, []*testNode{b})

	if _, err := a.Call("node_b", "math", "add", 1, 1); err != nil {
		t.Fatal(err)
	}

	// Membership says the peer is gone; the probe fires before the socket
	// is touched.
	cl.Deregister(context.Background(), "node_b")
	_, err := a.Call("node_b", "math", "add", 1, 1)
	if !rpcerror.IsRPC(err, rpcerror.NodeDown) {
		t.Fatalf("got %v, want node_down", err)
	}
}

func TestUnknownPeerFailsToConnect(t *testing.T) {
	cl := cluster.NewStatic(nil)
	a := startClient(t, "node_a", cl, nil)

	_, err := a.Call("node_x", "math", "add", 1, 1)
	if !rpcerror.IsTransport(err, rpcerror.ConnectFailed) {
		t.Fatalf("got %v, want connect_failed", err)
	}
}

func TestLoopbackSelfCall(t *testing.T) {
	cl := cluster.NewStatic(nil)
	b := startServer(t, "node_b", cl)
	// The client half of the same node: resolves itself to loopback.
	self := startClient(t, "node_b", cl, nil,
		config.WithControlPort(b.srv.Port()))

	v, err := self.Call("node_b", "math", "add", 20, 22)
	if err != nil || v != int64(42) {
		t.Fatalf("self call = %v, %v", v, err)
	}
}

func TestMultiCallAndBroadcast(t *testing.T) {
	cl := cluster.NewStatic(nil)
	b := startServer(t, "node_b", cl)
	c := startServer(t, "node_c", cl)
	a := startClient(t, "node_a", cl, []*testNode{b, c})

	results, bad := a.MultiCall([]string{"node_b", "node_c", "node_x"}, "math", "add", []any{1, 2}, 0)
	if len(results) != 2 || len(bad) != 1 {
		t.Fatalf("results=%v bad=%v", results, bad)
	}
	for peer, v := range results {
		if v != int64(3) {
			t.Errorf("%s: %#v, want int64(3)", peer, v)
		}
	}
	if _, ok := bad["node_x"]; !ok {
		t.Error("unresolvable peer missing from bad map")
	}

	if bad := a.Broadcast([]string{"node_b", "node_c"}, "logger", "info", []any{"fanout"}); len(bad) != 0 {
		t.Fatalf("broadcast failures: %v", bad)
	}
	for _, n := range []*testNode{b, c} {
		select {
		case msg := <-n.rec.ch:
			if msg != "fanout" {
				t.Errorf("%s received %q", n.name, msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s never received the broadcast", n.name)
		}
	}

	good, bad := a.SafeBroadcast([]string{"node_b", "node_c"}, "math", "add", []any{0, 0})
	if len(good) != 2 || len(bad) != 0 {
		t.Fatalf("safe broadcast: good=%v bad=%v", good, bad)
	}
}

func TestAsyncCall(t *testing.T) {
	cl := cluster.NewStatic(nil)
	b := startServer(t, "node_b", cl)
	a := startClient(t, "node_a", cl, []*testNode{b})

	h := a.AsyncCall("node_b", "math", "sleep", int64(100))
	v, err := h.Await(2 * time.Second)
	if err != nil || v != "done" {
		t.Fatalf("async result = %v, %v", v, err)
	}

	// Await shorter than the call's duration times out locally.
	h = a.AsyncCall("node_b", "math", "sleep", int64(500))
	if _, err := h.Await(50 * time.Millisecond); !rpcerror.IsRPC(err, rpcerror.Timeout) {
		t.Fatalf("got %v, want timeout", err)
	}
}

func TestStopThenReconnect(t *testing.T) {
	cl := cluster.NewStatic(nil)
	b := startServer(t, "node_b", cl)
	a := startClient(t, "node_a", cl, []*testNode{b})

	if _, err := a.Call("node_b", "math", "add", 1, 1); err != nil {
		t.Fatal(err)
	}
	a.Stop("node_b")

	deadline := time.Now().Add(time.Second)
	for len(a.Peers()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stopped actor still registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if v, err := a.Call("node_b", "math", "add", 2, 2); err != nil || v != int64(4) {
		t.Fatalf("call after stop = %v, %v", v, err)
	}
}
