package client

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"peer-rpc/cluster"
	"peer-rpc/config"
	"peer-rpc/metrics"
	"peer-rpc/rpcerror"
	"peer-rpc/supervisor"
)

// Client is the local API of the client half. It creates per-peer actors
// on demand through the dispatcher, so the first call to a peer pays the
// handshake and every later call reuses the same socket until the idle
// reaper or a transport fault retires it — after which the next call
// transparently reconnects.
type Client struct {
	cfg config.Config
	cl  cluster.Cluster
	log *zap.Logger
	m   *metrics.Metrics

	reg    *registry
	sup    *supervisor.Supervisor
	closed atomic.Bool
}

// New creates the client half. cl may be nil when only self-calls are
// needed. log and m may be nil.
func New(cfg config.Config, cl cluster.Cluster, log *zap.Logger, m *metrics.Metrics) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	log = log.Named("client").With(zap.String("node", cfg.NodeName))
	return &Client{
		cfg: cfg,
		cl:  cl,
		log: log,
		m:   m,
		reg: newRegistry(),
		sup: supervisor.New("client", log),
	}
}

func (c *Client) actorFor(peer string) (*Actor, error) {
	if c.closed.Load() {
		return nil, &rpcerror.TransportError{Op: rpcerror.Closed}
	}
	return c.reg.acquire(peer, func(p string) (*Actor, error) {
		a, err := dial(p, c.cfg, c.cl, c.log, c.m, func(a *Actor) {
			c.reg.remove(p, a)
			c.sup.Remove(p)
		})
		if err != nil {
			return nil, err
		}
		if !c.sup.Add(p, a) {
			a.Stop()
			return nil, &rpcerror.TransportError{Op: rpcerror.Closed}
		}
		return a, nil
	})
}

// Call invokes module:function(args...) on peer with the configured
// timeouts and returns the function's result.
func (c *Client) Call(peer, module, function string, args ...any) (any, error) {
	return c.CallTimeout(peer, module, function, args, 0, 0)
}

// CallTimeout is Call with per-call receive/send timeout overrides; zero
// keeps the configured default for that dimension.
func (c *Client) CallTimeout(peer, module, function string, args []any, recv, send time.Duration) (any, error) {
	a, err := c.actorFor(peer)
	if err != nil {
		return nil, err
	}
	return a.Call(module, function, args, recv, send)
}

// Cast fires module:function(args...) at peer without awaiting execution.
// A nil return means the frame was written, nothing more.
func (c *Client) Cast(peer, module, function string, args ...any) error {
	return c.CastTimeout(peer, module, function, args, 0)
}

// CastTimeout is Cast with a per-call send timeout override.
func (c *Client) CastTimeout(peer, module, function string, args []any, send time.Duration) error {
	a, err := c.actorFor(peer)
	if err != nil {
		return err
	}
	return a.Cast(module, function, args, send)
}

// Stop disconnects from peer gracefully. The next call reconnects.
func (c *Client) Stop(peer string) {
	if a, ok := c.reg.lookup(peer); ok {
		a.Stop()
	}
}

// Close disconnects from every peer and refuses further calls.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.sup.Shutdown()
	c.log.Info("client closed")
}

// Peers returns the peers with a live connection.
func (c *Client) Peers() []string {
	actors := c.reg.snapshot()
	peers := make([]string, 0, len(actors))
	for _, a := range actors {
		peers = append(peers, a.Peer())
	}
	return peers
}

// MultiCall invokes the same function on many peers concurrently. It
// returns per-peer results and per-peer failures; a peer appears in
// exactly one of the two maps.
func (c *Client) MultiCall(peers []string, module, function string, args []any, recv time.Duration) (map[string]any, map[string]error) {
	var (
		mu      sync.Mutex
		results = make(map[string]any)
		bad     = make(map[string]error)
		wg      sync.WaitGroup
	)
	for _, peer := range peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			v, err := c.CallTimeout(peer, module, function, args, recv, 0)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				bad[peer] = err
			} else {
				results[peer] = v
			}
		}(peer)
	}
	wg.Wait()
	return results, bad
}

// Broadcast casts the same invocation to every peer. Only send failures
// are reported; execution outcomes are fire-and-forget as with Cast.
func (c *Client) Broadcast(peers []string, module, function string, args []any) map[string]error {
	var (
		mu  sync.Mutex
		bad = make(map[string]error)
		wg  sync.WaitGroup
	)
	for _, peer := range peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			if err := c.CastTimeout(peer, module, function, args, 0); err != nil {
				mu.Lock()
				bad[peer] = err
				mu.Unlock()
			}
		}(peer)
	}
	wg.Wait()
	return bad
}

// SafeBroadcast delivers the invocation as a call so each peer's receipt
// is confirmed, using the configured sbcast receive timeout. It reports
// which peers acknowledged and which failed.
func (c *Client) SafeBroadcast(peers []string, module, function string, args []any) (good []string, bad map[string]error) {
	results, bad := c.MultiCall(peers, module, function, args, c.cfg.SBCastReceiveTimeout)
	good = make([]string, 0, len(results))
	for peer := range results {
		good = append(good, peer)
	}
	return good, bad
}
