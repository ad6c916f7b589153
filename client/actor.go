package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peer-rpc/cluster"
	"peer-rpc/codec"
	"peer-rpc/config"
	"peer-rpc/metrics"
	"peer-rpc/protocol"
	"peer-rpc/rpcerror"
)

// idleCheckDivisor controls how often the idle reaper fires relative to
// the inactivity timeout.
const idleCheckDivisor = 4

// Actor is the per-peer client: it exclusively owns one data socket to the
// peer, multiplexes concurrent local calls over it, and routes replies back
// by ref.
//
//	caller-1 ──Call(ref=r1)──┐
//	caller-2 ──Call(ref=r2)──┼──→ one data socket ──→ peer
//	caller-3 ──Cast──────────┘
//
//	recvLoop: ←── reply(r2) → pending[r2] waiter ← caller-2 wakes up
//
// The sending mutex serializes frame writes — concurrent writes would
// interleave bytes from different requests — and in doing so fixes the
// wire order of calls and casts to the order the actor accepted them.
// Socket and actor share one lifetime: every fatal socket event stops the
// actor, and stopping the actor closes the socket.
type Actor struct {
	peer        string
	local       string
	incarnation uuid.UUID // waiter handle; fresh per socket, scoping refs to it

	cfg config.Config
	cl  cluster.Cluster
	log *zap.Logger
	m   *metrics.Metrics

	conn    net.Conn
	sending sync.Mutex
	pending sync.Map // uuid.UUID → *waiter

	lastActivity atomic.Int64 // UnixNano
	closed       atomic.Bool
	done         chan struct{}
	stopOnce     sync.Once
	onExit       func(*Actor)
}

// dial creates the actor for a peer: resolve the address, run the
// acceptor-allocation handshake on the peer's control port, and open the
// dedicated data socket.
func dial(peer string, cfg config.Config, cl cluster.Cluster,
	log *zap.Logger, m *metrics.Metrics, onExit func(*Actor)) (*Actor, error) {

	addr, err := resolve(peer, &cfg, cl)
	if err != nil {
		return nil, &rpcerror.TransportError{Op: rpcerror.ConnectFailed, Err: err}
	}

	port, err := requestDataPort(addr, peer, &cfg)
	if err != nil {
		return nil, &rpcerror.TransportError{Op: rpcerror.HandshakeFailed, Err: err}
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr, fmt.Sprint(port)), cfg.ConnectTimeout)
	if err != nil {
		return nil, &rpcerror.TransportError{Op: rpcerror.ConnectFailed, Err: err}
	}

	a := &Actor{
		peer:        peer,
		local:       cfg.NodeName,
		incarnation: uuid.New(),
		cfg:         cfg,
		cl:          cl,
		log:         log.Named("actor").With(zap.String("peer", peer)),
		m:           m,
		conn:        conn,
		done:        make(chan struct{}),
		onExit:      onExit,
	}
	a.touch()
	a.m.ConnectedPeers.Inc()
	go a.recvLoop()
	if cfg.ClientInactivityTimeout > config.Infinite {
		go a.reapLoop()
	}
	a.log.Info("connected", zap.String("addr", conn.RemoteAddr().String()))
	return a, nil
}

// resolve maps the peer name to an address. The local node resolves to
// loopback without consulting membership, so a node can call itself with
// no special casing anywhere above.
func resolve(peer string, cfg *config.Config, cl cluster.Cluster) (string, error) {
	if peer == cfg.NodeName {
		return "127.0.0.1", nil
	}
	if cl == nil {
		return "", cluster.ErrUnknownPeer
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	return cl.AddressOf(ctx, peer)
}

// requestDataPort performs the control-channel exchange: ask the peer's
// listener for a dedicated data port, read the answer, release the control
// connection.
func requestDataPort(addr, peer string, cfg *config.Config) (int, error) {
	ctrl, err := net.DialTimeout("tcp",
		net.JoinHostPort(addr, fmt.Sprint(cfg.ControlPortFor(peer))), cfg.ConnectTimeout)
	if err != nil {
		return 0, err
	}
	defer ctrl.Close()
	ctrl.SetDeadline(time.Now().Add(cfg.ConnectTimeout))

	req, err := codec.EncodePortRequest(codec.Atom(cfg.NodeName))
	if err != nil {
		return 0, err
	}
	if err := protocol.WriteFrame(ctrl, req); err != nil {
		return 0, err
	}
	payload, err := protocol.ReadFrame(ctrl)
	if err != nil {
		return 0, err
	}
	return codec.DecodePortReply(payload)
}

// Call performs one request/reply invocation. recv and send of zero take
// the configured defaults; a positive value overrides per dimension.
func (a *Actor) Call(module, function string, args []any, recv, send time.Duration) (any, error) {
	if a.closed.Load() {
		return nil, &rpcerror.TransportError{Op: rpcerror.Closed}
	}
	if err := a.probe(); err != nil {
		return nil, err
	}
	recv = config.MergeTimeouts(recv, a.cfg.ReceiveTimeout)
	send = config.MergeTimeouts(send, a.cfg.SendTimeout)

	ref := uuid.New()
	w := newWaiter()
	// Register before sending so the receive loop can never see a reply
	// for an unknown ref.
	a.pending.Store(ref, w)

	payload, err := codec.EncodeCall(&codec.CallRequest{
		Sender:   codec.Atom(a.local),
		Waiter:   a.incarnation[:],
		Ref:      ref[:],
		Module:   codec.Atom(module),
		Function: codec.Atom(function),
		Args:     codec.List(args),
	})
	if err != nil {
		a.pending.Delete(ref)
		return nil, err
	}
	if err := a.send(payload, send); err != nil {
		a.pending.Delete(ref)
		a.fail(rpcerror.SendFailed, err)
		return nil, &rpcerror.TransportError{Op: rpcerror.SendFailed, Err: err}
	}
	a.m.CallsTotal.WithLabelValues(a.peer).Inc()
	return w.await(recv, a.done)
}

// Cast performs one fire-and-forget invocation: no ref, no waiter, no
// pending entry. A nil return means the frame reached the socket, nothing
// more.
func (a *Actor) Cast(module, function string, args []any, send time.Duration) error {
	if a.closed.Load() {
		return &rpcerror.TransportError{Op: rpcerror.Closed}
	}
	if err := a.probe(); err != nil {
		return err
	}
	send = config.MergeTimeouts(send, a.cfg.SendTimeout)

	payload, err := codec.EncodeCast(&codec.CastRequest{
		Sender:   codec.Atom(a.local),
		Module:   codec.Atom(module),
		Function: codec.Atom(function),
		Args:     codec.List(args),
	})
	if err != nil {
		return err
	}
	if err := a.send(payload, send); err != nil {
		a.fail(rpcerror.SendFailed, err)
		return &rpcerror.TransportError{Op: rpcerror.SendFailed, Err: err}
	}
	a.m.CastsTotal.WithLabelValues(a.peer).Inc()
	return nil
}

// probe short-circuits with node_down when membership says the peer is
// gone. A TCP send can land in a kernel buffer even when the peer has
// crashed; membership gives an earlier signal.
func (a *Actor) probe() error {
	if !a.cfg.LivenessProbe || a.cl == nil || a.peer == a.local {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ConnectTimeout)
	defer cancel()
	if !a.cl.Ping(ctx, a.peer) {
		return &rpcerror.RPCError{Code: rpcerror.NodeDown, Detail: a.peer}
	}
	return nil
}

// send writes one frame under the sending mutex with the effective send
// timeout as the write deadline.
func (a *Actor) send(payload []byte, send time.Duration) error {
	a.sending.Lock()
	defer a.sending.Unlock()
	if send > 0 {
		a.conn.SetWriteDeadline(time.Now().Add(send))
	}
	if err := protocol.WriteFrame(a.conn, payload); err != nil {
		return err
	}
	a.m.FrameBytesOut.Add(float64(len(payload)))
	a.touch()
	return nil
}

// recvLoop is the single reader of the data socket. Each reply routes to
// the waiter registered under its ref; replies whose waiter already timed
// out are discarded silently. A frame that fails to parse closes the
// socket — length desync cannot be ruled out.
func (a *Actor) recvLoop() {
	for {
		payload, err := protocol.ReadFrame(a.conn)
		if err != nil {
			a.fail(rpcerror.Closed, err)
			return
		}
		a.m.FrameBytesIn.Add(float64(len(payload)))
		reply, err := codec.DecodeReply(payload)
		if err != nil {
			a.log.Warn("corrupt reply frame", zap.Error(err))
			a.fail(rpcerror.Closed, err)
			return
		}
		a.touch()
		ref, err := uuid.FromBytes(reply.Ref)
		if err != nil {
			a.fail(rpcerror.Closed, err)
			return
		}
		if w, ok := a.pending.LoadAndDelete(ref); ok && !w.(*waiter).expired.Load() {
			w.(*waiter).deliver(reply.Value)
			a.m.RepliesRouted.Inc()
		} else {
			// Unknown ref, or a waiter that already timed out.
			a.m.RepliesDropped.Inc()
		}
	}
}

// reapLoop terminates the actor after ClientInactivityTimeout without a
// frame in either direction. Expired waiters' pending entries are swept
// here; live waiters hold off the reaper so a slow call is never cut down
// mid-flight.
func (a *Actor) reapLoop() {
	ticker := time.NewTicker(a.cfg.ClientInactivityTimeout / idleCheckDivisor)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if a.livePending() > 0 {
				continue
			}
			if a.sinceActivity() > a.cfg.ClientInactivityTimeout {
				a.log.Info("idle, disconnecting")
				a.Stop()
				return
			}
		case <-a.done:
			return
		}
	}
}

// livePending counts waiters still awaiting a reply, dropping expired ones
// along the way.
func (a *Actor) livePending() int {
	n := 0
	a.pending.Range(func(k, v any) bool {
		if v.(*waiter).expired.Load() {
			a.pending.Delete(k)
			return true
		}
		n++
		return true
	})
	return n
}

func (a *Actor) touch() {
	a.lastActivity.Store(time.Now().UnixNano())
}

func (a *Actor) sinceActivity() time.Duration {
	return time.Duration(time.Now().UnixNano() - a.lastActivity.Load())
}

// Peer returns the peer node name.
func (a *Actor) Peer() string { return a.peer }

// Stop shuts the actor down gracefully. Waiters still in flight complete
// with {transport_error, closed}.
func (a *Actor) Stop() {
	a.fail(rpcerror.Closed, nil)
}

// fail terminates the actor: socket closed, every pending waiter notified
// with the transport error, entry removed from the registry. Idempotent.
func (a *Actor) fail(op rpcerror.Op, cause error) {
	a.stopOnce.Do(func() {
		a.closed.Store(true)
		a.conn.Close()
		if op != rpcerror.Closed || cause != nil {
			a.m.TransportErrors.Inc()
			a.log.Warn("transport failure", zap.String("op", string(op)), zap.Error(cause))
		}
		a.pending.Range(func(k, v any) bool {
			v.(*waiter).deliver(&rpcerror.TransportError{Op: op, Err: cause})
			a.pending.Delete(k)
			return true
		})
		close(a.done)
		a.m.ConnectedPeers.Dec()
		if a.onExit != nil {
			a.onExit(a)
		}
		a.log.Info("disconnected")
	})
}
