package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"peer-rpc/codec"
	"peer-rpc/config"
	"peer-rpc/metrics"
	"peer-rpc/middleware"
	"peer-rpc/protocol"
	"peer-rpc/supervisor"
)

// idleCheckDivisor controls how often the idle timer fires relative to the
// inactivity timeout.
const idleCheckDivisor = 4

// Acceptor owns one inbound peer's data socket. It is created during the
// control handshake with a per-connection listener on an ephemeral port,
// accepts exactly one connection, and then serves frames until the peer
// disconnects, a frame fails to parse, or the idle window elapses.
//
// The socket is owned solely by the acceptor: a read loop decodes frames
// sequentially and the acceptor's event loop writes replies. Executors
// report completions as messages on replyCh and never touch the socket.
type Acceptor struct {
	id  string
	cfg *config.Config
	log *zap.Logger
	m   *metrics.Metrics
	sup *supervisor.Supervisor

	handler middleware.HandlerFunc

	ln   net.Listener // per-connection listener, closed after the accept
	conn net.Conn

	replyCh      chan *codec.Reply
	inflight     atomic.Int64
	lastActivity atomic.Int64 // UnixNano

	done     chan struct{}
	stopOnce sync.Once
}

// newAcceptor binds an ephemeral port for one inbound peer. The acceptor
// is not serving yet; the caller sends the port to the peer and then calls
// run.
func newAcceptor(id string, cfg *config.Config, handler middleware.HandlerFunc,
	sup *supervisor.Supervisor, log *zap.Logger, m *metrics.Metrics) (*Acceptor, error) {

	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, err
	}
	return &Acceptor{
		id:      id,
		cfg:     cfg,
		log:     log.With(zap.String("acceptor", id)),
		m:       m,
		sup:     sup,
		handler: handler,
		ln:      ln,
		replyCh: make(chan *codec.Reply, 64),
		done:    make(chan struct{}),
	}, nil
}

// Port returns the ephemeral data port, sent back on the control channel.
func (a *Acceptor) Port() int {
	return a.ln.Addr().(*net.TCPAddr).Port
}

// run accepts the one expected data connection and serves it until the
// acceptor terminates. Blocks; callers start it on its own goroutine.
func (a *Acceptor) run() {
	defer a.stop()

	if tl, ok := a.ln.(*net.TCPListener); ok {
		tl.SetDeadline(time.Now().Add(a.cfg.ConnectTimeout))
	}
	conn, err := a.ln.Accept()
	// Per-connection listener: exactly one accept, then the listening
	// socket closes so the port is returned immediately.
	a.ln.Close()
	if err != nil {
		a.log.Warn("data connection never arrived", zap.Error(err))
		return
	}
	a.conn = conn
	a.touch()
	a.m.ActiveAcceptors.Inc()
	defer a.m.ActiveAcceptors.Dec()
	a.log.Info("peer connected", zap.String("remote", conn.RemoteAddr().String()))

	readErr := make(chan error, 1)
	go a.readLoop(readErr)

	var idleCh <-chan time.Time
	if a.cfg.ServerInactivityTimeout > config.Infinite {
		t := time.NewTicker(a.cfg.ServerInactivityTimeout / idleCheckDivisor)
		defer t.Stop()
		idleCh = t.C
	}

	for {
		select {
		case reply := <-a.replyCh:
			if err := a.writeReply(reply); err != nil {
				a.m.TransportErrors.Inc()
				a.log.Warn("reply write failed", zap.Error(err))
				return
			}
			a.touch()
		case <-idleCh:
			if a.inflight.Load() == 0 && a.sinceActivity() > a.cfg.ServerInactivityTimeout {
				a.log.Info("idle, closing")
				return
			}
		case err := <-readErr:
			if err != nil {
				a.log.Debug("read loop ended", zap.Error(err))
			}
			return
		case <-a.done:
			return
		}
	}
}

// readLoop decodes frames sequentially — a byte stream permits only one
// reader — and spawns an executor per request, preserving arrival order of
// the spawns.
func (a *Acceptor) readLoop(readErr chan<- error) {
	for {
		payload, err := protocol.ReadFrame(a.conn)
		if err != nil {
			readErr <- err
			return
		}
		a.m.FrameBytesIn.Add(float64(len(payload)))
		req, err := codec.DecodeRequest(payload)
		if err != nil {
			// Length desync cannot be ruled out; the connection is done.
			a.log.Warn("corrupt request frame", zap.Error(err))
			readErr <- err
			return
		}
		a.touch()
		switch r := req.(type) {
		case *codec.CallRequest:
			a.spawnExecutor(r)
		case *codec.CastRequest:
			a.spawnCastExecutor(r)
		}
	}
}

func (a *Acceptor) writeReply(reply *codec.Reply) error {
	payload, err := codec.EncodeReply(reply)
	if err != nil {
		return err
	}
	if a.cfg.SendTimeout > 0 {
		a.conn.SetWriteDeadline(time.Now().Add(a.cfg.SendTimeout))
	}
	if err := protocol.WriteFrame(a.conn, payload); err != nil {
		return err
	}
	a.m.FrameBytesOut.Add(float64(len(payload)))
	return nil
}

func (a *Acceptor) touch() {
	a.lastActivity.Store(time.Now().UnixNano())
}

func (a *Acceptor) sinceActivity() time.Duration {
	return time.Duration(time.Now().UnixNano() - a.lastActivity.Load())
}

// Stop terminates the acceptor: the socket closes, the read loop ends, and
// in-flight executors' replies are discarded. Safe to call more than once.
func (a *Acceptor) Stop() {
	a.stop()
}

func (a *Acceptor) stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		a.ln.Close()
		if a.conn != nil {
			a.conn.Close()
		}
		a.sup.Remove(a.id)
		a.log.Debug("acceptor gone")
	})
}
