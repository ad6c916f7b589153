package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"peer-rpc/cluster"
	"peer-rpc/codec"
	"peer-rpc/config"
	"peer-rpc/metrics"
	"peer-rpc/middleware"
	"peer-rpc/protocol"
	"peer-rpc/rpcerror"
	"peer-rpc/supervisor"
)

// registrationTTL is the membership lease in seconds.
const registrationTTL = 10

// Server is the listening half of a node. One listener binds the well-known
// control port; each inbound peer negotiates a dedicated acceptor on an
// ephemeral data port through it, so bulk RPC traffic never shares a socket
// with other peers or with cluster control traffic.
type Server struct {
	cfg config.Config
	cl  cluster.Cluster
	log *zap.Logger
	m   *metrics.Metrics

	modules     *ModuleSet
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	ln       net.Listener
	sup      *supervisor.Supervisor
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

// New creates the server half. cl may be nil when the node is not part of
// a resolvable cluster (fixed addressing via configuration).
func New(cfg config.Config, cl cluster.Cluster, log *zap.Logger, m *metrics.Metrics) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	log = log.Named("server").With(zap.String("node", cfg.NodeName))
	return &Server{
		cfg:     cfg,
		cl:      cl,
		log:     log,
		m:       m,
		modules: NewModuleSet(),
		sup:     supervisor.New("server", log),
	}
}

// RegisterModule exposes rcvr's exported methods under the module name.
func (s *Server) RegisterModule(name string, rcvr any) error {
	return s.modules.Register(name, rcvr)
}

// Use appends a middleware to the invocation chain. Middlewares run in the
// order added, between the built-in policy stages and the recovery stage.
// Must be called before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Listen binds the control port without accepting yet, so callers can
// learn the bound port (ControlPort zero) before peers are told about it.
// Serve calls it implicitly.
func (s *Server) Listen() error {
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ControlPort))
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Serve binds the control port and accepts handshakes until Shutdown.
// advertiseAddr, when non-empty, is registered in cluster membership so
// peers can resolve this node; it must be routable from them.
func (s *Server) Serve(advertiseAddr string) error {
	if err := s.Listen(); err != nil {
		return err
	}
	ln := s.ln

	// Build the chain once at startup: logging, admission, policy, user
	// stages, then recovery innermost so it wraps the invocation itself.
	stages := []middleware.Middleware{middleware.Logging(s.log)}
	if s.cfg.RequestRate > 0 {
		stages = append(stages, middleware.RateLimit(s.cfg.RequestRate, s.cfg.RequestBurst))
	}
	stages = append(stages, middleware.ModuleControl(&s.cfg))
	stages = append(stages, s.middlewares...)
	stages = append(stages, middleware.Recovery())
	s.handler = middleware.Chain(stages...)(s.invoke)

	if s.cl != nil && advertiseAddr != "" {
		if err := s.cl.Register(context.Background(), s.cfg.NodeName, advertiseAddr, registrationTTL); err != nil {
			ln.Close()
			return fmt.Errorf("cluster register: %w", err)
		}
	}
	s.log.Info("control listener up", zap.Int("port", s.Port()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			// During shutdown the closed listener makes Accept fail;
			// the flag distinguishes that from a real error.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.handleControl(conn)
	}
}

// Port returns the bound control port, useful when ControlPort was zero.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// handleControl runs the acceptor-allocation protocol for one inbound
// client: read the request, spawn an acceptor on an ephemeral port, answer
// with the port, release the control connection.
func (s *Server) handleControl(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	payload, err := protocol.ReadFrame(conn)
	if err != nil {
		s.log.Debug("control read failed", zap.Error(err))
		return
	}
	peer, err := codec.DecodePortRequest(payload)
	if err != nil {
		s.log.Warn("bad control request", zap.Error(err))
		return
	}

	id := s.sup.NextID("acceptor-" + string(peer))
	acc, err := newAcceptor(id, &s.cfg, s.handler, s.sup, s.log, s.m)
	if err != nil {
		s.log.Error("acceptor allocation failed", zap.Error(err))
		if out, eerr := codec.EncodePortError(err.Error()); eerr == nil {
			protocol.WriteFrame(conn, out)
		}
		return
	}
	if !s.sup.Add(id, acc) {
		acc.Stop()
		return
	}
	go acc.run()

	out, err := codec.EncodePortReply(acc.Port())
	if err != nil {
		acc.Stop()
		return
	}
	if err := protocol.WriteFrame(conn, out); err != nil {
		s.log.Debug("control reply failed", zap.Error(err))
		acc.Stop()
		return
	}
	s.log.Debug("allocated data port",
		zap.String("peer", string(peer)), zap.Int("port", acc.Port()))
}

// invoke is the innermost handler: dispatch to the module set. Failures
// surface as {rpc_error, crash} unless already classified.
func (s *Server) invoke(_ context.Context, inv *middleware.Invocation) *middleware.Result {
	v, err := s.modules.Invoke(inv.Module, inv.Function, inv.Args)
	if err != nil {
		if re, ok := err.(*rpcerror.RPCError); ok {
			return &middleware.Result{Err: re}
		}
		return &middleware.Result{Err: &rpcerror.RPCError{
			Code:   rpcerror.Crash,
			Detail: err.Error(),
		}}
	}
	return &middleware.Result{Value: v}
}

// Shutdown deregisters from membership, stops accepting handshakes, tears
// down every acceptor, and waits for in-flight control exchanges.
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.cl != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		s.cl.Deregister(ctx, s.cfg.NodeName)
		cancel()
	}

	// Flag first: a closed listener must read as intentional in Serve.
	s.shutdown.Store(true)
	if s.ln != nil {
		s.ln.Close()
	}
	s.sup.Shutdown()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("server: timeout waiting for control exchanges")
	}
}
