// Package cluster provides peer membership for peer-rpc: resolving a node
// name to an address and probing whether the node is alive.
//
// Two implementations exist. Etcd backs production clusters with TTL-leased
// registrations, so a crashed node disappears when its lease expires.
// Static is a fixed in-memory map for tests and single-host deployments.
package cluster

import (
	"context"
	"errors"
	"sync"
)

// ErrUnknownPeer is returned when a node name has no registration.
var ErrUnknownPeer = errors.New("cluster: unknown peer")

// Cluster is the membership contract the RPC engine consumes.
type Cluster interface {
	// Register announces a node at addr. ttl is the registration lease in
	// seconds; implementations without leases may ignore it.
	Register(ctx context.Context, node, addr string, ttl int64) error

	// Deregister withdraws a node's registration.
	Deregister(ctx context.Context, node string) error

	// AddressOf resolves a node name to its address (IP or host, without
	// a port — ports come from configuration). Unknown peers fail with
	// ErrUnknownPeer.
	AddressOf(ctx context.Context, node string) (string, error)

	// Ping reports whether the node currently has a live registration.
	Ping(ctx context.Context, node string) bool

	// Watch emits the node's presence whenever it changes. The channel
	// closes when the watch ends.
	Watch(ctx context.Context, node string) <-chan bool
}

// Static is a Cluster backed by a fixed map. Registrations never expire.
type Static struct {
	mu    sync.RWMutex
	addrs map[string]string
}

// NewStatic creates a Static cluster seeded with the given node → address
// entries.
func NewStatic(addrs map[string]string) *Static {
	m := make(map[string]string, len(addrs))
	for k, v := range addrs {
		m[k] = v
	}
	return &Static{addrs: m}
}

func (s *Static) Register(_ context.Context, node, addr string, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs[node] = addr
	return nil
}

func (s *Static) Deregister(_ context.Context, node string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.addrs, node)
	return nil
}

func (s *Static) AddressOf(_ context.Context, node string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.addrs[node]
	if !ok {
		return "", ErrUnknownPeer
	}
	return addr, nil
}

func (s *Static) Ping(ctx context.Context, node string) bool {
	_, err := s.AddressOf(ctx, node)
	return err == nil
}

// Watch on a Static cluster never emits; membership only changes through
// explicit Register/Deregister calls the caller already observes.
func (s *Static) Watch(ctx context.Context, _ string) <-chan bool {
	ch := make(chan bool)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}
