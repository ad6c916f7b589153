// Package supervisor tracks the dynamic children of one half of a node:
// client actors on the client side, acceptors on the server side.
//
// The restart policy is transient-by-demand. Children that exit normally
// (idle timeout, explicit stop) are final; children that exit abnormally
// (socket error) are also final, and the next request recreates them
// through the dispatcher or the control handshake. The supervisor never
// restarts a child spontaneously — restarting against an unreachable peer
// would just loop.
package supervisor

import (
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Child is anything the supervisor can stop. Stop must be idempotent.
type Child interface {
	Stop()
}

// Supervisor owns a set of named children and process-wide termination.
type Supervisor struct {
	name string
	log  *zap.Logger

	mu       sync.Mutex
	children map[string]Child
	seq      int
	stopped  bool
}

// New creates a supervisor. The name labels its log events.
func New(name string, log *zap.Logger) *Supervisor {
	return &Supervisor{
		name:     name,
		log:      log,
		children: make(map[string]Child),
	}
}

// Add registers a child under id and returns false if the supervisor has
// already shut down, in which case the caller must stop the child itself.
func (s *Supervisor) Add(id string, c Child) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.children[id] = c
	return true
}

// NextID hands out a unique child id with the given prefix.
func (s *Supervisor) NextID(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return prefix + "-" + strconv.Itoa(s.seq)
}

// Remove forgets a child that exited on its own.
func (s *Supervisor) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.children, id)
}

// Len reports the number of live children.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

// Shutdown stops every child exactly once. Further Adds are refused.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	children := make([]Child, 0, len(s.children))
	for id, c := range s.children {
		children = append(children, c)
		delete(s.children, id)
	}
	s.mu.Unlock()

	s.log.Info("supervisor shutting down",
		zap.String("tree", s.name), zap.Int("children", len(children)))
	for _, c := range children {
		c.Stop()
	}
}
