package supervisor

import (
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

type stopCounter struct {
	n atomic.Int32
}

func (s *stopCounter) Stop() { s.n.Add(1) }

func TestShutdownStopsEveryChildOnce(t *testing.T) {
	sup := New("client", zap.NewNop())
	children := make([]*stopCounter, 3)
	for i := range children {
		children[i] = &stopCounter{}
		if !sup.Add(sup.NextID("actor"), children[i]) {
			t.Fatal("Add refused before shutdown")
		}
	}
	if sup.Len() != 3 {
		t.Fatalf("Len = %d, want 3", sup.Len())
	}

	sup.Shutdown()
	sup.Shutdown() // second call is a no-op

	for i, c := range children {
		if got := c.n.Load(); got != 1 {
			t.Errorf("child %d stopped %d times, want 1", i, got)
		}
	}
	if sup.Len() != 0 {
		t.Errorf("Len after shutdown = %d", sup.Len())
	}
}

func TestAddAfterShutdownRefused(t *testing.T) {
	sup := New("server", zap.NewNop())
	sup.Shutdown()
	if sup.Add("late", &stopCounter{}) {
		t.Error("Add must refuse children after shutdown")
	}
}

func TestRemoveForgetsChild(t *testing.T) {
	sup := New("client", zap.NewNop())
	c := &stopCounter{}
	sup.Add("actor-1", c)
	sup.Remove("actor-1")
	sup.Shutdown()
	if c.n.Load() != 0 {
		t.Error("removed child must not be stopped by shutdown")
	}
}
