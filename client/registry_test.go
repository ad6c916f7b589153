package client

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func testActor(peer string) *Actor {
	return &Actor{peer: peer, done: make(chan struct{})}
}

func TestAcquireCreatesOncePerPeer(t *testing.T) {
	reg := newRegistry()
	var created atomic.Int32
	create := func(p string) (*Actor, error) {
		created.Add(1)
		return testActor(p), nil
	}

	const callers = 64
	var wg sync.WaitGroup
	actors := make([]*Actor, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := reg.acquire("node_b", create)
			if err != nil {
				t.Error(err)
				return
			}
			actors[i] = a
		}(i)
	}
	wg.Wait()

	if n := created.Load(); n != 1 {
		t.Fatalf("created %d actors for one peer, want 1", n)
	}
	for i := 1; i < callers; i++ {
		if actors[i] != actors[0] {
			t.Fatal("concurrent callers observed different actors for one peer")
		}
	}
}

func TestAcquirePropagatesCreateError(t *testing.T) {
	reg := newRegistry()
	boom := errors.New("dial failed")
	if _, err := reg.acquire("node_b", func(string) (*Actor, error) { return nil, boom }); err != boom {
		t.Fatalf("got %v, want the create error", err)
	}
	// Failed creates leave no entry behind; the next attempt retries.
	if _, ok := reg.lookup("node_b"); ok {
		t.Fatal("failed create must not register an actor")
	}
}

func TestRemoveIsIdentityChecked(t *testing.T) {
	reg := newRegistry()
	old := testActor("node_b")
	reg.acquire("node_b", func(p string) (*Actor, error) { return old, nil })

	// The old actor dies and a replacement is created.
	reg.remove("node_b", old)
	replacement := testActor("node_b")
	reg.acquire("node_b", func(p string) (*Actor, error) { return replacement, nil })

	// A stale removal from the dead actor must not evict the replacement.
	reg.remove("node_b", old)
	if a, ok := reg.lookup("node_b"); !ok || a != replacement {
		t.Fatal("stale remove evicted the replacement actor")
	}
}

func TestSnapshot(t *testing.T) {
	reg := newRegistry()
	reg.acquire("node_b", func(p string) (*Actor, error) { return testActor(p), nil })
	reg.acquire("node_c", func(p string) (*Actor, error) { return testActor(p), nil })
	if got := len(reg.snapshot()); got != 2 {
		t.Fatalf("snapshot has %d actors, want 2", got)
	}
}
