// Etcd-backed membership.
//
// Node registrations live under a shared key prefix:
//
//	Key:   /peer-rpc/nodes/{NodeName}
//	Value: the node's address
//
// Registration uses TTL-based leases: if the node crashes, the lease
// expires and the entry is removed automatically, so peers stop resolving
// a dead node without any explicit deregistration.
package cluster

import (
	"context"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const nodePrefix = "/peer-rpc/nodes/"

// Etcd implements Cluster over an etcd v3 keyspace.
type Etcd struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // node → lease, for Deregister
}

// NewEtcd creates a membership client connected to the given endpoints.
// The logger is shared with the etcd client itself.
func NewEtcd(endpoints []string, log *zap.Logger) (*Etcd, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
		Logger:    log.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &Etcd{client: c, log: log, leases: make(map[string]clientv3.LeaseID)}, nil
}

// Register announces the node under a TTL lease and starts background
// lease renewal. If KeepAlive stops (process death), the entry auto-expires.
func (e *Etcd) Register(ctx context.Context, node, addr string, ttl int64) error {
	lease, err := e.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, nodePrefix+node, addr, clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}
	ch, err := e.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		e.log.Debug("lease keepalive ended", zap.String("node", node))
	}()

	e.mu.Lock()
	e.leases[node] = lease.ID
	e.mu.Unlock()
	return nil
}

// Deregister removes the node's entry and revokes its lease.
func (e *Etcd) Deregister(ctx context.Context, node string) error {
	e.mu.Lock()
	leaseID, ok := e.leases[node]
	delete(e.leases, node)
	e.mu.Unlock()

	if _, err := e.client.Delete(ctx, nodePrefix+node); err != nil {
		return err
	}
	if ok {
		if _, err := e.client.Revoke(ctx, leaseID); err != nil {
			e.log.Warn("lease revoke failed", zap.String("node", node), zap.Error(err))
		}
	}
	return nil
}

func (e *Etcd) AddressOf(ctx context.Context, node string) (string, error) {
	resp, err := e.client.Get(ctx, nodePrefix+node)
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", ErrUnknownPeer
	}
	return string(resp.Kvs[0].Value), nil
}

func (e *Etcd) Ping(ctx context.Context, node string) bool {
	_, err := e.AddressOf(ctx, node)
	return err == nil
}

// Watch emits the node's presence on every change to its key (registration,
// deregistration, lease expiry). Uses etcd's server-push Watch API.
func (e *Etcd) Watch(ctx context.Context, node string) <-chan bool {
	ch := make(chan bool, 1)
	go func() {
		defer close(ch)
		for resp := range e.client.Watch(ctx, nodePrefix+node) {
			if resp.Err() != nil {
				return
			}
			for _, ev := range resp.Events {
				ch <- ev.Type == clientv3.EventTypePut
			}
		}
	}()
	return ch
}

// Close releases the etcd client.
func (e *Etcd) Close() error {
	return e.client.Close()
}
