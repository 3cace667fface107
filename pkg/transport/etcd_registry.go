package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultRegistryPrefix is the etcd key prefix under which drones publish
// their transport addresses.
const DefaultRegistryPrefix = "/dronenet/nodes/"

// PeerSet receives address changes from a registry. GRPCTransport implements it.
type PeerSet interface {
	AddPeer(addr string)
	RemovePeer(addr string)
}

// EtcdRegistry publishes this node's transport address in etcd under a lease
// and watches the prefix for other nodes. It only distributes addresses;
// drone ids and roles still travel over the mesh itself.
type EtcdRegistry struct {
	client *clientv3.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger

	leaseID clientv3.LeaseID
}

// NewEtcdRegistry connects to the etcd cluster at endpoints.
func NewEtcdRegistry(endpoints []string, prefix string, ttl time.Duration, logger *zap.Logger) (*EtcdRegistry, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("etcd registry: no endpoints")
	}
	if prefix == "" {
		prefix = DefaultRegistryPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if ttl < time.Second {
		ttl = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd registry: %w", err)
	}
	return &EtcdRegistry{client: cli, prefix: prefix, ttl: ttl, logger: logger}, nil
}

// Register publishes addr under name with a lease that is kept alive until ctx
// is cancelled or the registry is closed.
func (r *EtcdRegistry) Register(ctx context.Context, name, addr string) error {
	lease, err := r.client.Grant(ctx, int64(r.ttl/time.Second))
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	if _, err := r.client.Put(ctx, r.prefix+name, addr, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	r.leaseID = lease.ID

	keepAlive, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range keepAlive {
		}
		r.logger.Debug("etcd keepalive stopped", zap.String("name", name))
	}()

	r.logger.Info("registered with etcd",
		zap.String("key", r.prefix+name),
		zap.String("addr", addr),
		zap.Int64("lease", int64(lease.ID)))
	return nil
}

// Sync loads the current peer addresses into peers and then applies changes
// as they happen until ctx is cancelled. selfAddr is never added.
func (r *EtcdRegistry) Sync(ctx context.Context, selfAddr string, peers PeerSet) error {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("list peers: %w", err)
	}
	for _, kv := range resp.Kvs {
		if addr := string(kv.Value); addr != selfAddr {
			peers.AddPeer(addr)
		}
	}

	watch := r.client.Watch(ctx, r.prefix,
		clientv3.WithPrefix(),
		clientv3.WithPrevKV(),
		clientv3.WithRev(resp.Header.Revision+1))
	go func() {
		for wresp := range watch {
			for _, ev := range wresp.Events {
				switch ev.Type {
				case clientv3.EventTypePut:
					if addr := string(ev.Kv.Value); addr != selfAddr {
						peers.AddPeer(addr)
					}
				case clientv3.EventTypeDelete:
					if ev.PrevKv != nil {
						peers.RemovePeer(string(ev.PrevKv.Value))
					}
				}
			}
		}
	}()
	return nil
}

// Close revokes the lease, removing this node's key, and closes the client.
func (r *EtcdRegistry) Close() error {
	if r.leaseID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, _ = r.client.Revoke(ctx, r.leaseID)
		cancel()
	}
	return r.client.Close()
}
