package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/zde37/simpledht/pkg"
)

const (
	// BootstrapKey holds the address of the node every other node joins through.
	BootstrapKey = "/simpledht/bootstrap"

	// DefaultLeaseTTL is how long, in seconds, a dead bootstrap node keeps its claim.
	DefaultLeaseTTL = 10
)

// NewClient connects to etcd.
func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no etcd endpoints given")
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// EtcdResolver elects the bootstrap node through etcd. The first node to put
// BootstrapKey under its lease becomes the bootstrap node; every later node
// reads the address stored there.
type EtcdResolver struct {
	kv     clientv3.KV
	lease  clientv3.Lease
	key    string
	ttl    int64
	logger *pkg.Logger

	mu      sync.Mutex
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
}

// NewEtcdResolver builds a resolver on kv and lease, usually both the same *clientv3.Client.
func NewEtcdResolver(kv clientv3.KV, lease clientv3.Lease, ttl int64, logger *pkg.Logger) (*EtcdResolver, error) {
	if kv == nil || lease == nil {
		return nil, fmt.Errorf("etcd kv and lease clients are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &EtcdResolver{
		kv:     kv,
		lease:  lease,
		key:    BootstrapKey,
		ttl:    ttl,
		logger: logger.WithFields(pkg.Fields{"component": "etcd_resolver"}),
	}, nil
}

// Resolve claims the bootstrap key for self, or returns whoever holds it.
func (r *EtcdResolver) Resolve(ctx context.Context, self string) (string, error) {
	grant, err := r.lease.Grant(ctx, r.ttl)
	if err != nil {
		return "", fmt.Errorf("failed to grant lease: %w", err)
	}

	resp, err := r.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(r.key), "=", 0)).
		Then(clientv3.OpPut(r.key, self, clientv3.WithLease(grant.ID))).
		Else(clientv3.OpGet(r.key)).
		Commit()
	if err != nil {
		r.revoke(grant.ID)
		return "", fmt.Errorf("bootstrap election failed: %w", err)
	}

	if resp.Succeeded {
		if err := r.keepAlive(grant.ID); err != nil {
			r.revoke(grant.ID)
			return "", err
		}
		r.logger.Info().Str("key", r.key).Msg("Claimed bootstrap role")
		return "", nil
	}

	r.revoke(grant.ID)

	if len(resp.Responses) == 0 {
		return "", fmt.Errorf("bootstrap election returned no current holder")
	}
	kvs := resp.Responses[0].GetResponseRange().GetKvs()
	if len(kvs) == 0 {
		return "", fmt.Errorf("bootstrap key %s vanished during election", r.key)
	}

	holder := string(kvs[0].Value)
	r.logger.Info().Str("bootstrap", holder).Msg("Found bootstrap node")
	if holder == self {
		return "", nil
	}
	return holder, nil
}

// keepAlive refreshes the lease until Close.
func (r *EtcdResolver) keepAlive(id clientv3.LeaseID) error {
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := r.lease.KeepAlive(ctx, id)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}

	r.mu.Lock()
	r.leaseID = id
	r.cancel = cancel
	r.mu.Unlock()

	go func() {
		for range ch {
		}
		if ctx.Err() == nil {
			r.logger.Warn().Msg("Bootstrap lease keep-alive stopped")
		}
	}()
	return nil
}

func (r *EtcdResolver) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := r.lease.Revoke(ctx, id); err != nil {
		r.logger.Debug().Err(err).Msg("Failed to revoke lease")
	}
}

// Close releases the bootstrap claim, if this resolver holds one.
func (r *EtcdResolver) Close() error {
	r.mu.Lock()
	id, cancel := r.leaseID, r.cancel
	r.leaseID, r.cancel = 0, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	r.revoke(id)
	return nil
}
