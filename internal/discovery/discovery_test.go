package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/zde37/simpledht/pkg"
)

// fakeEtcd keeps keys in memory and tracks which leases are alive.
// Unused clientv3 methods panic through the nil embedded interfaces.
type fakeEtcd struct {
	clientv3.KV
	clientv3.Lease

	mu        sync.Mutex
	data      map[string]string
	owners    map[string]clientv3.LeaseID
	leases    map[clientv3.LeaseID]bool
	nextLease clientv3.LeaseID
	keepAlive map[clientv3.LeaseID]bool
	txnErr    error
}

func newFakeEtcd() *fakeEtcd {
	return &fakeEtcd{
		data:      make(map[string]string),
		owners:    make(map[string]clientv3.LeaseID),
		leases:    make(map[clientv3.LeaseID]bool),
		keepAlive: make(map[clientv3.LeaseID]bool),
	}
}

func (f *fakeEtcd) Grant(_ context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextLease++
	f.leases[f.nextLease] = true
	return &clientv3.LeaseGrantResponse{ID: f.nextLease, TTL: ttl}, nil
}

func (f *fakeEtcd) Revoke(_ context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.leases, id)
	delete(f.keepAlive, id)
	for key, owner := range f.owners {
		if owner == id {
			delete(f.data, key)
			delete(f.owners, key)
		}
	}
	return &clientv3.LeaseRevokeResponse{}, nil
}

func (f *fakeEtcd) KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	f.mu.Lock()
	f.keepAlive[id] = true
	f.mu.Unlock()

	ch := make(chan *clientv3.LeaseKeepAliveResponse)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (f *fakeEtcd) Txn(context.Context) clientv3.Txn {
	return &fakeTxn{etcd: f}
}

func (f *fakeEtcd) value(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

func (f *fakeEtcd) liveLeases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.leases)
}

// fakeTxn only understands the create-if-absent election used by EtcdResolver.
type fakeTxn struct {
	etcd      *fakeEtcd
	then, els []clientv3.Op
}

func (t *fakeTxn) If(...clientv3.Cmp) clientv3.Txn      { return t }
func (t *fakeTxn) Then(ops ...clientv3.Op) clientv3.Txn { t.then = ops; return t }
func (t *fakeTxn) Else(ops ...clientv3.Op) clientv3.Txn { t.els = ops; return t }

func (t *fakeTxn) Commit() (*clientv3.TxnResponse, error) {
	f := t.etcd
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.txnErr != nil {
		return nil, f.txnErr
	}

	key := string(t.then[0].KeyBytes())
	if current, ok := f.data[key]; ok {
		return &clientv3.TxnResponse{
			Succeeded: false,
			Responses: []*pb.ResponseOp{{
				Response: &pb.ResponseOp_ResponseRange{
					ResponseRange: &pb.RangeResponse{
						Kvs: []*mvccpb.KeyValue{{Key: []byte(key), Value: []byte(current)}},
					},
				},
			}},
		}, nil
	}

	f.data[key] = string(t.then[0].ValueBytes())
	f.owners[key] = f.nextLease
	return &clientv3.TxnResponse{Succeeded: true}, nil
}

func TestStaticResolver(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		bootstrap string
		self      string
		want      string
	}{
		{name: "no bootstrap", bootstrap: "", self: "127.0.0.1:11108", want: ""},
		{name: "self is bootstrap", bootstrap: "127.0.0.1:11108", self: "127.0.0.1:11108", want: ""},
		{name: "other bootstrap", bootstrap: "127.0.0.1:11108", self: "127.0.0.1:11112", want: "127.0.0.1:11108"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := StaticResolver{Bootstrap: tt.bootstrap}
			got, err := r.Resolve(ctx, tt.self)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, r.Close())
		})
	}
}

func TestNewEtcdResolver(t *testing.T) {
	f := newFakeEtcd()

	_, err := NewEtcdResolver(nil, f, 5, pkg.NewNop())
	assert.Error(t, err)
	_, err = NewEtcdResolver(f, nil, 5, pkg.NewNop())
	assert.Error(t, err)
	_, err = NewEtcdResolver(f, f, 5, nil)
	assert.Error(t, err)

	r, err := NewEtcdResolver(f, f, 0, pkg.NewNop())
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultLeaseTTL), r.ttl)
}

func TestNewClient_NoEndpoints(t *testing.T) {
	cli, err := NewClient(nil, 0)
	assert.Error(t, err)
	assert.Nil(t, cli)
}

func TestEtcdResolver_Election(t *testing.T) {
	ctx := context.Background()
	f := newFakeEtcd()

	first, err := NewEtcdResolver(f, f, 5, pkg.NewNop())
	require.NoError(t, err)
	second, err := NewEtcdResolver(f, f, 5, pkg.NewNop())
	require.NoError(t, err)

	got, err := first.Resolve(ctx, "127.0.0.1:11108")
	require.NoError(t, err)
	assert.Empty(t, got, "first node claims the bootstrap role")

	stored, ok := f.value(BootstrapKey)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:11108", stored)

	got, err = second.Resolve(ctx, "127.0.0.1:11112")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:11108", got)
	assert.Equal(t, 1, f.liveLeases(), "losing candidate revokes its lease")

	got, err = second.Resolve(ctx, "127.0.0.1:11108")
	require.NoError(t, err)
	assert.Empty(t, got, "a restarted bootstrap node finds its own address")

	require.NoError(t, second.Close())
	_, ok = f.value(BootstrapKey)
	assert.True(t, ok, "closing a non-holder keeps the claim")

	require.NoError(t, first.Close())
	_, ok = f.value(BootstrapKey)
	assert.False(t, ok, "closing the holder releases the claim")
	assert.Zero(t, f.liveLeases())

	assert.NoError(t, first.Close())
}

func TestEtcdResolver_TxnFailure(t *testing.T) {
	f := newFakeEtcd()
	f.txnErr = errors.New("etcdserver: request timed out")

	r, err := NewEtcdResolver(f, f, 5, pkg.NewNop())
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "127.0.0.1:11108")
	assert.ErrorContains(t, err, "bootstrap election failed")
	assert.Zero(t, f.liveLeases())
}
