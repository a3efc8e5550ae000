package chord

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zde37/simpledht/internal/wire"
	"github.com/zde37/simpledht/pkg"
	"github.com/zde37/simpledht/pkg/hash"
)

// fakeNetwork delivers messages in-process by calling the target node's
// HandleMessage on the sender's outbox goroutine.
type fakeNetwork struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	down     map[string]bool
	hashFn   hash.Func
	inflight atomic.Int64
}

func newFakeNetwork(fn hash.Func) *fakeNetwork {
	if fn == nil {
		fn = hash.Digest
	}
	return &fakeNetwork{
		nodes:  make(map[string]*Node),
		down:   make(map[string]bool),
		hashFn: fn,
	}
}

func (f *fakeNetwork) lookup(addr string) (*Node, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	n, ok := f.nodes[addr]
	if !ok || f.down[addr] {
		return nil, fmt.Errorf("peer %s unreachable", addr)
	}
	return n, nil
}

func (f *fakeNetwork) Send(ctx context.Context, addr string, msg *wire.Message) error {
	n, err := f.lookup(addr)
	if err != nil {
		return err
	}
	// Handler errors stay on the receiving side, as with a real connection.
	_, _ = n.HandleMessage(ctx, msg)
	return nil
}

func (f *fakeNetwork) Request(ctx context.Context, addr string, msg *wire.Message) (*wire.Message, error) {
	n, err := f.lookup(addr)
	if err != nil {
		return nil, err
	}
	return n.HandleMessage(ctx, msg)
}

func (f *fakeNetwork) setDown(addr string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[addr] = down
}

// addNode creates a node on the network without joining it anywhere.
func (f *fakeNetwork) addNode(t *testing.T, id string) *Node {
	t.Helper()

	n, err := NewNode(StaticIdentity(id), pkg.NewMemoryStorage(), pkg.NewNop(), Options{HashFunc: f.hashFn})
	require.NoError(t, err)
	n.inflight = &f.inflight
	n.SetRemote(f)

	f.mu.Lock()
	f.nodes[id] = n
	f.mu.Unlock()

	t.Cleanup(func() { _ = n.Shutdown() })
	return n
}

// join adds a node and joins it through bootstrap, waiting for the ring to settle.
func (f *fakeNetwork) join(t *testing.T, id string, bootstrap *Node) *Node {
	t.Helper()

	n := f.addNode(t, id)
	require.NoError(t, n.Join(context.Background(), bootstrap.ID()))
	f.settle(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, n.WaitInRing(ctx))
	return n
}

// settle waits until no outbound message is queued or in flight.
func (f *fakeNetwork) settle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.inflight.Load() == 0
	}, 5*time.Second, 5*time.Millisecond)
}

// buildRing forms a ring of size nodes through sequential joins to the first.
func (f *fakeNetwork) buildRing(t *testing.T, size int) []*Node {
	t.Helper()

	nodes := []*Node{f.addNode(t, nodeAddr(0))}
	for i := 1; i < size; i++ {
		nodes = append(nodes, f.join(t, nodeAddr(i), nodes[0]))
	}
	return nodes
}

// owner finds the node responsible for key by brute force over sorted hashes.
func (f *fakeNetwork) owner(t *testing.T, nodes []*Node, key string) *Node {
	t.Helper()

	keyHash, err := f.hashFn(key)
	require.NoError(t, err)

	sorted := sortedByHash(nodes)
	for _, n := range sorted {
		if hash.Compare(keyHash, n.Self().Hash) <= 0 {
			return n
		}
	}
	return sorted[0]
}

func sortedByHash(nodes []*Node) []*Node {
	sorted := append([]*Node(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool {
		return hash.Compare(sorted[i].Self().Hash, sorted[j].Self().Hash) < 0
	})
	return sorted
}

func nodeAddr(i int) string {
	return fmt.Sprintf("127.0.0.1:%d", 11108+4*i)
}

func localKeys(t *testing.T, n *Node) []string {
	t.Helper()

	rows, err := n.Query(context.Background(), LocalAll)
	require.NoError(t, err)
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
	}
	return keys
}
