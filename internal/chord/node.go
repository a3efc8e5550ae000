package chord

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zde37/simpledht/internal/telemetry"
	"github.com/zde37/simpledht/internal/wire"
	"github.com/zde37/simpledht/pkg"
	"github.com/zde37/simpledht/pkg/hash"
)

// Options tune a Node beyond its identity and storage. The zero value is usable.
type Options struct {
	// HashFunc places keys and identifiers on the ring. Defaults to hash.Digest.
	HashFunc hash.Func

	// Metrics receives message, routing and join counters. May be nil.
	Metrics *telemetry.Metrics
}

// Node is one member of the ring. It owns the keys in (predecessor, self],
// routes everything else one hop at a time, and runs the join protocol.
type Node struct {
	ring    *RingState
	storage pkg.Storage
	logger  *pkg.Logger
	metrics *telemetry.Metrics

	// mu serialises storage mutations and pointer changes. It is never held
	// while waiting on the network.
	mu sync.Mutex

	remote      RemoteClient
	broadcaster RingUpdateBroadcaster

	outboxMu sync.Mutex
	outboxes map[string]*outbox

	// inflight counts queued and running outbound jobs. Tests share one counter
	// across a ring to detect quiescence.
	inflight *atomic.Int64

	ready     chan struct{}
	readyOnce sync.Once

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc

	shutdown   bool
	shutdownMu sync.RWMutex
}

// NewNode creates a Solo node whose identifier comes from id.
func NewNode(id IdentityProvider, storage pkg.Storage, logger *pkg.Logger, opts Options) (*Node, error) {
	if id == nil {
		return nil, fmt.Errorf("identity provider cannot be nil")
	}
	if storage == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	ring, err := NewRingState(id.LocalIdentifier(), opts.HashFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to place node on the ring: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	self := ring.Self()

	n := &Node{
		ring:     ring,
		storage:  storage,
		logger:   logger.WithFields(pkg.Fields{"component": "chord", "node_id": self.ID}),
		metrics:  opts.Metrics,
		outboxes: make(map[string]*outbox),
		ready:    make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	n.logger.Info().
		Str("hash", truncateHex(self.Hash, 16)).
		Msg("Node created")

	return n, nil
}

// ID returns the node's identifier.
func (n *Node) ID() string {
	return n.ring.Self().ID
}

// Self returns the node's own pointer.
func (n *Node) Self() Pointer {
	return n.ring.Self()
}

// Predecessor returns the current predecessor, if any.
func (n *Node) Predecessor() (Pointer, bool) {
	return n.ring.Predecessor()
}

// Successor returns the current successor, if any.
func (n *Node) Successor() (Pointer, bool) {
	return n.ring.Successor()
}

// State reports whether the node has joined a ring yet.
func (n *Node) State() NodeState {
	return n.ring.State()
}

// Snapshot returns a copy of the ring pointers for display.
func (n *Node) Snapshot() RingSnapshot {
	return n.ring.Snapshot()
}

// Ready is closed when the node leaves StateSolo.
func (n *Node) Ready() <-chan struct{} {
	return n.ready
}

// WaitInRing blocks until the node has a predecessor or ctx is done.
func (n *Node) WaitInRing(ctx context.Context) error {
	select {
	case <-n.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting to join the ring: %w", ctx.Err())
	}
}

// SetRemote sets the client used to reach other nodes.
func (n *Node) SetRemote(remote RemoteClient) {
	n.outboxMu.Lock()
	defer n.outboxMu.Unlock()
	n.remote = remote
}

// SetBroadcaster sets the ring update broadcaster for real-time notifications.
func (n *Node) SetBroadcaster(broadcaster RingUpdateBroadcaster) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcaster = broadcaster
}

// HandleMessage dispatches one inbound peer message. The returned message, if
// any, is the reply to write back to the sender.
func (n *Node) HandleMessage(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", pkg.ErrMalformedMessage)
	}
	if n.IsShutdown() {
		return nil, fmt.Errorf("node is shut down")
	}

	n.metrics.ObserveMessage(string(msg.Op), telemetry.DirectionIn)
	n.logger.Trace().Str("message", msg.String()).Msg("Message received")

	switch msg.Op {
	case wire.OpInsert:
		n.mu.Lock()
		defer n.mu.Unlock()
		return nil, n.routeInsertLocked(ctx, msg.Key, msg.Value)

	case wire.OpDelete:
		if msg.Key == RingAll {
			origin := msg.Value
			if origin == "" {
				origin = msg.Sender
			}
			return nil, n.relayDeleteAll(ctx, origin)
		}
		return nil, n.deleteKey(ctx, msg.Key)

	case wire.OpQuery:
		scope := msg.Value
		if scope == "" {
			scope = msg.Sender
		}
		rows, err := n.query(ctx, msg.Key, scope)
		if err != nil {
			return nil, err
		}
		keys, values := wire.PackRows(rows)
		return &wire.Message{
			Op:       wire.OpQueryResp,
			Sender:   n.ID(),
			Receiver: msg.Sender,
			Key:      keys,
			Value:    values,
		}, nil

	case wire.OpJoin:
		return nil, n.handleJoin(msg)

	case wire.OpJoinResp:
		return nil, n.handleJoinResp(ctx, msg)

	default:
		return nil, fmt.Errorf("%w: %s on its own", pkg.ErrUnexpectedMessage, msg.Op)
	}
}

// send queues a fire-and-forget message on the peer's outbox. It never blocks.
func (n *Node) send(to Pointer, msg *wire.Message) error {
	msg.Receiver = to.Addr
	o, err := n.outboxFor(to.Addr)
	if err != nil {
		return err
	}
	if !o.enqueue(&outboundJob{ctx: n.ctx, msg: msg}) {
		return fmt.Errorf("outbox for %s is closed", to.Addr)
	}
	return nil
}

// request sends msg to the peer and waits for the reply. Messages already
// queued for the peer are handed to the transport first. A reply that never
// comes leaves the caller waiting until ctx is done.
func (n *Node) request(ctx context.Context, to Pointer, msg *wire.Message) (*wire.Message, error) {
	msg.Receiver = to.Addr
	o, err := n.outboxFor(to.Addr)
	if err != nil {
		return nil, err
	}

	flushed := o.flush(ctx)
	if flushed == nil {
		return nil, fmt.Errorf("outbox for %s is closed", to.Addr)
	}
	select {
	case <-flushed:
	case <-o.done:
		return nil, fmt.Errorf("outbox for %s is closed", to.Addr)
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting to send %s to %s: %w", msg.Op, to.Addr, ctx.Err())
	}

	select {
	case resp := <-o.request(ctx, msg):
		return resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s from %s: %w", msg.Op, to.Addr, ctx.Err())
	}
}

func (n *Node) outboxFor(addr string) (*outbox, error) {
	n.outboxMu.Lock()
	defer n.outboxMu.Unlock()

	if n.remote == nil {
		return nil, pkg.ErrRemoteNotSet
	}
	if o, ok := n.outboxes[addr]; ok {
		return o, nil
	}
	o := newOutbox(addr, n.remote, n.logger, n.metrics, n.inflight)
	n.outboxes[addr] = o
	return o, nil
}

// publish sends a ring update to the broadcaster when one is set. Callers hold n.mu.
func (n *Node) publish(eventType, peer string, entries int, message string) {
	if n.broadcaster == nil {
		return
	}
	event := RingUpdateEvent{
		Type:      eventType,
		NodeID:    n.ID(),
		Peer:      peer,
		Entries:   entries,
		Timestamp: time.Now().Unix(),
		Message:   message,
	}
	if err := n.broadcaster.BroadcastRingUpdate(event); err != nil {
		n.logger.Warn().Err(err).Str("type", eventType).Msg("Failed to broadcast ring update")
	}
}

// markInRing closes the ready channel the first time a predecessor is set.
func (n *Node) markInRing() {
	n.readyOnce.Do(func() {
		close(n.ready)
		n.logger.Info().Msg("Node is part of a ring")
	})
}

// Shutdown stops all outboxes and closes storage.
func (n *Node) Shutdown() error {
	n.shutdownMu.Lock()
	if n.shutdown {
		n.shutdownMu.Unlock()
		return nil
	}
	n.shutdown = true
	n.shutdownMu.Unlock()

	n.logger.Info().Msg("Shutting down node")
	n.cancel()

	n.outboxMu.Lock()
	for addr, o := range n.outboxes {
		o.close()
		delete(n.outboxes, addr)
	}
	n.outboxMu.Unlock()

	if err := n.storage.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}

	n.logger.Info().Msg("Node shutdown complete")
	return nil
}

// IsShutdown returns true if the node has been shut down.
func (n *Node) IsShutdown() bool {
	n.shutdownMu.RLock()
	defer n.shutdownMu.RUnlock()
	return n.shutdown
}
