package chord

import (
	"context"
	"errors"
	"fmt"

	"github.com/zde37/simpledht/internal/wire"
	"github.com/zde37/simpledht/pkg"
)

// validateEntry rejects keys and values that cannot be routed or carried on the wire.
func validateEntry(key, value string) error {
	if key == LocalAll || key == RingAll {
		return fmt.Errorf("%w: %q cannot be inserted", pkg.ErrReservedKey, key)
	}
	if key == "" || !wire.ValidField(key) {
		return fmt.Errorf("%w: key %q", pkg.ErrInvalidKey, key)
	}
	if !wire.ValidField(value) {
		return fmt.Errorf("%w: value for key %q", pkg.ErrInvalidKey, key)
	}
	return nil
}

// Insert stores key=value on the node that owns hash(key). Remote inserts are
// queued on the neighbour's outbox and the call returns without waiting.
func (n *Node) Insert(ctx context.Context, key, value string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.routeInsertLocked(ctx, key, value)
}

// routeInsertLocked performs one insert routing step. Callers hold n.mu.
func (n *Node) routeInsertLocked(ctx context.Context, key, value string) error {
	if err := validateEntry(key, value); err != nil {
		return err
	}

	keyHash, err := n.ring.Hash(key)
	if err != nil {
		return err
	}

	target, next := n.ring.ForwardTarget(keyHash)
	n.metrics.ObserveRoute(string(wire.OpInsert), target.String())

	if target == TargetLocal {
		if err := n.storage.Put(ctx, key, value); err != nil {
			return fmt.Errorf("failed to store key %q: %w", key, err)
		}
		n.logger.Debug().Str("key", key).Msg("Key stored locally")
		return nil
	}

	n.logger.Debug().Str("key", key).Str("next", next.Addr).Stringer("via", target).Msg("Forwarding insert")
	return n.send(next, &wire.Message{
		Op:     wire.OpInsert,
		Sender: n.ID(),
		Key:    key,
		Value:  value,
	})
}

// Delete removes key from the ring. "@" clears this node only; "*" clears every node.
// Deleting an absent key is not an error.
func (n *Node) Delete(ctx context.Context, key string) error {
	switch key {
	case LocalAll:
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.clearLocalLocked(ctx)
	case RingAll:
		return n.relayDeleteAll(ctx, n.ID())
	default:
		return n.deleteKey(ctx, key)
	}
}

func (n *Node) deleteKey(ctx context.Context, key string) error {
	if key == LocalAll || key == RingAll {
		return fmt.Errorf("%w: %q cannot be routed", pkg.ErrReservedKey, key)
	}
	if key == "" || !wire.ValidField(key) {
		return fmt.Errorf("%w: key %q", pkg.ErrInvalidKey, key)
	}

	keyHash, err := n.ring.Hash(key)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	target, next := n.ring.ForwardTarget(keyHash)
	n.metrics.ObserveRoute(string(wire.OpDelete), target.String())

	if target == TargetLocal {
		if err := n.storage.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete key %q: %w", key, err)
		}
		return nil
	}

	return n.send(next, &wire.Message{
		Op:     wire.OpDelete,
		Sender: n.ID(),
		Key:    key,
	})
}

// relayDeleteAll clears local storage and passes "delete *" clockwise until the
// next hop would be the node that started the circuit.
func (n *Node) relayDeleteAll(ctx context.Context, origin string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.clearLocalLocked(ctx); err != nil {
		return err
	}

	succ, ok := n.ring.Successor()
	if !ok || succ.ID == origin || succ.ID == n.ID() {
		n.metrics.ObserveRoute(string(wire.OpDelete), TargetLocal.String())
		return nil
	}

	n.metrics.ObserveRoute(string(wire.OpDelete), TargetSuccessor.String())
	return n.send(succ, &wire.Message{
		Op:     wire.OpDelete,
		Sender: n.ID(),
		Key:    RingAll,
		Value:  origin,
	})
}

func (n *Node) clearLocalLocked(ctx context.Context) error {
	if err := n.storage.DeleteAll(ctx); err != nil {
		return fmt.Errorf("failed to clear local storage: %w", err)
	}
	return nil
}

// Query looks key up. "@" returns this node's entries, "*" every entry on the
// ring, anything else zero or one rows. A remote lookup waits for the owner's
// reply until ctx is done.
func (n *Node) Query(ctx context.Context, key string) ([]pkg.Entry, error) {
	return n.query(ctx, key, n.ID())
}

// query is Query with the "*" circuit scope made explicit: the circuit ends at
// the node whose successor is scope.
func (n *Node) query(ctx context.Context, key, scope string) ([]pkg.Entry, error) {
	switch key {
	case LocalAll:
		return n.localRows(ctx)
	case RingAll:
		return n.ringQuery(ctx, scope)
	}

	if key == "" || !wire.ValidField(key) {
		return nil, fmt.Errorf("%w: key %q", pkg.ErrInvalidKey, key)
	}

	keyHash, err := n.ring.Hash(key)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	target, next := n.ring.ForwardTarget(keyHash)
	if target == TargetLocal {
		value, err := n.storage.Get(ctx, key)
		n.mu.Unlock()
		n.metrics.ObserveRoute(string(wire.OpQuery), target.String())

		if errors.Is(err, pkg.ErrKeyNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read key %q: %w", key, err)
		}
		return []pkg.Entry{{Key: key, Value: value}}, nil
	}
	n.mu.Unlock()

	n.metrics.ObserveRoute(string(wire.OpQuery), target.String())
	n.logger.Debug().Str("key", key).Str("next", next.Addr).Stringer("via", target).Msg("Forwarding query")

	return n.remoteRows(ctx, next, key, "")
}

// ringQuery collects everything from the successor's side of the circuit, then
// appends this node's own entries.
func (n *Node) ringQuery(ctx context.Context, scope string) ([]pkg.Entry, error) {
	succ, ok := n.ring.Successor()
	if !ok || succ.ID == scope || succ.ID == n.ID() {
		n.metrics.ObserveRoute(string(wire.OpQuery), TargetLocal.String())
		return n.localRows(ctx)
	}

	n.metrics.ObserveRoute(string(wire.OpQuery), TargetSuccessor.String())
	rows, err := n.remoteRows(ctx, succ, RingAll, scope)
	if err != nil {
		return nil, err
	}

	local, err := n.localRows(ctx)
	if err != nil {
		return nil, err
	}
	return append(rows, local...), nil
}

func (n *Node) remoteRows(ctx context.Context, next Pointer, key, scope string) ([]pkg.Entry, error) {
	resp, err := n.request(ctx, next, &wire.Message{
		Op:     wire.OpQuery,
		Sender: n.ID(),
		Key:    key,
		Value:  scope,
	})
	if err != nil {
		return nil, err
	}
	if resp.Op != wire.OpQueryResp {
		return nil, fmt.Errorf("%w: expected %s, got %s", pkg.ErrUnexpectedMessage, wire.OpQueryResp, resp.Op)
	}
	return wire.UnpackRows(resp.Key, resp.Value)
}

func (n *Node) localRows(ctx context.Context) ([]pkg.Entry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	rows, err := n.storage.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list local entries: %w", err)
	}
	return rows, nil
}
