package chord

import (
	"context"
	"fmt"

	"github.com/zde37/simpledht/internal/telemetry"
	"github.com/zde37/simpledht/internal/wire"
	"github.com/zde37/simpledht/pkg"
)

// Join outcomes, as counted by telemetry.
const (
	joinFirstPeer     = "first_peer"
	joinAsSuccessor   = "placed_successor"
	joinAsPredecessor = "placed_predecessor"
	joinForwarded     = "forwarded"
	joinRejected      = "rejected"
)

// Join asks the node at bootstrapAddr to place this node on its ring. The
// call returns once the request has been handed to the transport; use
// WaitInRing to block until the ring has been wired. Joining oneself is a no-op.
func (n *Node) Join(ctx context.Context, bootstrapAddr string) error {
	self := n.ring.Self()
	if bootstrapAddr == "" || bootstrapAddr == self.Addr {
		n.logger.Info().Msg("No bootstrap node to contact, waiting for peers")
		return nil
	}

	n.outboxMu.Lock()
	remote := n.remote
	n.outboxMu.Unlock()
	if remote == nil {
		return fmt.Errorf("cannot join via %s: %w", bootstrapAddr, pkg.ErrRemoteNotSet)
	}

	n.logger.Info().Str("bootstrap", bootstrapAddr).Msg("Joining ring")

	msg := &wire.Message{
		Op:       wire.OpJoin,
		Sender:   self.ID,
		Receiver: bootstrapAddr,
		Key:      self.ID,
	}
	n.metrics.ObserveMessage(string(msg.Op), telemetry.DirectionOut)
	if err := remote.Send(ctx, bootstrapAddr, msg); err != nil {
		return fmt.Errorf("failed to send join to %s: %w", bootstrapAddr, err)
	}
	return nil
}

// handleJoin places the joiner named by msg.Sender, or passes the request one
// hop closer to where it belongs.
func (n *Node) handleJoin(msg *wire.Message) error {
	joiner := msg.Sender
	if joiner == "" {
		joiner = msg.Key
	}
	if joiner == "" || joiner == n.ID() {
		n.metrics.ObserveJoin(joinRejected)
		return fmt.Errorf("%w: join without a usable joiner", pkg.ErrUnexpectedMessage)
	}

	joinerHash, err := n.ring.Hash(joiner)
	if err != nil {
		n.metrics.ObserveJoin(joinRejected)
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	self := n.ring.Self()
	joinerPtr := Pointer{ID: joiner, Hash: joinerHash, Addr: joiner}

	pred, hasPred := n.ring.Predecessor()
	if !hasPred {
		// Alone so far: the joiner becomes both neighbours.
		if err := n.setPredecessorLocked(joiner); err != nil {
			return err
		}
		if err := n.setSuccessorLocked(joiner); err != nil {
			return err
		}
		n.metrics.ObserveJoin(joinFirstPeer)
		n.logger.Info().Str("joiner", joiner).Msg("First peer joined, ring of two")

		if err := n.send(joinerPtr, &wire.Message{
			Op:     wire.OpJoinResp,
			Sender: self.ID,
			Key:    self.ID,
			Value:  self.ID,
		}); err != nil {
			return err
		}
		return n.migrateLocked(n.ctx)
	}

	placement := n.ring.Placement(joinerHash)
	switch placement {
	case PlaceSuccessor:
		oldSucc, _ := n.ring.Successor()
		if err := n.send(joinerPtr, &wire.Message{
			Op:     wire.OpJoinResp,
			Sender: self.ID,
			Key:    self.ID,
			Value:  oldSucc.ID,
		}); err != nil {
			return err
		}
		if err := n.send(oldSucc, &wire.Message{
			Op:     wire.OpJoinResp,
			Sender: self.ID,
			Key:    joiner,
		}); err != nil {
			return err
		}
		if err := n.setSuccessorLocked(joiner); err != nil {
			return err
		}
		n.metrics.ObserveJoin(joinAsSuccessor)
		n.logger.Info().Str("joiner", joiner).Str("old_successor", oldSucc.ID).Msg("Joiner placed as successor")
		return nil

	case PlacePredecessor:
		if err := n.send(joinerPtr, &wire.Message{
			Op:     wire.OpJoinResp,
			Sender: self.ID,
			Key:    pred.ID,
			Value:  self.ID,
		}); err != nil {
			return err
		}
		if err := n.send(pred, &wire.Message{
			Op:     wire.OpJoinResp,
			Sender: self.ID,
			Value:  joiner,
		}); err != nil {
			return err
		}
		if err := n.setPredecessorLocked(joiner); err != nil {
			return err
		}
		n.metrics.ObserveJoin(joinAsPredecessor)
		n.logger.Info().Str("joiner", joiner).Str("old_predecessor", pred.ID).Msg("Joiner placed as predecessor")
		return n.migrateLocked(n.ctx)

	default:
		var next Pointer
		var ok bool
		if placement == ForwardPredecessor {
			next, ok = n.ring.Predecessor()
		} else {
			next, ok = n.ring.Successor()
		}
		if !ok {
			n.metrics.ObserveJoin(joinRejected)
			return fmt.Errorf("cannot forward join for %s: no %s", joiner, placement)
		}
		n.metrics.ObserveJoin(joinForwarded)
		n.logger.Debug().Str("joiner", joiner).Str("next", next.Addr).Stringer("placement", placement).Msg("Forwarding join")

		// The joiner stays the sender so whoever places it can answer directly.
		return n.send(next, &wire.Message{
			Op:     wire.OpJoin,
			Sender: joiner,
			Key:    joiner,
		})
	}
}

// handleJoinResp applies the pointer changes carried by a join_resp. A new
// predecessor shrinks the owned arc, so local entries are migrated.
func (n *Node) handleJoinResp(ctx context.Context, msg *wire.Message) error {
	if msg.Key == "" && msg.Value == "" {
		return fmt.Errorf("%w: join_resp without pointers", pkg.ErrUnexpectedMessage)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if msg.Value != "" {
		if err := n.setSuccessorLocked(msg.Value); err != nil {
			return err
		}
	}
	if msg.Key != "" {
		if err := n.setPredecessorLocked(msg.Key); err != nil {
			return err
		}
		return n.migrateLocked(ctx)
	}
	return nil
}

func (n *Node) setPredecessorLocked(id string) error {
	p, err := n.ring.SetPredecessor(id)
	if err != nil {
		return fmt.Errorf("failed to set predecessor %s: %w", id, err)
	}
	n.logger.Info().Str("predecessor", p.ID).Str("hash", truncateHex(p.Hash, 8)).Msg("Predecessor updated")
	n.publish(EventPredecessorChanged, p.ID, 0, "predecessor changed")
	n.markInRing()
	return nil
}

func (n *Node) setSuccessorLocked(id string) error {
	p, err := n.ring.SetSuccessor(id)
	if err != nil {
		return fmt.Errorf("failed to set successor %s: %w", id, err)
	}
	n.logger.Info().Str("successor", p.ID).Str("hash", truncateHex(p.Hash, 8)).Msg("Successor updated")
	n.publish(EventSuccessorChanged, p.ID, 0, "successor changed")
	return nil
}

// migrateLocked empties local storage and re-routes every entry it held.
// Entries still owned here land back in storage; the rest go to the neighbours.
// Callers hold n.mu.
func (n *Node) migrateLocked(ctx context.Context) error {
	entries, err := n.storage.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("migration failed to list entries: %w", err)
	}
	if err := n.storage.DeleteAll(ctx); err != nil {
		return fmt.Errorf("migration failed to clear storage: %w", err)
	}

	moved := 0
	for _, e := range entries {
		if err := n.routeInsertLocked(ctx, e.Key, e.Value); err != nil {
			n.logger.Error().Err(err).Str("key", e.Key).Msg("Failed to re-route entry during migration")
			continue
		}
		moved++
	}

	n.metrics.ObserveMigration(len(entries))
	n.publish(EventMigration, "", len(entries), "entries re-routed")
	n.logger.Info().Int("entries", len(entries)).Int("rerouted", moved).Msg("Migration complete")
	return nil
}
