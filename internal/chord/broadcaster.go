package chord

// Ring update event types
const (
	EventPredecessorChanged = "predecessor_changed"
	EventSuccessorChanged   = "successor_changed"
	EventMigration          = "migration"
)

// RingUpdateBroadcaster is an interface for broadcasting ring updates.
// This allows the node to notify external systems (like WebSocket clients)
// when the ring topology changes without creating circular dependencies.
type RingUpdateBroadcaster interface {
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents a ring topology change event.
type RingUpdateEvent struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`
	Peer      string `json:"peer,omitempty"`
	Entries   int    `json:"entries,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}
