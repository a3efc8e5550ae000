package chord

import "fmt"

// Reserved keys
const (
	// LocalAll selects every entry stored on the receiving node only.
	LocalAll = "@"

	// RingAll selects every entry on every node of the ring.
	RingAll = "*"
)

// Pointer references a node on the ring by identifier, cached hash and transport address.
type Pointer struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

// String returns a human-readable representation of the pointer.
func (p Pointer) String() string {
	return fmt.Sprintf("Pointer{ID: %s, Hash: %s}", p.ID, truncateHex(p.Hash, 8))
}

// IsZero reports whether the pointer is unset.
func (p Pointer) IsZero() bool {
	return p.ID == ""
}

// Target is where a key should be handled from this node's point of view.
type Target int

const (
	// TargetLocal means the key falls in (predecessor, self] and is handled here.
	TargetLocal Target = iota
	// TargetPredecessor means the key hashes below this node and goes counter-clockwise.
	TargetPredecessor
	// TargetSuccessor means the key belongs further clockwise.
	TargetSuccessor
)

func (t Target) String() string {
	switch t {
	case TargetLocal:
		return "local"
	case TargetPredecessor:
		return "predecessor"
	case TargetSuccessor:
		return "successor"
	default:
		return fmt.Sprintf("Target(%d)", int(t))
	}
}

// Placement classifies a joining node relative to this node's neighbours.
type Placement int

const (
	// PlaceSuccessor: the joiner falls in (self, successor] and becomes our successor.
	PlaceSuccessor Placement = iota
	// PlacePredecessor: the joiner falls in (predecessor, self] and becomes our predecessor.
	PlacePredecessor
	// ForwardPredecessor: the joiner belongs further counter-clockwise.
	ForwardPredecessor
	// ForwardSuccessor: the joiner belongs further clockwise.
	ForwardSuccessor
)

func (p Placement) String() string {
	switch p {
	case PlaceSuccessor:
		return "successor"
	case PlacePredecessor:
		return "predecessor"
	case ForwardPredecessor:
		return "forward_predecessor"
	case ForwardSuccessor:
		return "forward_successor"
	default:
		return fmt.Sprintf("Placement(%d)", int(p))
	}
}

// NodeState is the join state machine: a node is Solo until a neighbour appears.
type NodeState int

const (
	// StateSolo is a node that has no predecessor yet and owns the whole ring.
	StateSolo NodeState = iota
	// StateInRing is a node that has been given a predecessor. It never goes back.
	StateInRing
)

func (s NodeState) String() string {
	if s == StateInRing {
		return "in_ring"
	}
	return "solo"
}

// MarshalText lets the state render as a string in JSON snapshots.
func (s NodeState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IdentityProvider supplies the node's identifier once at startup.
type IdentityProvider interface {
	LocalIdentifier() string
}

// StaticIdentity is an IdentityProvider for a fixed identifier (normally host:port).
type StaticIdentity string

// LocalIdentifier implements IdentityProvider.
func (s StaticIdentity) LocalIdentifier() string {
	return string(s)
}

// truncateHex safely truncates a hex string to the specified length.
func truncateHex(hexStr string, maxLen int) string {
	if len(hexStr) > maxLen {
		return hexStr[:maxLen]
	}
	return hexStr
}
