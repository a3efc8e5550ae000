package chord

import (
	"fmt"
	"sync"

	"github.com/zde37/simpledht/pkg"
	"github.com/zde37/simpledht/pkg/hash"
)

// RingState holds this node's identity and its two ring pointers.
// Pointers are only changed by the join protocol; everything else reads them.
type RingState struct {
	mu          sync.RWMutex
	self        Pointer
	predecessor *Pointer
	successor   *Pointer
	hashFn      hash.Func
}

// RingSnapshot is a point-in-time copy of RingState.
type RingSnapshot struct {
	Self        Pointer   `json:"self"`
	Predecessor *Pointer  `json:"predecessor,omitempty"`
	Successor   *Pointer  `json:"successor,omitempty"`
	State       NodeState `json:"state"`
}

// NewRingState creates the state of a node that is alone on the ring.
func NewRingState(selfID string, fn hash.Func) (*RingState, error) {
	if selfID == "" {
		return nil, fmt.Errorf("node identifier cannot be empty")
	}
	if fn == nil {
		fn = hash.Digest
	}

	r := &RingState{hashFn: fn}
	self, err := r.pointer(selfID)
	if err != nil {
		return nil, err
	}
	r.self = self
	return r, nil
}

// pointer builds a Pointer for an identifier. The identifier is the transport address.
func (r *RingState) pointer(id string) (Pointer, error) {
	h, err := r.Hash(id)
	if err != nil {
		return Pointer{}, err
	}
	return Pointer{ID: id, Hash: h, Addr: id}, nil
}

// Hash computes the ring position of a key or identifier, failing closed.
func (r *RingState) Hash(key string) (string, error) {
	h, err := r.hashFn(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", pkg.ErrHashComputation, err)
	}
	if !hash.IsValid(h) {
		return "", fmt.Errorf("%w: digest %q is not %d lowercase hex characters", pkg.ErrHashComputation, h, hash.Size)
	}
	return h, nil
}

// Self returns this node's pointer.
func (r *RingState) Self() Pointer {
	return r.self
}

// Predecessor returns a copy of the predecessor and whether it is set.
func (r *RingState) Predecessor() (Pointer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.predecessor == nil {
		return Pointer{}, false
	}
	return *r.predecessor, true
}

// Successor returns a copy of the successor and whether it is set.
func (r *RingState) Successor() (Pointer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.successor == nil {
		return Pointer{}, false
	}
	return *r.successor, true
}

// State reports Solo until a predecessor has been set.
func (r *RingState) State() NodeState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.predecessor == nil {
		return StateSolo
	}
	return StateInRing
}

// SetPredecessor points the predecessor at id, hashing it once.
func (r *RingState) SetPredecessor(id string) (Pointer, error) {
	p, err := r.pointer(id)
	if err != nil {
		return Pointer{}, err
	}

	r.mu.Lock()
	r.predecessor = &p
	r.mu.Unlock()
	return p, nil
}

// SetSuccessor points the successor at id, hashing it once.
func (r *RingState) SetSuccessor(id string) (Pointer, error) {
	p, err := r.pointer(id)
	if err != nil {
		return Pointer{}, err
	}

	r.mu.Lock()
	r.successor = &p
	r.mu.Unlock()
	return p, nil
}

// OwnsLocally checks if this node is responsible for keyHash.
// A node owns (predecessor, self]; without a predecessor it owns everything.
func (r *RingState) OwnsLocally(keyHash string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.ownsLocked(keyHash)
}

func (r *RingState) ownsLocked(keyHash string) bool {
	if r.predecessor == nil {
		return true
	}
	return hash.Between(keyHash, r.predecessor.Hash, r.self.Hash)
}

// ForwardTarget decides whether keyHash is served here or sent one hop.
// Hashes below self travel counter-clockwise, anything else clockwise. If the
// chosen neighbour is unset the other one is used.
func (r *RingState) ForwardTarget(keyHash string) (Target, Pointer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.ownsLocked(keyHash) {
		return TargetLocal, Pointer{}
	}
	if hash.Compare(keyHash, r.self.Hash) < 0 {
		return r.neighbourLocked(TargetPredecessor)
	}
	return r.neighbourLocked(TargetSuccessor)
}

func (r *RingState) neighbourLocked(preferred Target) (Target, Pointer) {
	pred, succ := r.predecessor, r.successor
	switch {
	case preferred == TargetPredecessor && pred != nil:
		return TargetPredecessor, *pred
	case preferred == TargetSuccessor && succ != nil:
		return TargetSuccessor, *succ
	case pred != nil:
		return TargetPredecessor, *pred
	case succ != nil:
		return TargetSuccessor, *succ
	default:
		return TargetLocal, Pointer{}
	}
}

// Placement classifies a joining node's hash against (self, successor] and
// (predecessor, self]. Callers handle the no-predecessor case first.
func (r *RingState) Placement(joinerHash string) Placement {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.successor != nil && hash.Between(joinerHash, r.self.Hash, r.successor.Hash) {
		return PlaceSuccessor
	}
	if r.predecessor != nil && hash.Between(joinerHash, r.predecessor.Hash, r.self.Hash) {
		return PlacePredecessor
	}
	if hash.Compare(joinerHash, r.self.Hash) < 0 {
		return ForwardPredecessor
	}
	return ForwardSuccessor
}

// Snapshot returns a copy of the ring pointers.
func (r *RingState) Snapshot() RingSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := RingSnapshot{Self: r.self, State: StateSolo}
	if r.predecessor != nil {
		p := *r.predecessor
		snap.Predecessor = &p
		snap.State = StateInRing
	}
	if r.successor != nil {
		s := *r.successor
		snap.Successor = &s
	}
	return snap
}
