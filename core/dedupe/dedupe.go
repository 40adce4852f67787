// Package dedupe implements flood-relay suppression: a node must react to
// any given (FloodID, initiator) key at most once as a relay, so that
// broadcast propagation terminates on a finite, static topology.
//
// This corresponds to the teacher's core/dedupe package, which tracks
// recently seen packets in a bounded circular buffer. The spec's flood
// suppression key is narrower (FloodID, initiator) rather than a content
// hash, so the buffer stores typed keys directly instead of hashing
// payload bytes — no firmware-compatible hashing constraint applies here.
package dedupe

import (
	"github.com/kabili207/meshcore-go/core"
)

// DefaultCapacity is the default number of distinct flood keys remembered
// before the oldest entry is evicted to make room for a new one.
const DefaultCapacity = 256

// FloodKey identifies one broadcast from the perspective of relay
// suppression.
type FloodKey struct {
	FloodID   core.FloodID
	Initiator core.NodeId
}

// FloodSeen tracks which (FloodID, initiator) keys a node has already
// relayed, bounding each node to at most one outgoing relay per flood.
type FloodSeen struct {
	keys     []FloodKey
	filled   []bool
	index    map[FloodKey]int
	capacity int
	next     int
}

// New creates a FloodSeen set with the default capacity.
func New() *FloodSeen {
	return NewWithCapacity(DefaultCapacity)
}

// NewWithCapacity creates a FloodSeen set with the given capacity.
func NewWithCapacity(capacity int) *FloodSeen {
	return &FloodSeen{
		keys:     make([]FloodKey, capacity),
		filled:   make([]bool, capacity),
		index:    make(map[FloodKey]int, capacity),
		capacity: capacity,
	}
}

// Seen reports whether key has already been recorded.
func (s *FloodSeen) Seen(key FloodKey) bool {
	_, ok := s.index[key]
	return ok
}

// Record marks key as seen, evicting the oldest entry if the set is full.
// Returns true if the key was newly recorded, false if it was already
// present (in which case nothing changes).
func (s *FloodSeen) Record(key FloodKey) bool {
	if s.Seen(key) {
		return false
	}
	if s.filled[s.next] {
		delete(s.index, s.keys[s.next])
	}
	s.keys[s.next] = key
	s.filled[s.next] = true
	s.index[key] = s.next
	s.next = (s.next + 1) % s.capacity
	return true
}

// Clear forgets every recorded key.
func (s *FloodSeen) Clear() {
	clear(s.index)
	for i := range s.filled {
		s.filled[i] = false
	}
	s.next = 0
}
