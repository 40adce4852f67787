// Package clock provides the monotonic identifier allocators used to mint
// SessionId and FloodID values. This corresponds to the teacher's
// core/clock package, which hands out strictly increasing timestamps for
// the firmware's RTCClock; here the same "protected counter, bump on
// collision" shape is repurposed to hand out strictly increasing 64-bit
// identifiers instead of wall-clock seconds.
package clock

import (
	"sync"

	"github.com/kabili207/meshcore-go/core"
)

// SessionAllocator hands out strictly increasing SessionId values for one
// originating node.
type SessionAllocator struct {
	mu   sync.Mutex
	next core.SessionId
}

// NewSessionAllocator creates an allocator starting at 1 (0 is reserved as
// the zero value / "no session").
func NewSessionAllocator() *SessionAllocator {
	return &SessionAllocator{next: 1}
}

// Next returns the next SessionId and advances the counter.
func (a *SessionAllocator) Next() core.SessionId {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	return id
}

// FloodAllocator hands out strictly increasing FloodID values for one
// discovery initiator.
type FloodAllocator struct {
	mu   sync.Mutex
	next core.FloodID
}

// NewFloodAllocator creates an allocator starting at 1.
func NewFloodAllocator() *FloodAllocator {
	return &FloodAllocator{next: 1}
}

// Next returns the next FloodID and advances the counter.
func (a *FloodAllocator) Next() core.FloodID {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	return id
}
