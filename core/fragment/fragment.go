// Package fragment splits an outbound byte buffer into fixed-width
// MsgFragment pieces and reassembles them back into a buffer at the
// receiver. This corresponds to the teacher's core/multipart package, which
// solves the analogous problem for MULTIPART packets; the shape (a pending
// map keyed by sender identity, populated incrementally, assembled and
// evicted on completion) carries over directly, though here the total
// fragment count is known up front from the session rather than inferred
// from a "remaining" counter in each fragment header.
package fragment

import (
	"github.com/kabili207/meshcore-go/core"
	"github.com/kabili207/meshcore-go/core/codec"
)

// Split breaks data into ceil(len(data)/128) byte pieces, one per
// MsgFragment payload (a single empty piece for empty data). The last
// piece is len(data) % 128 bytes long (or a full 128 bytes if the length
// is an exact multiple).
func Split(data []byte) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var pieces [][]byte
	for off := 0; off < len(data); off += codec.FragmentCapacity {
		end := off + codec.FragmentCapacity
		if end > len(data) {
			end = len(data)
		}
		pieces = append(pieces, data[off:end])
	}
	return pieces
}

// TotalFragments returns ceil(len(data)/128), with a minimum of 1 (an empty
// message is still one fragment of length 0).
func TotalFragments(dataLen int) uint64 {
	if dataLen == 0 {
		return 1
	}
	n := dataLen / codec.FragmentCapacity
	if dataLen%codec.FragmentCapacity != 0 {
		n++
	}
	return uint64(n)
}

// reassemblyKey identifies one in-flight message by its session and
// originator, per the spec's invariant that only one (session, originator)
// key exists per in-flight message at a receiver.
type reassemblyKey struct {
	session   uint64
	originator core.NodeId
}

type slot struct {
	fragments [][]byte // indexed by FragmentIndex; nil until received
	have      int
	total     int
}

// completedCapacity bounds how many finished (session, originator) keys are
// remembered purely to guarantee at-most-once delivery against a
// redelivered (e.g. re-acknowledged, retransmitted) final fragment arriving
// after the slot has already been handed off.
const completedCapacity = 512

// Reassembler collects MsgFragment packets and emits complete buffers once
// every fragment of a (session, originator) has arrived.
type Reassembler struct {
	pending   map[reassemblyKey]*slot
	completed map[reassemblyKey]struct{}
	order     []reassemblyKey
	next      int
}

// New creates an empty Reassembler.
func New() *Reassembler {
	return &Reassembler{
		pending:   make(map[reassemblyKey]*slot),
		completed: make(map[reassemblyKey]struct{}),
		order:     make([]reassemblyKey, completedCapacity),
	}
}

func (r *Reassembler) markCompleted(key reassemblyKey) {
	if old := r.order[r.next]; old != (reassemblyKey{}) {
		delete(r.completed, old)
	}
	r.order[r.next] = key
	r.completed[key] = struct{}{}
	r.next = (r.next + 1) % completedCapacity
}

// HandleFragment stores one arriving fragment. Duplicate fragment indexes
// within an in-flight message are ignored, and a fragment for a
// (session, originator) that has already been fully delivered to the
// application is ignored rather than re-triggering delivery. Returns the
// reassembled buffer once every fragment of the (session, originator) has
// been seen; the slot is then removed, so a caller can never see the same
// buffer twice for the same session.
func (r *Reassembler) HandleFragment(originator core.NodeId, session uint64, m *codec.MsgFragment) []byte {
	key := reassemblyKey{session: session, originator: originator}
	if _, done := r.completed[key]; done {
		return nil
	}
	s, ok := r.pending[key]
	if !ok {
		s = &slot{
			fragments: make([][]byte, m.TotalFragments),
			total:     int(m.TotalFragments),
		}
		r.pending[key] = s
	}

	if int(m.Index) >= s.total {
		return nil
	}
	if s.fragments[m.Index] != nil {
		return nil // duplicate index, already ignored
	}

	data := make([]byte, m.Length)
	copy(data, m.Data[:m.Length])
	s.fragments[m.Index] = data
	s.have++

	if s.have < s.total {
		return nil
	}

	delete(r.pending, key)
	r.markCompleted(key)
	buf := make([]byte, 0)
	for _, f := range s.fragments {
		buf = append(buf, f...)
	}
	return buf
}

// Evict discards any in-flight reassembly for (session, originator) without
// producing a result. Used when a session is abandoned (e.g. after repeated
// NACKs exhaust retries upstream, though retransmission — not eviction — is
// the spec's default recovery path).
func (r *Reassembler) Evict(originator core.NodeId, session uint64) {
	delete(r.pending, reassemblyKey{session: session, originator: originator})
}

// PendingCount returns the number of in-progress reassemblies.
func (r *Reassembler) PendingCount() int {
	return len(r.pending)
}
