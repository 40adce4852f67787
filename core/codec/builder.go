package codec

import (
	"github.com/kabili207/meshcore-go/core"
)

// NewMsgFragment builds a MSG_FRAGMENT packet for one 128-byte slice of a
// session's payload, routed along routing.
func NewMsgFragment(routing SourceRoutingHeader, session uint64, index, total uint64, data []byte) *Packet {
	m := &MsgFragment{Index: index, TotalFragments: total, Length: uint8(len(data))}
	copy(m.Data[:], data)
	return &Packet{Routing: routing, Session: session, Kind: KindMsgFragment, Msg: m}
}

// NewAck builds an ACK for fragmentIndex, routed back along the reversed
// arrival header (routing must already be the reversed header).
func NewAck(routing SourceRoutingHeader, session uint64, fragmentIndex uint64) *Packet {
	return &Packet{
		Routing: routing,
		Session: session,
		Kind:    KindAck,
		AckBody: &Ack{FragmentIndex: fragmentIndex},
	}
}

// NewNack builds a NACK of the given type, routed back along routing (the
// caller supplies either a full reversal or a reversed prefix per §4.3).
func NewNack(routing SourceRoutingHeader, session uint64, fragmentIndex uint64, nackType NackType, problemNode, at core.NodeId) *Packet {
	return &Packet{
		Routing: routing,
		Session: session,
		Kind:    KindNack,
		NackBody: &Nack{
			FragmentIndex: fragmentIndex,
			Type:          nackType,
			ProblemNode:   problemNode,
			At:            at,
		},
	}
}

// NewFloodRequest builds a flood broadcast from initiator, with the
// initiator's own (id, role) as the sole entry of an initial path trace.
// The caller addresses it to each neighbor directly (flood packets carry no
// destination-bearing routing header — Routing is left empty, and the
// sender is the last entry of the path trace).
func NewFloodRequest(floodID uint64, initiator core.NodeId, initiatorRole core.NodeRole) *Packet {
	return &Packet{
		Kind: KindFloodRequest,
		FloodReq: &FloodRequest{
			FloodID:   floodID,
			Initiator: initiator,
			PathTrace: []PathEntry{{Node: initiator, Role: initiatorRole}},
		},
	}
}

// NewFloodResponse builds a response carrying pathTrace back toward the
// initiator. routing must be the reversed hop list computed from the
// augmented path trace, per §4.5.
func NewFloodResponse(routing SourceRoutingHeader, floodID uint64, pathTrace []PathEntry) *Packet {
	trace := append([]PathEntry(nil), pathTrace...)
	return &Packet{
		Routing: routing,
		Kind:    KindFloodResponse,
		FloodResp: &FloodResponse{
			FloodID:   floodID,
			PathTrace: trace,
		},
	}
}

// RoutingFromPath builds a fresh, forward-facing SourceRoutingHeader for a
// hop list, with HopIndex primed to 1 (the first intermediate hop after the
// originator), matching the spec's initial-value invariant.
func RoutingFromPath(path []core.NodeId) SourceRoutingHeader {
	hops := make([]core.NodeId, len(path))
	copy(hops, path)
	return SourceRoutingHeader{HopIndex: 1, Hops: hops}
}

// PathTraceToIDs extracts the ordered NodeId sequence from a path trace,
// used to build the routing header for a FloodResponse.
func PathTraceToIDs(trace []PathEntry) []core.NodeId {
	ids := make([]core.NodeId, len(trace))
	for i, e := range trace {
		ids[i] = e.Node
	}
	return ids
}
