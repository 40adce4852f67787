// Package codec defines the wire-format packet model shared by every node in
// the mesh: the source-routing header, the tagged-union packet kinds, and
// their (de)serialization. This corresponds to the teacher firmware's
// notion of a MeshCore Packet, generalized from the firmware's fixed
// route/payload-type bit layout to the spec's explicit hop-list routing.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kabili207/meshcore-go/core"
)

const (
	// FragmentCapacity is the fixed on-wire width of a MsgFragment's data
	// buffer. Only the last fragment of a session may have a shorter valid
	// prefix, recorded in Length.
	FragmentCapacity = 128

	// MaxPathSize bounds a SourceRoutingHeader's hop list and a flood's
	// path trace so neither grows unbounded in a cyclic or misbehaving
	// topology.
	MaxPathSize = 64
)

var (
	ErrPacketTooShort  = errors.New("packet too short")
	ErrPathTooLong     = errors.New("hop path exceeds maximum length")
	ErrUnknownKind     = errors.New("unknown packet kind")
	ErrInvalidEncoding = errors.New("invalid packet encoding")
)

// Kind tags which variant of PacketKind a Packet carries.
type Kind uint8

const (
	KindMsgFragment Kind = iota
	KindAck
	KindNack
	KindFloodRequest
	KindFloodResponse
)

// SourceRoutingHeader is the originator-fixed hop list carried by every
// non-flood packet. hops[0] is the originator, hops[len(hops)-1] is the
// final destination; every entry strictly between them must be a drone.
// HopIndex names the node currently expected to process the packet.
type SourceRoutingHeader struct {
	HopIndex uint8
	Hops     []core.NodeId
}

// Clone returns a deep copy of the header.
func (h SourceRoutingHeader) Clone() SourceRoutingHeader {
	hops := make([]core.NodeId, len(h.Hops))
	copy(hops, h.Hops)
	return SourceRoutingHeader{HopIndex: h.HopIndex, Hops: hops}
}

// Origin returns the originating node (hops[0]).
func (h SourceRoutingHeader) Origin() core.NodeId {
	return h.Hops[0]
}

// Destination returns the final destination (hops[len(hops)-1]).
func (h SourceRoutingHeader) Destination() core.NodeId {
	return h.Hops[len(h.Hops)-1]
}

// CurrentHop returns the node named by HopIndex.
func (h SourceRoutingHeader) CurrentHop() core.NodeId {
	return h.Hops[h.HopIndex]
}

// AtDestination reports whether HopIndex names the last entry in Hops —
// i.e. this packet has arrived at its final destination.
func (h SourceRoutingHeader) AtDestination() bool {
	return int(h.HopIndex) == len(h.Hops)-1
}

// Reversed computes the return-path header used by ACK, NACK, and
// FloodResponse: the hop list reversed, HopIndex reset to 1. This is the
// sole rule used to compute a return path anywhere in the system.
func (h SourceRoutingHeader) Reversed() SourceRoutingHeader {
	n := len(h.Hops)
	rev := make([]core.NodeId, n)
	for i, id := range h.Hops {
		rev[n-1-i] = id
	}
	return SourceRoutingHeader{HopIndex: 1, Hops: rev}
}

// ReversedPrefix builds a return path from only the hops visited so far
// (up to and including the current hop), used when a drone rejects a
// packet it should never have received and must still route a NACK back
// toward the originator.
func (h SourceRoutingHeader) ReversedPrefix() SourceRoutingHeader {
	prefix := h.Hops[:h.HopIndex+1]
	n := len(prefix)
	rev := make([]core.NodeId, n)
	for i, id := range prefix {
		rev[n-1-i] = id
	}
	return SourceRoutingHeader{HopIndex: 1, Hops: rev}
}

// NackType enumerates why a drone refused to forward a packet.
type NackType uint8

const (
	NackDropped NackType = iota
	NackErrorInRouting
	NackDestinationIsDrone
	NackUnexpectedRecipient
)

// MsgFragment carries one 128-byte slice of a fragmented session payload.
type MsgFragment struct {
	Index          uint64
	TotalFragments uint64
	Length         uint8 // valid prefix of Data; always 128 except on the last fragment
	Data           [FragmentCapacity]byte
}

// Ack acknowledges successful receipt of one fragment.
type Ack struct {
	FragmentIndex uint64
}

// Nack reports that a fragment could not be delivered or forwarded.
type Nack struct {
	FragmentIndex uint64
	Type          NackType
	ProblemNode   core.NodeId // only meaningful for NackErrorInRouting
	At            core.NodeId // only meaningful for NackUnexpectedRecipient
}

// PathEntry is one hop recorded in a flood's path trace.
type PathEntry struct {
	Node core.NodeId
	Role core.NodeRole
}

// FloodRequest is broadcast by a discovery initiator and relayed by every
// node that hasn't seen (FloodID, Initiator) before.
type FloodRequest struct {
	FloodID   uint64
	Initiator core.NodeId
	PathTrace []PathEntry
}

// FloodResponse carries the accumulated path trace back to the initiator
// along the reverse of the path it traveled.
type FloodResponse struct {
	FloodID   uint64
	PathTrace []PathEntry
}

// Packet is the single wire envelope for every message exchanged between
// directly connected nodes. Exactly one of the Msg/Ack/Nack/Flood* fields is
// populated, selected by Kind.
type Packet struct {
	Routing SourceRoutingHeader
	Session uint64
	Kind    Kind

	Msg           *MsgFragment
	AckBody       *Ack
	NackBody      *Nack
	FloodReq      *FloodRequest
	FloodResp     *FloodResponse
}

// Clone returns a deep copy of the packet, including its routing header and
// whichever payload variant is populated. Used before mutating a packet for
// forwarding so the original (already dispatched or logged) is untouched.
func (p *Packet) Clone() *Packet {
	clone := &Packet{
		Routing: p.Routing.Clone(),
		Session: p.Session,
		Kind:    p.Kind,
	}
	switch p.Kind {
	case KindMsgFragment:
		m := *p.Msg
		clone.Msg = &m
	case KindAck:
		a := *p.AckBody
		clone.AckBody = &a
	case KindNack:
		n := *p.NackBody
		clone.NackBody = &n
	case KindFloodRequest:
		f := *p.FloodReq
		f.PathTrace = append([]PathEntry(nil), p.FloodReq.PathTrace...)
		clone.FloodReq = &f
	case KindFloodResponse:
		f := *p.FloodResp
		f.PathTrace = append([]PathEntry(nil), p.FloodResp.PathTrace...)
		clone.FloodResp = &f
	}
	return clone
}

// WriteTo encodes the packet to its wire representation. Serialization is
// implementation-defined per the spec; this layout is a straightforward
// binary framing chosen to keep ReadFrom/WriteTo trivially invertible.
func (p *Packet) WriteTo() ([]byte, error) {
	var buf []byte
	buf = append(buf, byte(p.Kind))
	buf = binary.LittleEndian.AppendUint64(buf, p.Session)
	buf = append(buf, p.Routing.HopIndex)
	if len(p.Routing.Hops) > MaxPathSize {
		return nil, ErrPathTooLong
	}
	buf = append(buf, byte(len(p.Routing.Hops)))
	for _, h := range p.Routing.Hops {
		buf = append(buf, byte(h))
	}

	switch p.Kind {
	case KindMsgFragment:
		m := p.Msg
		buf = binary.LittleEndian.AppendUint64(buf, m.Index)
		buf = binary.LittleEndian.AppendUint64(buf, m.TotalFragments)
		buf = append(buf, m.Length)
		buf = append(buf, m.Data[:]...)
	case KindAck:
		buf = binary.LittleEndian.AppendUint64(buf, p.AckBody.FragmentIndex)
	case KindNack:
		n := p.NackBody
		buf = binary.LittleEndian.AppendUint64(buf, n.FragmentIndex)
		buf = append(buf, byte(n.Type))
		buf = append(buf, byte(n.ProblemNode))
		buf = append(buf, byte(n.At))
	case KindFloodRequest:
		f := p.FloodReq
		if len(f.PathTrace) > MaxPathSize {
			return nil, ErrPathTooLong
		}
		buf = binary.LittleEndian.AppendUint64(buf, f.FloodID)
		buf = append(buf, byte(f.Initiator))
		buf = append(buf, byte(len(f.PathTrace)))
		for _, e := range f.PathTrace {
			buf = append(buf, byte(e.Node), byte(e.Role))
		}
	case KindFloodResponse:
		f := p.FloodResp
		if len(f.PathTrace) > MaxPathSize {
			return nil, ErrPathTooLong
		}
		buf = binary.LittleEndian.AppendUint64(buf, f.FloodID)
		buf = append(buf, byte(len(f.PathTrace)))
		for _, e := range f.PathTrace {
			buf = append(buf, byte(e.Node), byte(e.Role))
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, p.Kind)
	}
	return buf, nil
}

// ReadFrom decodes a packet previously produced by WriteTo.
func (p *Packet) ReadFrom(data []byte) error {
	if len(data) < 1+8+1+1 {
		return ErrPacketTooShort
	}
	i := 0
	p.Kind = Kind(data[i])
	i++
	p.Session = binary.LittleEndian.Uint64(data[i:])
	i += 8
	p.Routing.HopIndex = data[i]
	i++
	hopLen := int(data[i])
	i++
	if len(data) < i+hopLen {
		return ErrPacketTooShort
	}
	p.Routing.Hops = make([]core.NodeId, hopLen)
	for j := 0; j < hopLen; j++ {
		p.Routing.Hops[j] = core.NodeId(data[i])
		i++
	}

	switch p.Kind {
	case KindMsgFragment:
		if len(data) < i+8+8+1+FragmentCapacity {
			return ErrPacketTooShort
		}
		m := &MsgFragment{}
		m.Index = binary.LittleEndian.Uint64(data[i:])
		i += 8
		m.TotalFragments = binary.LittleEndian.Uint64(data[i:])
		i += 8
		m.Length = data[i]
		i++
		copy(m.Data[:], data[i:i+FragmentCapacity])
		p.Msg = m
	case KindAck:
		if len(data) < i+8 {
			return ErrPacketTooShort
		}
		p.AckBody = &Ack{FragmentIndex: binary.LittleEndian.Uint64(data[i:])}
	case KindNack:
		if len(data) < i+8+1+1+1 {
			return ErrPacketTooShort
		}
		n := &Nack{}
		n.FragmentIndex = binary.LittleEndian.Uint64(data[i:])
		i += 8
		n.Type = NackType(data[i])
		i++
		n.ProblemNode = core.NodeId(data[i])
		i++
		n.At = core.NodeId(data[i])
		p.NackBody = n
	case KindFloodRequest:
		if len(data) < i+8+1+1 {
			return ErrPacketTooShort
		}
		f := &FloodRequest{}
		f.FloodID = binary.LittleEndian.Uint64(data[i:])
		i += 8
		f.Initiator = core.NodeId(data[i])
		i++
		n := int(data[i])
		i++
		if len(data) < i+2*n {
			return ErrPacketTooShort
		}
		f.PathTrace = make([]PathEntry, n)
		for j := 0; j < n; j++ {
			f.PathTrace[j] = PathEntry{Node: core.NodeId(data[i]), Role: core.NodeRole(data[i+1])}
			i += 2
		}
		p.FloodReq = f
	case KindFloodResponse:
		if len(data) < i+8+1 {
			return ErrPacketTooShort
		}
		f := &FloodResponse{}
		f.FloodID = binary.LittleEndian.Uint64(data[i:])
		i += 8
		n := int(data[i])
		i++
		if len(data) < i+2*n {
			return ErrPacketTooShort
		}
		f.PathTrace = make([]PathEntry, n)
		for j := 0; j < n; j++ {
			f.PathTrace[j] = PathEntry{Node: core.NodeId(data[i]), Role: core.NodeRole(data[i+1])}
			i += 2
		}
		p.FloodResp = f
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, p.Kind)
	}
	return nil
}
