package codec

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kabili207/meshcore-go/core"
)

func TestSourceRoutingHeaderReversed(t *testing.T) {
	h := SourceRoutingHeader{HopIndex: 1, Hops: []core.NodeId{1, 2, 3, 4}}
	rev := h.Reversed()
	want := []core.NodeId{4, 3, 2, 1}
	if diff := cmp.Diff(want, rev.Hops); diff != "" {
		t.Fatalf("Reversed() hops mismatch (-want +got):\n%s", diff)
	}
	if rev.HopIndex != 1 {
		t.Fatalf("Reversed() hop index = %d, want 1", rev.HopIndex)
	}

	// reverse(reverse(hops)) == hops
	back := rev.Reversed()
	if diff := cmp.Diff(h.Hops, back.Hops); diff != "" {
		t.Fatalf("double reversal mismatch (-want +got):\n%s", diff)
	}
}

func TestSourceRoutingHeaderReversedPrefix(t *testing.T) {
	h := SourceRoutingHeader{HopIndex: 2, Hops: []core.NodeId{1, 2, 3, 4, 5}}
	rev := h.ReversedPrefix()
	want := []core.NodeId{3, 2, 1}
	if diff := cmp.Diff(want, rev.Hops); diff != "" {
		t.Fatalf("ReversedPrefix() mismatch (-want +got):\n%s", diff)
	}
}

func TestPacketRoundTripMsgFragment(t *testing.T) {
	routing := RoutingFromPath([]core.NodeId{1, 2, 3, 4})
	data := make([]byte, 128)
	for i := range data {
		data[i] = byte(i)
	}
	pkt := NewMsgFragment(routing, 42, 0, 1, data)

	raw, err := pkt.WriteTo()
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	var got Packet
	if err := got.ReadFrom(raw); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if diff := cmp.Diff(pkt.Routing.Hops, got.Routing.Hops); diff != "" {
		t.Fatalf("hops mismatch (-want +got):\n%s", diff)
	}
	if got.Session != 42 || got.Msg.Index != 0 || got.Msg.TotalFragments != 1 || got.Msg.Length != 128 {
		t.Fatalf("decoded fragment metadata mismatch: %+v", got.Msg)
	}
	if diff := cmp.Diff(pkt.Msg.Data, got.Msg.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestPacketRoundTripAckNack(t *testing.T) {
	routing := RoutingFromPath([]core.NodeId{4, 3, 2, 1})

	ack := NewAck(routing, 7, 3)
	raw, err := ack.WriteTo()
	if err != nil {
		t.Fatalf("WriteTo ack: %v", err)
	}
	var gotAck Packet
	if err := gotAck.ReadFrom(raw); err != nil {
		t.Fatalf("ReadFrom ack: %v", err)
	}
	if gotAck.Kind != KindAck || gotAck.AckBody.FragmentIndex != 3 {
		t.Fatalf("ack round trip mismatch: %+v", gotAck)
	}

	nack := NewNack(routing, 7, 3, NackUnexpectedRecipient, 0, 9)
	raw, err = nack.WriteTo()
	if err != nil {
		t.Fatalf("WriteTo nack: %v", err)
	}
	var gotNack Packet
	if err := gotNack.ReadFrom(raw); err != nil {
		t.Fatalf("ReadFrom nack: %v", err)
	}
	if gotNack.NackBody.Type != NackUnexpectedRecipient || gotNack.NackBody.At != 9 {
		t.Fatalf("nack round trip mismatch: %+v", gotNack.NackBody)
	}
}

func TestPacketRoundTripFlood(t *testing.T) {
	req := NewFloodRequest(5, 1, core.RoleClient)
	raw, err := req.WriteTo()
	if err != nil {
		t.Fatalf("WriteTo flood request: %v", err)
	}
	var got Packet
	if err := got.ReadFrom(raw); err != nil {
		t.Fatalf("ReadFrom flood request: %v", err)
	}
	if diff := cmp.Diff(req.FloodReq, got.FloodReq); diff != "" {
		t.Fatalf("flood request mismatch (-want +got):\n%s", diff)
	}

	trace := []PathEntry{{Node: 1, Role: core.RoleClient}, {Node: 2, Role: core.RoleDrone}}
	routing := RoutingFromPath([]core.NodeId{2, 1})
	resp := NewFloodResponse(routing, 5, trace)
	raw, err = resp.WriteTo()
	if err != nil {
		t.Fatalf("WriteTo flood response: %v", err)
	}
	var gotResp Packet
	if err := gotResp.ReadFrom(raw); err != nil {
		t.Fatalf("ReadFrom flood response: %v", err)
	}
	if diff := cmp.Diff(resp.FloodResp, gotResp.FloodResp); diff != "" {
		t.Fatalf("flood response mismatch (-want +got):\n%s", diff)
	}
}

func TestPacketCloneIsDeep(t *testing.T) {
	routing := RoutingFromPath([]core.NodeId{1, 2, 3})
	pkt := NewFloodRequest(1, 1, core.RoleDrone)
	pkt.Routing = routing
	clone := pkt.Clone()
	clone.FloodReq.PathTrace[0].Node = 99
	clone.Routing.Hops[0] = 99

	if pkt.FloodReq.PathTrace[0].Node == 99 {
		t.Fatal("mutating clone's path trace affected the original")
	}
	if pkt.Routing.Hops[0] == 99 {
		t.Fatal("mutating clone's hops affected the original")
	}
}
