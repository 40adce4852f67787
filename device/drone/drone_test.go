package drone

import (
	"math/rand"
	"testing"

	"github.com/kabili207/meshcore-go/core"
	"github.com/kabili207/meshcore-go/core/codec"
	"github.com/kabili207/meshcore-go/device/fabric"
)

func newTestDrone(t *testing.T, id core.NodeId, pdr float64, f *fabric.Fabric, neighbors ...core.NodeId) (*Drone, chan Event) {
	t.Helper()
	events := make(chan Event, 32)
	d := New(Config{
		ID:     id,
		Pdr:    pdr,
		Fabric: f,
		Events: events,
		Rand:   rand.New(rand.NewSource(42)),
	})
	for _, n := range neighbors {
		d.HandleCommand(AddSender{Peer: n})
	}
	return d, events
}

func drainEvents(ch chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestHandlePacketForwardsToNextHop(t *testing.T) {
	f := fabric.New()
	nextPkts, _ := f.Register(core.NodeId(3))
	d, events := newTestDrone(t, 2, 0, f, 3)

	routing := codec.RoutingFromPath([]core.NodeId{1, 2, 3})
	pkt := codec.NewMsgFragment(routing, 10, 0, 1, []byte("x"))

	d.HandlePacket(pkt)

	select {
	case got := <-nextPkts:
		if got.Routing.HopIndex != 2 {
			t.Fatalf("expected hop index advanced to 2, got %d", got.Routing.HopIndex)
		}
	default:
		t.Fatal("expected packet forwarded to next hop")
	}

	evs := drainEvents(events)
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	if _, ok := evs[0].(PacketSent); !ok {
		t.Fatalf("expected PacketSent, got %T", evs[0])
	}
}

func TestHandlePacketHopMismatchNacks(t *testing.T) {
	f := fabric.New()
	originPkts, _ := f.Register(core.NodeId(1))
	d, events := newTestDrone(t, 2, 0, f, 3)

	// routing expects hop 99 at this index, but we (drone 2) received it.
	routing := codec.RoutingFromPath([]core.NodeId{1, 99, 3})
	pkt := codec.NewMsgFragment(routing, 10, 0, 1, []byte("x"))

	d.HandlePacket(pkt)

	select {
	case got := <-originPkts:
		if got.Kind != codec.KindNack {
			t.Fatalf("expected a nack routed back to origin, got %v", got.Kind)
		}
		if got.NackBody.Type != codec.NackUnexpectedRecipient {
			t.Fatalf("expected unexpected-recipient nack, got %v", got.NackBody.Type)
		}
	default:
		t.Fatal("expected a nack sent back toward the origin")
	}

	foundDropped := false
	for _, ev := range drainEvents(events) {
		if _, ok := ev.(PacketDropped); ok {
			foundDropped = true
		}
	}
	if !foundDropped {
		t.Fatal("expected a PacketDropped event")
	}
}

func TestHandlePacketNextHopUnreachableNacks(t *testing.T) {
	f := fabric.New()
	originPkts, _ := f.Register(core.NodeId(1))
	d, _ := newTestDrone(t, 2, 0, f) // neighbor 3 never registered with the fabric

	routing := codec.RoutingFromPath([]core.NodeId{1, 2, 3})
	pkt := codec.NewMsgFragment(routing, 10, 0, 1, []byte("x"))

	d.HandlePacket(pkt)

	select {
	case got := <-originPkts:
		if got.NackBody.Type != codec.NackErrorInRouting {
			t.Fatalf("expected error-in-routing nack, got %v", got.NackBody.Type)
		}
		if got.NackBody.ProblemNode != 3 {
			t.Fatalf("expected problem node 3, got %v", got.NackBody.ProblemNode)
		}
	default:
		t.Fatal("expected a nack sent back toward the origin")
	}
}

func TestHandlePacketMsgToDroneDestinationNacks(t *testing.T) {
	f := fabric.New()
	originPkts, _ := f.Register(core.NodeId(1))
	d, _ := newTestDrone(t, 2, 0, f)

	routing := codec.RoutingFromPath([]core.NodeId{1, 2})
	pkt := codec.NewMsgFragment(routing, 10, 0, 1, []byte("x"))

	d.HandlePacket(pkt)

	select {
	case got := <-originPkts:
		if got.NackBody.Type != codec.NackDestinationIsDrone {
			t.Fatalf("expected destination-is-drone nack, got %v", got.NackBody.Type)
		}
	default:
		t.Fatal("expected a nack sent back toward the origin")
	}
}

func TestHandlePacketAlwaysDropsWithFullPdr(t *testing.T) {
	f := fabric.New()
	originPkts, _ := f.Register(core.NodeId(1))
	f.Register(core.NodeId(3))
	d, _ := newTestDrone(t, 2, 1.0, f, 3)

	routing := codec.RoutingFromPath([]core.NodeId{1, 2, 3})
	pkt := codec.NewMsgFragment(routing, 10, 0, 1, []byte("x"))

	d.HandlePacket(pkt)

	select {
	case got := <-originPkts:
		if got.NackBody.Type != codec.NackDropped {
			t.Fatalf("expected dropped nack, got %v", got.NackBody.Type)
		}
	default:
		t.Fatal("expected a dropped nack with pdr=1.0")
	}
}

func TestHandlePacketNeverDropsAck(t *testing.T) {
	f := fabric.New()
	nextPkts, _ := f.Register(core.NodeId(3))
	d, _ := newTestDrone(t, 2, 1.0, f, 3) // pdr=1.0 but ACKs are never dropped

	routing := codec.RoutingFromPath([]core.NodeId{1, 2, 3})
	ack := codec.NewAck(routing, 10, 0)

	d.HandlePacket(ack)

	select {
	case got := <-nextPkts:
		if got.Kind != codec.KindAck {
			t.Fatalf("expected ack forwarded, got %v", got.Kind)
		}
	default:
		t.Fatal("ack must be forwarded regardless of pdr")
	}
}

func TestRelayFloodDeadEndRespondsImmediately(t *testing.T) {
	f := fabric.New()
	originPkts, _ := f.Register(core.NodeId(1))
	d, _ := newTestDrone(t, 2, 0, f, 1) // exactly one neighbor: a dead end

	req := codec.NewFloodRequest(5, 1, core.RoleClient)
	req.FloodReq.PathTrace = append(req.FloodReq.PathTrace, codec.PathEntry{Node: 1, Role: core.RoleClient})

	d.relayFlood(req)

	select {
	case got := <-originPkts:
		if got.Kind != codec.KindFloodResponse {
			t.Fatalf("expected flood response at dead end, got %v", got.Kind)
		}
	default:
		t.Fatal("expected a flood response sent back")
	}
}

func TestRelayFloodForwardsToOtherNeighbors(t *testing.T) {
	f := fabric.New()
	f.Register(core.NodeId(1))
	n3Pkts, _ := f.Register(core.NodeId(3))
	n4Pkts, _ := f.Register(core.NodeId(4))
	d, _ := newTestDrone(t, 2, 0, f, 1, 3, 4)

	req := codec.NewFloodRequest(5, 1, core.RoleClient)
	req.FloodReq.PathTrace = []codec.PathEntry{{Node: 1, Role: core.RoleClient}}

	d.relayFlood(req)

	if len(n3Pkts) != 1 || len(n4Pkts) != 1 {
		t.Fatal("expected the request forwarded to all neighbors except the sender")
	}
}

func TestRelayFloodSuppressesAlreadySeen(t *testing.T) {
	f := fabric.New()
	f.Register(core.NodeId(1))
	n3Pkts, _ := f.Register(core.NodeId(3))
	d, _ := newTestDrone(t, 2, 0, f, 1, 3)

	req := codec.NewFloodRequest(5, 1, core.RoleClient)
	req.FloodReq.PathTrace = []codec.PathEntry{{Node: 1, Role: core.RoleClient}}

	d.relayFlood(req)
	<-n3Pkts // drain first relay

	// Deliver the identical (flood_id, initiator) again as if arriving from
	// a different neighbor; it must now be treated as already seen.
	d.relayFlood(req)

	select {
	case <-n3Pkts:
		t.Fatal("a flood already relayed once must not be forwarded again")
	default:
	}
}

func TestHandlePacketRefusesFloodRequestWhileCrashing(t *testing.T) {
	f := fabric.New()
	f.Register(core.NodeId(1))
	n3Pkts, _ := f.Register(core.NodeId(3))
	d, _ := newTestDrone(t, 2, 0, f, 1, 3)
	d.HandleCommand(Crash{})

	req := codec.NewFloodRequest(5, 1, core.RoleClient)
	req.FloodReq.PathTrace = []codec.PathEntry{{Node: 1, Role: core.RoleClient}}
	d.HandlePacket(req)

	select {
	case <-n3Pkts:
		t.Fatal("a crashing drone must not relay a new flood request")
	default:
	}
}
