package discovery

import (
	"testing"
	"time"

	"github.com/kabili207/meshcore-go/core"
	"github.com/kabili207/meshcore-go/core/codec"
	"github.com/kabili207/meshcore-go/core/topology"
	"github.com/kabili207/meshcore-go/device/fabric"
)

func TestStartFloodBroadcastsToLiveNeighbors(t *testing.T) {
	f := fabric.New()
	n2, _ := f.Register(core.NodeId(2))
	n3, _ := f.Register(core.NodeId(3))
	// node 4 is a known neighbor id but has no live fabric sender.

	init := New(Config{ID: 1, Role: core.RoleClient, Fabric: f, Graph: topology.New()})
	id := init.StartFlood([]core.NodeId{2, 3, 4})

	if id == 0 {
		t.Fatal("expected a nonzero flood id")
	}
	if len(n2) != 1 || len(n3) != 1 {
		t.Fatal("expected the flood request broadcast to every live neighbor")
	}
	if init.ActiveCount() != 1 {
		t.Fatalf("expected 1 active flood, got %d", init.ActiveCount())
	}
}

func TestHandleFloodResponseIngestsImmediately(t *testing.T) {
	f := fabric.New()
	g := topology.New()
	init := New(Config{ID: 1, Role: core.RoleClient, Fabric: f, Graph: g})

	id := init.StartFlood(nil)
	trace := []codec.PathEntry{
		{Node: 1, Role: core.RoleClient},
		{Node: 2, Role: core.RoleDrone},
		{Node: 3, Role: core.RoleServer},
	}
	routing := codec.RoutingFromPath([]core.NodeId{3, 2, 1})
	resp := codec.NewFloodResponse(routing, uint64(id), trace)

	init.HandleFloodResponse(resp)

	if _, ok := g.Weight(1, 2); !ok {
		t.Fatal("expected the path trace to be ingested into the graph immediately")
	}
	if _, ok := g.Weight(2, 3); !ok {
		t.Fatal("expected the second hop's link to be ingested too")
	}
}

func TestPollFinalizesExpiredFlood(t *testing.T) {
	f := fabric.New()
	g := topology.New()
	init := New(Config{ID: 1, Role: core.RoleClient, Fabric: f, Graph: g})

	fakeNow := time.Now()
	init.onTimer = func() time.Time { return fakeNow }

	id := init.StartFlood(nil)
	trace := []codec.PathEntry{{Node: 1, Role: core.RoleClient}, {Node: 5, Role: core.RoleDrone}}
	resp := codec.NewFloodResponse(codec.RoutingFromPath([]core.NodeId{5, 1}), uint64(id), trace)
	init.HandleFloodResponse(resp)

	init.Poll()
	if init.ActiveCount() != 1 {
		t.Fatal("flood should remain active before the timeout elapses")
	}

	fakeNow = fakeNow.Add(Timeout + time.Millisecond)
	init.Poll()
	if init.ActiveCount() != 0 {
		t.Fatal("expected the flood record to be finalized and removed after timeout")
	}
}

func TestLateResponseAfterTimeoutStillIngestsViaNextResponse(t *testing.T) {
	// A response arriving after Poll() has already finalized the record no
	// longer attaches to the (deleted) record, but HandleFloodResponse
	// still ingests its path trace immediately regardless of the record's
	// lifecycle — this is the mechanism, not the record, that guarantees
	// late enrichment.
	f := fabric.New()
	g := topology.New()
	init := New(Config{ID: 1, Role: core.RoleClient, Fabric: f, Graph: g})

	fakeNow := time.Now()
	init.onTimer = func() time.Time { return fakeNow }
	id := init.StartFlood(nil)
	fakeNow = fakeNow.Add(Timeout + time.Millisecond)
	init.Poll()

	trace := []codec.PathEntry{{Node: 1, Role: core.RoleClient}, {Node: 9, Role: core.RoleDrone}}
	resp := codec.NewFloodResponse(codec.RoutingFromPath([]core.NodeId{9, 1}), uint64(id), trace)
	init.HandleFloodResponse(resp)

	if _, ok := g.Weight(1, 9); !ok {
		t.Fatal("a late response must still enrich the graph even after its flood timed out")
	}
}
