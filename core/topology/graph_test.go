package topology

import (
	"errors"
	"testing"

	"github.com/kabili207/meshcore-go/core"
)

func line(ids ...int) []core.NodeId {
	out := make([]core.NodeId, len(ids))
	for i, id := range ids {
		out[i] = core.NodeId(id)
	}
	return out
}

func samePath(a, b []core.NodeId) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBestPathDirectLink(t *testing.T) {
	g := New()
	g.AddNode(1, core.RoleClient)
	g.AddNode(2, core.RoleServer)
	g.AddLink(1, 2)

	got, err := g.BestPath(1, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !samePath(got, line(1, 2)) {
		t.Fatalf("expected direct path, got %v", got)
	}
}

func TestBestPathRequiresDroneIntermediates(t *testing.T) {
	g := New()
	g.AddNode(1, core.RoleClient)
	g.AddNode(2, core.RoleServer) // not a drone: cannot be an intermediate
	g.AddNode(3, core.RoleServer)
	g.AddLink(1, 2)
	g.AddLink(2, 3)

	if _, err := g.BestPath(1, 3); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute through a non-drone intermediate, got %v", err)
	}
}

func TestBestPathThroughDrone(t *testing.T) {
	g := New()
	g.AddNode(1, core.RoleClient)
	g.AddNode(2, core.RoleDrone)
	g.AddNode(3, core.RoleServer)
	g.AddLink(1, 2)
	g.AddLink(2, 3)

	got, err := g.BestPath(1, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !samePath(got, line(1, 2, 3)) {
		t.Fatalf("expected path through the drone, got %v", got)
	}
}

func TestBestPathPrefersLowerWeight(t *testing.T) {
	g := New()
	g.AddNode(1, core.RoleClient)
	g.AddNode(2, core.RoleDrone)
	g.AddNode(3, core.RoleDrone)
	g.AddNode(4, core.RoleServer)
	g.AddLink(1, 2)
	g.AddLink(2, 4)
	g.AddLink(1, 3)
	g.AddLink(3, 4)

	// Penalize the 1->2 edge so the 1->3->4 route becomes strictly cheaper.
	g.Penalize(1, 2, 5)
	g.Penalize(2, 1, 5)

	got, err := g.BestPath(1, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !samePath(got, line(1, 3, 4)) {
		t.Fatalf("expected the unpenalized route, got %v", got)
	}
}

func TestBestPathTieBreaksByHopCountThenLexOrder(t *testing.T) {
	g := New()
	g.AddNode(1, core.RoleClient)
	g.AddNode(2, core.RoleDrone)
	g.AddNode(3, core.RoleDrone)
	g.AddNode(4, core.RoleServer)
	// Two equal-weight, equal-hop-count two-hop routes: 1-2-4 and 1-3-4.
	// Lexicographic comparison of the full path must prefer 1-2-4.
	g.AddLink(1, 2)
	g.AddLink(2, 4)
	g.AddLink(1, 3)
	g.AddLink(3, 4)

	got, err := g.BestPath(1, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !samePath(got, line(1, 2, 4)) {
		t.Fatalf("expected lexicographically smallest path, got %v", got)
	}
}

func TestBestPathExcludesDeadNodes(t *testing.T) {
	g := New()
	g.AddNode(1, core.RoleClient)
	g.AddNode(2, core.RoleDrone)
	g.AddNode(3, core.RoleDrone)
	g.AddNode(4, core.RoleServer)
	g.AddLink(1, 2)
	g.AddLink(2, 4)
	g.AddLink(1, 3)
	g.AddLink(3, 4)

	g.SetLive(2, false)

	got, err := g.BestPath(1, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !samePath(got, line(1, 3, 4)) {
		t.Fatalf("expected the route avoiding the dead node, got %v", got)
	}
}

func TestBestPathUnknownNode(t *testing.T) {
	g := New()
	g.AddNode(1, core.RoleClient)
	if _, err := g.BestPath(1, 99); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
}

func TestBestPathSameNode(t *testing.T) {
	g := New()
	g.AddNode(1, core.RoleClient)
	got, err := g.BestPath(1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !samePath(got, line(1)) {
		t.Fatalf("expected trivial single-node path, got %v", got)
	}
}

func TestRemoveNodeClearsIncidentEdges(t *testing.T) {
	g := New()
	g.AddNode(1, core.RoleClient)
	g.AddNode(2, core.RoleDrone)
	g.AddNode(3, core.RoleServer)
	g.AddLink(1, 2)
	g.AddLink(2, 3)

	g.RemoveNode(2)

	if _, ok := g.Weight(1, 2); ok {
		t.Fatal("edge into removed node should be gone")
	}
	if _, ok := g.Weight(2, 3); ok {
		t.Fatal("edge out of removed node should be gone")
	}
	if _, err := g.BestPath(1, 3); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute once the only intermediate is removed, got %v", err)
	}
}

func TestPenalizeNeverLowersWeight(t *testing.T) {
	g := New()
	g.AddNode(1, core.RoleClient)
	g.AddNode(2, core.RoleDrone)
	g.AddLink(1, 2)

	g.Penalize(1, 2, -10)
	w, _ := g.Weight(1, 2)
	if w != 1 {
		t.Fatalf("a non-positive penalty must not change weight, got %d", w)
	}

	g.Penalize(1, 2, 3)
	w, _ = g.Weight(1, 2)
	if w != 4 {
		t.Fatalf("expected weight 4 after penalty, got %d", w)
	}
}

func TestAddLinkIsIdempotent(t *testing.T) {
	g := New()
	g.AddNode(1, core.RoleClient)
	g.AddNode(2, core.RoleDrone)
	g.AddLink(1, 2)
	g.Penalize(1, 2, 9)

	g.AddLink(1, 2) // must not reset the penalized weight back to 1

	w, _ := g.Weight(1, 2)
	if w != 10 {
		t.Fatalf("re-adding an existing link must not reset its weight, got %d", w)
	}
}
