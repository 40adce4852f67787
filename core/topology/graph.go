// Package topology maintains each edge node's local view of the network as
// a weighted directed multigraph and computes shortest paths through it.
//
// This corresponds to the teacher's device/router package, which holds a
// node's local forwarding state (dedup, reassembly, send queue) built from
// packets actually observed on the wire; here the same "local view built up
// from observed traffic" idea is repurposed from link-layer forwarding into
// a route-planning graph fed by discovery flood results and NACK penalties.
package topology

import (
	"container/heap"
	"errors"
	"sort"

	"github.com/kabili207/meshcore-go/core"
	"github.com/kabili207/meshcore-go/core/codec"
)

// IngestPathTrace folds a discovery path trace into g: every visited node
// is added with its reported role, and a bidirectional link of default
// weight is added between each consecutive pair not already present.
// Re-ingesting the same trace is idempotent because AddLink only installs
// an edge that does not already exist.
func IngestPathTrace(g *Graph, trace []codec.PathEntry) {
	for _, entry := range trace {
		g.AddNode(entry.Node, entry.Role)
	}
	for i := 0; i+1 < len(trace); i++ {
		g.AddLink(trace[i].Node, trace[i+1].Node)
	}
}

// ErrNoRoute is returned by BestPath when no path exists between two nodes
// under the current graph and role constraints.
var ErrNoRoute = errors.New("topology: no route")

// ErrUnknownNode is returned when a requested source or destination has
// never been observed.
var ErrUnknownNode = errors.New("topology: unknown node")

type edgeKey struct {
	from, to core.NodeId
}

// Graph is one edge node's local, directed, weighted view of the network.
// Every link carries a positive integer weight that only ever increases
// (Penalize), never decreases, mirroring the spec's preference for
// previously-reliable paths without ever making a penalized link look
// artificially better again.
type Graph struct {
	roles   map[core.NodeId]core.NodeRole
	weights map[edgeKey]int
	// adjacency is kept alongside weights purely to avoid an O(n) scan of
	// the weights map for each node's neighbor list.
	adjacency map[core.NodeId]map[core.NodeId]struct{}
	// live reports whether a node currently has a reachable fabric sender.
	// Nodes with no live sender are excluded from BestPath even if present
	// in the graph, per the requirement to prune dead edges before search.
	live map[core.NodeId]bool
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		roles:     make(map[core.NodeId]core.NodeRole),
		weights:   make(map[edgeKey]int),
		adjacency: make(map[core.NodeId]map[core.NodeId]struct{}),
		live:      make(map[core.NodeId]bool),
	}
}

// AddNode registers a node and its role. Calling AddNode for a node already
// present updates its role and is otherwise a no-op; it does not touch
// existing edges.
func (g *Graph) AddNode(id core.NodeId, role core.NodeRole) {
	g.roles[id] = role
	if _, ok := g.adjacency[id]; !ok {
		g.adjacency[id] = make(map[core.NodeId]struct{})
	}
	if _, ok := g.live[id]; !ok {
		g.live[id] = true
	}
}

// RemoveNode removes a node and every edge incident to it, in either
// direction. Used when a drone crashes or a controller command removes a
// node's fabric sender entirely.
func (g *Graph) RemoveNode(id core.NodeId) {
	for other := range g.adjacency[id] {
		delete(g.weights, edgeKey{id, other})
		delete(g.weights, edgeKey{other, id})
		if peers, ok := g.adjacency[other]; ok {
			delete(peers, id)
		}
	}
	delete(g.adjacency, id)
	delete(g.roles, id)
	delete(g.live, id)
	for from, peers := range g.adjacency {
		if _, ok := peers[id]; ok {
			delete(peers, id)
			delete(g.weights, edgeKey{from, id})
		}
	}
}

// SetLive marks whether id currently has a reachable fabric sender. A node
// marked not-live is excluded from BestPath searches without losing its
// learned edges, so it can be restored cheaply if the sender comes back.
func (g *Graph) SetLive(id core.NodeId, live bool) {
	g.live[id] = live
}

// AddLink adds a bidirectional edge between a and b with the default weight
// of 1 if the edge does not already exist. Calling it again for an existing
// edge is a no-op — it never resets a penalized edge back to 1.
func (g *Graph) AddLink(a, b core.NodeId) {
	g.ensureNode(a)
	g.ensureNode(b)
	g.addDirected(a, b)
	g.addDirected(b, a)
}

func (g *Graph) ensureNode(id core.NodeId) {
	if _, ok := g.adjacency[id]; !ok {
		g.adjacency[id] = make(map[core.NodeId]struct{})
		g.roles[id] = core.RoleDrone
		g.live[id] = true
	}
}

func (g *Graph) addDirected(from, to core.NodeId) {
	key := edgeKey{from, to}
	if _, ok := g.weights[key]; ok {
		return
	}
	g.weights[key] = 1
	g.adjacency[from][to] = struct{}{}
}

// RemoveLink removes the edge between a and b in both directions.
func (g *Graph) RemoveLink(a, b core.NodeId) {
	delete(g.weights, edgeKey{a, b})
	delete(g.weights, edgeKey{b, a})
	if peers, ok := g.adjacency[a]; ok {
		delete(peers, b)
	}
	if peers, ok := g.adjacency[b]; ok {
		delete(peers, a)
	}
}

// Penalize increases the weight of the directed edge from -> to by delta
// (delta must be positive; non-positive values are ignored). If the edge
// does not exist this is a no-op: penalties only ever sharpen an edge the
// graph has already learned about.
func (g *Graph) Penalize(from, to core.NodeId, delta int) {
	if delta <= 0 {
		return
	}
	key := edgeKey{from, to}
	if w, ok := g.weights[key]; ok {
		g.weights[key] = w + delta
	}
}

// Weight returns the current weight of the directed edge from -> to and
// whether it exists.
func (g *Graph) Weight(from, to core.NodeId) (int, bool) {
	w, ok := g.weights[edgeKey{from, to}]
	return w, ok
}

// Neighbors returns the set of nodes id has a direct outgoing edge to, in
// no particular order.
func (g *Graph) Neighbors(id core.NodeId) []core.NodeId {
	peers := g.adjacency[id]
	out := make([]core.NodeId, 0, len(peers))
	for n := range peers {
		out = append(out, n)
	}
	return out
}

// Role reports the last-known role for id.
func (g *Graph) Role(id core.NodeId) (core.NodeRole, bool) {
	r, ok := g.roles[id]
	return r, ok
}

// Nodes returns every node id currently known to the graph, in no
// particular order. Used to drive a liveness sync against the fabric
// before a route search, per the requirement to prune dead nodes as a
// precondition of BestPath rather than leaving SetLive unreachable.
func (g *Graph) Nodes() []core.NodeId {
	out := make([]core.NodeId, 0, len(g.adjacency))
	for id := range g.adjacency {
		out = append(out, id)
	}
	return out
}

type searchNode struct {
	id       core.NodeId
	dist     int
	hops     int
	path     []core.NodeId
	index    int
}

type searchQueue []*searchNode

func (q searchQueue) Len() int { return len(q) }
func (q searchQueue) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	if q[i].hops != q[j].hops {
		return q[i].hops < q[j].hops
	}
	return lexLess(q[i].path, q[j].path)
}
func (q searchQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *searchQueue) Push(x any) {
	n := x.(*searchNode)
	n.index = len(*q)
	*q = append(*q, n)
}
func (q *searchQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// lexLess compares two NodeId sequences lexicographically, used as the
// final tie-break once weight and hop count are equal.
func lexLess(a, b []core.NodeId) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// BestPath computes the lowest-weight path from src to dst such that every
// intermediate node (everything but src and dst themselves) has the Drone
// role. Ties are broken first by total weight, then by hop count, then by
// lexicographic comparison of the NodeId sequence. Nodes with no live
// fabric sender are excluded from the search entirely. Returns ErrNoRoute
// if no such path exists, or ErrUnknownNode if src or dst has never been
// observed in the graph.
func (g *Graph) BestPath(src, dst core.NodeId) ([]core.NodeId, error) {
	if _, ok := g.adjacency[src]; !ok {
		return nil, ErrUnknownNode
	}
	if _, ok := g.adjacency[dst]; !ok {
		return nil, ErrUnknownNode
	}
	if src == dst {
		return []core.NodeId{src}, nil
	}

	best := make(map[core.NodeId]*searchNode)
	pq := &searchQueue{}
	heap.Init(pq)

	start := &searchNode{id: src, dist: 0, hops: 0, path: []core.NodeId{src}}
	best[src] = start
	heap.Push(pq, start)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(*searchNode)
		if winner, ok := best[cur.id]; ok && winner != cur {
			continue // stale entry superseded by a better one
		}
		if cur.id == dst {
			return cur.path, nil
		}
		if !g.live[cur.id] {
			continue
		}

		neighbors := make([]core.NodeId, 0, len(g.adjacency[cur.id]))
		for n := range g.adjacency[cur.id] {
			neighbors = append(neighbors, n)
		}
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })

		for _, next := range neighbors {
			if next != dst && g.roles[next] != core.RoleDrone {
				continue // only drones may serve as intermediates
			}
			if !g.live[next] {
				continue
			}
			w, ok := g.weights[edgeKey{cur.id, next}]
			if !ok {
				continue
			}
			candidate := &searchNode{
				id:   next,
				dist: cur.dist + w,
				hops: cur.hops + 1,
				path: appendPath(cur.path, next),
			}
			existing, seen := best[next]
			if !seen || isBetter(candidate, existing) {
				best[next] = candidate
				heap.Push(pq, candidate)
			}
		}
	}
	return nil, ErrNoRoute
}

func appendPath(path []core.NodeId, next core.NodeId) []core.NodeId {
	out := make([]core.NodeId, len(path)+1)
	copy(out, path)
	out[len(path)] = next
	return out
}

func isBetter(a, b *searchNode) bool {
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	if a.hops != b.hops {
		return a.hops < b.hops
	}
	return lexLess(a.path, b.path)
}
