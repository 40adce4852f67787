// Package controller implements the supervising command plane: it issues
// topology-mutation commands to live nodes and enforces the connectivity
// invariants that must hold before any such mutation is accepted. It also
// receives PacketSent/PacketDropped/ControllerShortcut events and rescues
// undroppable control packets when a drone reports it has nowhere to
// forward one.
//
// This corresponds to the teacher's core/connection package, which tracks
// peer connection state and enforces teardown ordering centrally rather
// than trusting each peer to self-police; the same "one authority holds
// the global view, peers only see their own slice of it" shape is
// repurposed here for network topology instead of per-peer session state.
package controller

import (
	"errors"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/kabili207/meshcore-go/core"
	"github.com/kabili207/meshcore-go/core/topology"
	"github.com/kabili207/meshcore-go/device/drone"
	"github.com/kabili207/meshcore-go/device/fabric"
)

// Errors returned when a requested mutation would violate a topology
// invariant and is therefore rejected rather than applied.
var (
	ErrWouldDisconnectDroneCore = errors.New("controller: mutation would disconnect the drone subgraph")
	ErrWouldStarveClient        = errors.New("controller: mutation would leave a client with no drone neighbor")
	ErrWouldStarveServer        = errors.New("controller: mutation would leave a server with fewer than two drone neighbors")
	ErrUnknownNeighbor          = errors.New("controller: referenced neighbor does not exist")
)

// droneHandle is the subset of *drone.Drone the controller drives.
type droneHandle interface {
	HandleCommand(drone.Command)
}

// edgeHandle is the subset of *endpoint.Endpoint the controller drives.
type edgeHandle interface {
	AddNeighbor(id core.NodeId, role core.NodeRole)
	RemoveNeighbor(id core.NodeId)
}

// FloodRequiredFunc is invoked on every edge node after an accepted
// mutation, per the controller's duty to hint that a fresh discovery pass
// is worthwhile.
type FloodRequiredFunc func(id core.NodeId)

// Config configures a Controller.
type Config struct {
	Fabric        *fabric.Fabric
	Logger        *slog.Logger
	FloodRequired FloodRequiredFunc
}

// Controller holds the network's authoritative topology view (distinct
// from any individual node's local view) and mediates every mutation
// against it before touching live nodes.
type Controller struct {
	fabric        *fabric.Fabric
	log           *slog.Logger
	floodRequired FloodRequiredFunc

	mu        sync.Mutex
	graph     *topology.Graph
	drones    map[core.NodeId]droneHandle
	edges     map[core.NodeId]edgeHandle
	roles     map[core.NodeId]core.NodeRole
}

// New creates an empty Controller.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		fabric:        cfg.Fabric,
		log:           logger.WithGroup("controller"),
		floodRequired: cfg.FloodRequired,
		graph:         topology.New(),
		drones:        make(map[core.NodeId]droneHandle),
		edges:         make(map[core.NodeId]edgeHandle),
		roles:         make(map[core.NodeId]core.NodeRole),
	}
}

// RegisterDrone records a live drone node under the controller's authority.
func (c *Controller) RegisterDrone(id core.NodeId, d droneHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drones[id] = d
	c.roles[id] = core.RoleDrone
	c.graph.AddNode(id, core.RoleDrone)
}

// RegisterEdge records a live client or server node under the controller's
// authority.
func (c *Controller) RegisterEdge(id core.NodeId, role core.NodeRole, e edgeHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edges[id] = e
	c.roles[id] = role
	c.graph.AddNode(id, role)
}

// AddLink installs a bidirectional link between a and b: the fabric
// senders are assumed already registered by the caller (each node's
// mailbox exists from the moment it is spawned), so this only wires the
// authoritative graph edge and issues AddSender/AddLink commands to both
// endpoints.
func (c *Controller) AddLink(a, b core.NodeId) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	roleA, ok := c.roles[a]
	if !ok {
		return ErrUnknownNeighbor
	}
	roleB, ok := c.roles[b]
	if !ok {
		return ErrUnknownNeighbor
	}

	c.graph.AddNode(a, roleA)
	c.graph.AddNode(b, roleB)
	c.graph.AddLink(a, b)

	c.installNeighbor(a, b, roleB)
	c.installNeighbor(b, a, roleA)
	c.broadcastFloodRequired()
	return nil
}

func (c *Controller) installNeighbor(at, peer core.NodeId, peerRole core.NodeRole) {
	if d, ok := c.drones[at]; ok {
		d.HandleCommand(drone.AddSender{Peer: peer})
	}
	if e, ok := c.edges[at]; ok {
		e.AddNeighbor(peer, peerRole)
	}
}

func (c *Controller) removeNeighbor(at, peer core.NodeId) {
	if d, ok := c.drones[at]; ok {
		d.HandleCommand(drone.RemoveSender{Peer: peer})
	}
	if e, ok := c.edges[at]; ok {
		e.RemoveNeighbor(peer)
	}
}

// RemoveLink drops the link between a and b, provided doing so keeps every
// client at ≥1 drone neighbor and every server at ≥2, and keeps the drone
// subgraph connected (is_removal_allowed).
func (c *Controller) RemoveLink(a, b core.NodeId) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkRemovalAllowed(a, b); err != nil {
		return err
	}

	c.graph.RemoveLink(a, b)
	c.removeNeighbor(a, b)
	c.removeNeighbor(b, a)
	c.broadcastFloodRequired()
	return nil
}

// SpawnDrone validates that every named neighbor exists, then registers the
// drone and links it in. It does not check the neighbors' degree
// constraints; each link is added through AddLink as is.
func (c *Controller) SpawnDrone(id core.NodeId, d droneHandle, pdr float64, neighbors []core.NodeId) error {
	c.mu.Lock()
	for _, n := range neighbors {
		if _, ok := c.roles[n]; !ok {
			c.mu.Unlock()
			return ErrUnknownNeighbor
		}
	}
	c.drones[id] = d
	c.roles[id] = core.RoleDrone
	c.graph.AddNode(id, core.RoleDrone)
	c.mu.Unlock()

	d.HandleCommand(drone.SetPdr{P: pdr})
	for _, n := range neighbors {
		if err := c.AddLink(id, n); err != nil {
			return err
		}
	}
	return nil
}

// Crash tears a drone down, provided doing so keeps the drone subgraph
// connected and leaves every client/server at its minimum required drone
// degree (is_crash_allowed). On success the drone is issued a Crash command
// and removed from the authoritative graph.
func (c *Controller) Crash(id core.NodeId) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.roles[id] != core.RoleDrone {
		return errors.New("controller: only drones can be crashed")
	}
	if err := c.checkCrashAllowed(id); err != nil {
		return err
	}

	d := c.drones[id]
	neighbors := c.graph.Neighbors(id)
	d.HandleCommand(drone.Crash{})

	for _, n := range neighbors {
		c.removeNeighbor(n, id)
	}
	c.graph.RemoveNode(id)
	delete(c.drones, id)
	delete(c.roles, id)
	c.broadcastFloodRequired()
	return nil
}

// SetPdr replaces a live drone's drop rate.
func (c *Controller) SetPdr(id core.NodeId, pdr float64) error {
	c.mu.Lock()
	d, ok := c.drones[id]
	c.mu.Unlock()
	if !ok {
		return errors.New("controller: unknown drone")
	}
	if pdr < 0 || pdr > 1 {
		return errors.New("controller: pdr out of range")
	}
	d.HandleCommand(drone.SetPdr{P: pdr})
	return nil
}

func (c *Controller) broadcastFloodRequired() {
	if c.floodRequired == nil {
		return
	}
	for id, role := range c.roles {
		if role != core.RoleDrone {
			c.floodRequired(id)
		}
	}
}

// checkCrashAllowed verifies that removing id leaves the drone subgraph
// connected and respects every client/server's minimum drone degree.
func (c *Controller) checkCrashAllowed(id core.NodeId) error {
	return c.checkRemovalImpact(func(n core.NodeId) bool { return n == id })
}

// checkRemovalAllowed verifies the analogous guarantees after removing a
// single edge a-b rather than a whole node.
func (c *Controller) checkRemovalAllowed(a, b core.NodeId) error {
	return c.checkRemovalImpact(func(n core.NodeId) bool { return false }, withEdgeRemoved(a, b))
}

// checkRemovalImpact is the shared connectivity/degree check used by both
// Crash and RemoveLink. excludeNode marks a node as gone entirely;
// opts may additionally mark a single edge as removed.
func (c *Controller) checkRemovalImpact(excludeNode func(core.NodeId) bool, opts ...removalOption) error {
	removed := removalState{excludeNode: excludeNode}
	for _, opt := range opts {
		opt(&removed)
	}

	drones := make(map[core.NodeId]bool)
	for id, role := range c.roles {
		if role == core.RoleDrone && !removed.excludeNode(id) {
			drones[id] = true
		}
	}

	adj := c.droneAdjacency(drones, removed)
	if !connected(drones, adj) {
		return ErrWouldDisconnectDroneCore
	}

	for id, role := range c.roles {
		if removed.excludeNode(id) {
			continue
		}
		degree := c.droneDegree(id, drones, removed)
		if role == core.RoleClient && degree < 1 {
			return ErrWouldStarveClient
		}
		if role == core.RoleServer && degree < 2 {
			return ErrWouldStarveServer
		}
	}
	return nil
}

type removalState struct {
	excludeNode  func(core.NodeId) bool
	excludedEdge [2]core.NodeId
	hasEdge      bool
}

type removalOption func(*removalState)

func withEdgeRemoved(a, b core.NodeId) removalOption {
	return func(r *removalState) {
		r.excludedEdge = [2]core.NodeId{a, b}
		r.hasEdge = true
	}
}

func (r removalState) edgeExcluded(a, b core.NodeId) bool {
	if !r.hasEdge {
		return false
	}
	return (r.excludedEdge[0] == a && r.excludedEdge[1] == b) || (r.excludedEdge[0] == b && r.excludedEdge[1] == a)
}

func (c *Controller) droneAdjacency(drones map[core.NodeId]bool, removed removalState) map[core.NodeId][]core.NodeId {
	adj := make(map[core.NodeId][]core.NodeId)
	for a := range drones {
		for b := range drones {
			if a == b || removed.edgeExcluded(a, b) {
				continue
			}
			if _, ok := c.graph.Weight(a, b); ok {
				adj[a] = append(adj[a], b)
			}
		}
	}
	return adj
}

func (c *Controller) droneDegree(id core.NodeId, drones map[core.NodeId]bool, removed removalState) int {
	degree := 0
	for n := range drones {
		if removed.edgeExcluded(id, n) {
			continue
		}
		if _, ok := c.graph.Weight(id, n); ok {
			degree++
		}
	}
	return degree
}

func connected(nodes map[core.NodeId]bool, adj map[core.NodeId][]core.NodeId) bool {
	if len(nodes) == 0 {
		return true
	}
	var start core.NodeId
	for n := range nodes {
		start = n
		break
	}
	visited := map[core.NodeId]bool{start: true}
	queue := []core.NodeId{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range adj[cur] {
			if !visited[n] {
				visited[n] = true
				queue = append(queue, n)
			}
		}
	}
	return len(visited) == len(nodes)
}

// DeliverShortcut rescues a packet a drone reported it could not forward:
// it is handed directly to the destination edge node's shortcut channel,
// where it is processed exactly as if it had arrived over a normal link.
func (c *Controller) DeliverShortcut(ev drone.ControllerShortcut) {
	p := ev.Packet
	if len(p.Routing.Hops) == 0 {
		return
	}
	dest := p.Routing.Hops[len(p.Routing.Hops)-1]
	if err := c.fabric.SendShortcut(dest, fabric.ShortcutEnvelope{Command: p}); err != nil {
		c.log.Warn("unable to deliver shortcut rescue", "dest", dest, "error", err)
	}
}

// RandomSeed exists only so simulation harnesses that want deterministic
// replay can derive a per-drone PRNG seed from a single controller-level
// seed rather than wiring time-based randomness throughout.
func RandomSeed(base int64, salt core.NodeId) *rand.Rand {
	return rand.New(rand.NewSource(base + int64(salt)))
}

// Graph exposes the authoritative topology view for diagnostics and
// testing. Callers must not mutate it directly outside the Controller's
// own methods.
func (c *Controller) Graph() *topology.Graph {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graph
}
