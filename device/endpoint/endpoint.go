// Package endpoint implements the reliable-delivery loop run by client and
// server nodes: outbound fragmentation with ACK-tracked retransmission,
// inbound reassembly, NACK-driven route repair, and a route cache kept
// consistent with the endpoint's local topology view.
//
// This corresponds to the teacher's device/ack package (outbound tracking
// with timeout/retry) and device/router package (inbound dispatch gating)
// combined into the single endpoint role the spec assigns to clients and
// servers — the teacher splits link-layer forwarding and reliability into
// separate devices; a simulated edge node here does both for itself.
package endpoint

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kabili207/meshcore-go/core"
	"github.com/kabili207/meshcore-go/core/ack"
	"github.com/kabili207/meshcore-go/core/clock"
	"github.com/kabili207/meshcore-go/core/codec"
	"github.com/kabili207/meshcore-go/core/dedupe"
	"github.com/kabili207/meshcore-go/core/fragment"
	"github.com/kabili207/meshcore-go/core/topology"
	"github.com/kabili207/meshcore-go/device/fabric"
)

// DeliverFunc is called once a complete message has been reassembled from
// some originator.
type DeliverFunc func(originator core.NodeId, data []byte)

// FloodFunc is called to start a fresh discovery flood when no route to a
// target can be found. The endpoint does not implement discovery itself;
// it only signals that one is needed.
type FloodFunc func(target core.NodeId)

// Event mirrors the drone package's controller-facing events; an endpoint
// reports two of its kinds, PacketSent and PacketDropped.
type Event interface{ isEvent() }

// PacketSent is emitted whenever this endpoint hands a packet to the
// fabric successfully.
type PacketSent struct {
	At   core.NodeId
	To   core.NodeId
	Kind codec.Kind
}

func (PacketSent) isEvent() {}

// PacketDropped is emitted whenever this endpoint fails to deliver a
// packet outbound because the fabric send fails. A session with no route
// is parked for a flood instead and emits no event.
type PacketDropped struct {
	At     core.NodeId
	Reason string
}

func (PacketDropped) isEvent() {}

type outboundSession struct {
	target          core.NodeId
	fragments       [][]byte
	route           []core.NodeId
	acked           []bool
	routeNeedsRecalc bool
}

func (s *outboundSession) allAcked() bool {
	for _, a := range s.acked {
		if !a {
			return false
		}
	}
	return true
}

// Config configures an Endpoint.
type Config struct {
	ID       core.NodeId
	Role     core.NodeRole
	Fabric   *fabric.Fabric
	Graph    *topology.Graph
	Deliver  DeliverFunc
	Flood    FloodFunc
	Events   chan<- Event
	Logger   *slog.Logger
}

// Endpoint is the reliable-delivery state machine run by a client or
// server node.
type Endpoint struct {
	id      core.NodeId
	role    core.NodeRole
	fabric  *fabric.Fabric
	graph   *topology.Graph
	deliver DeliverFunc
	flood   FloodFunc
	events  chan<- Event
	log     *slog.Logger

	sessionAlloc *clock.SessionAllocator
	reassembler  *fragment.Reassembler
	tracker      *ack.Tracker
	seen         *dedupe.FloodSeen

	mu           sync.Mutex
	outbound     map[core.SessionId]*outboundSession
	routeCache   map[core.NodeId][]core.NodeId
	pendingFlood map[core.NodeId][]core.SessionId
}

// New creates an Endpoint.
func New(cfg Config) *Endpoint {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Endpoint{
		id:           cfg.ID,
		role:         cfg.Role,
		fabric:       cfg.Fabric,
		graph:        cfg.Graph,
		deliver:      cfg.Deliver,
		flood:        cfg.Flood,
		events:       cfg.Events,
		log:          logger.WithGroup("endpoint").With("node", cfg.ID),
		sessionAlloc: clock.NewSessionAllocator(),
		reassembler:  fragment.New(),
		tracker:      ack.NewTracker(ack.TrackerConfig{Logger: logger}),
		seen:         dedupe.New(),
		outbound:     make(map[core.SessionId]*outboundSession),
		routeCache:   make(map[core.NodeId][]core.NodeId),
		pendingFlood: make(map[core.NodeId][]core.SessionId),
	}
}

// Start begins the endpoint's ACK-timeout loop. Call once, before sending.
func (e *Endpoint) Start(ctx context.Context) {
	go e.tracker.Start(ctx)
}

func (e *Endpoint) emit(ev Event) {
	if e.events == nil {
		return
	}
	select {
	case e.events <- ev:
	default:
		e.log.Warn("dropping event, controller channel full")
	}
}

// Send fragments data and transmits it toward target, using a cached route
// if one is known and otherwise computing a fresh best path. If no path
// exists, the session is parked and a discovery flood is requested.
func (e *Endpoint) Send(target core.NodeId, data []byte) core.SessionId {
	session := e.sessionAlloc.Next()
	pieces := fragment.Split(data)

	e.mu.Lock()
	sess := &outboundSession{
		target:    target,
		fragments: pieces,
		acked:     make([]bool, len(pieces)),
	}
	e.outbound[session] = sess
	e.mu.Unlock()

	e.transmitSession(session)
	return session
}

// transmitSession computes (or reuses) a route for session and sends every
// not-yet-acknowledged fragment along it.
func (e *Endpoint) transmitSession(session core.SessionId) {
	e.mu.Lock()
	sess, ok := e.outbound[session]
	if !ok {
		e.mu.Unlock()
		return
	}
	route := e.resolveRoute(sess.target, sess.routeNeedsRecalc)
	if route == nil {
		e.pendingFlood[sess.target] = append(e.pendingFlood[sess.target], session)
		e.mu.Unlock()
		if e.flood != nil {
			e.flood(sess.target)
		}
		return
	}
	sess.route = route
	sess.routeNeedsRecalc = false
	fragments := sess.fragments
	acked := append([]bool(nil), sess.acked...)
	e.mu.Unlock()

	for i, data := range fragments {
		if acked[i] {
			continue
		}
		e.sendFragment(session, uint64(i), uint64(len(fragments)), data, route)
	}
}

// syncLiveness marks every node this endpoint's graph knows about as live
// or dead according to whether the fabric currently has a registered
// sender for it. This endpoint itself always counts as live, since it
// originates the search and sends from here without needing a mailbox of
// its own. This is the pre-search pruning step a route search must
// run before BestPath: a node can crash or have its link removed without
// a NACK round-trip ever informing this endpoint, and the fabric is the
// one place that state is authoritative.
func (e *Endpoint) syncLiveness() {
	for _, id := range e.graph.Nodes() {
		e.graph.SetLive(id, id == e.id || e.fabric.Has(id))
	}
}

// resolveRoute returns a route to dest, preferring the cache unless
// forceRecalc is set or the cache is empty.
func (e *Endpoint) resolveRoute(dest core.NodeId, forceRecalc bool) []core.NodeId {
	if !forceRecalc {
		if cached, ok := e.routeCache[dest]; ok {
			return cached
		}
	}
	e.syncLiveness()
	path, err := e.graph.BestPath(e.id, dest)
	if err != nil {
		delete(e.routeCache, dest)
		return nil
	}
	e.routeCache[dest] = path
	return path
}

func (e *Endpoint) sendFragment(session core.SessionId, index, total uint64, data []byte, route []core.NodeId) {
	routing := codec.RoutingFromPath(route)
	pkt := codec.NewMsgFragment(routing, uint64(session), index, total, data)

	// Touch first: if this fragment is already pending (this call is a
	// retransmission, whether ticker-driven or triggered by a NACK that
	// forced a route recalculation), just restart its deadline rather than
	// replacing the entry outright — Track would zero its retry count,
	// letting a node stuck behind a recovering link dodge MaxRetries
	// forever by retransmitting faster than the tracker's own timeout. A
	// NACK-driven resend this way also costs nothing against the timeout
	// budget, since the endpoint already knows the prior attempt failed for
	// a concrete, reported reason rather than silence.
	key := ack.FragmentKey{Session: session, FragmentIndex: core.FragmentIndex(index)}
	if !e.tracker.Touch(key) {
		e.tracker.Track(key, ack.Pending{
			Resend: func() { e.resendFragment(session, index) },
			OnTimeout: func() {
				e.log.Debug("giving up on fragment after exhausting retries", "session", session, "fragment", index)
			},
		})
	}

	to := route[1]
	if err := e.fabric.Send(to, pkt); err != nil {
		e.emit(PacketDropped{At: e.id, Reason: "no sender for first hop"})
		return
	}
	e.emit(PacketSent{At: e.id, To: to, Kind: codec.KindMsgFragment})
}

func (e *Endpoint) resendFragment(session core.SessionId, index uint64) {
	e.mu.Lock()
	sess, ok := e.outbound[session]
	if !ok || (int(index) < len(sess.acked) && sess.acked[index]) {
		e.mu.Unlock()
		return
	}
	route := e.resolveRoute(sess.target, sess.routeNeedsRecalc)
	if route == nil {
		e.mu.Unlock()
		if e.flood != nil {
			e.flood(sess.target)
		}
		return
	}
	sess.route = route
	data := sess.fragments[index]
	total := uint64(len(sess.fragments))
	e.mu.Unlock()

	e.sendFragment(session, index, total, data, route)
}

// HandlePacket dispatches one arriving packet: MsgFragment toward
// reassembly + ACK, Ack/Nack toward outbound session bookkeeping.
func (e *Endpoint) HandlePacket(p *codec.Packet) {
	switch p.Kind {
	case codec.KindMsgFragment:
		e.handleMsgFragment(p)
	case codec.KindAck:
		e.handleAck(p)
	case codec.KindNack:
		e.handleNack(p)
	case codec.KindFloodResponse:
		e.handleFloodResponse(p)
	case codec.KindFloodRequest:
		e.handleFloodRequest(p)
	}
}

// handleFloodRequest implements the same discovery relay rule a drone
// applies: respond immediately at a dead end or an already-seen
// (flood_id, initiator), otherwise forward to every direct neighbor but
// the one the request arrived from. A client or server is never merely a
// passive discovery target — the spec runs this rule at any node with
// role in {Drone, Client, Server}, and a server's minimum two-drone-
// neighbor requirement means it is never a dead end and so must relay.
func (e *Endpoint) handleFloodRequest(p *codec.Packet) {
	req := p.FloodReq
	key := dedupe.FloodKey{FloodID: core.FloodID(req.FloodID), Initiator: req.Initiator}
	neighbors := e.graph.Neighbors(e.id)

	var arrivedFrom core.NodeId
	hasArrival := len(req.PathTrace) > 0
	if hasArrival {
		arrivedFrom = req.PathTrace[len(req.PathTrace)-1].Node
	}

	deadEnd := len(neighbors) == 1
	if e.seen.Seen(key) || deadEnd {
		trace := append(append([]codec.PathEntry{}, req.PathTrace...), codec.PathEntry{Node: e.id, Role: e.role})
		routing := codec.RoutingFromPath(reverseNodeIDs(codec.PathTraceToIDs(trace)))
		resp := codec.NewFloodResponse(routing, req.FloodID, trace)
		if len(routing.Hops) < 2 {
			return
		}
		to := routing.Hops[routing.HopIndex]
		if err := e.fabric.Send(to, resp); err != nil {
			e.emit(PacketDropped{At: e.id, Reason: "no sender for flood response"})
			return
		}
		e.emit(PacketSent{At: e.id, To: to, Kind: codec.KindFloodResponse})
		return
	}

	e.seen.Record(key)
	trace := append(append([]codec.PathEntry{}, req.PathTrace...), codec.PathEntry{Node: e.id, Role: e.role})
	for _, n := range neighbors {
		if hasArrival && n == arrivedFrom {
			continue
		}
		fwd := codec.NewFloodRequest(req.FloodID, req.Initiator, e.role)
		fwd.FloodReq.PathTrace = trace
		if err := e.fabric.Send(n, fwd); err != nil {
			e.emit(PacketDropped{At: e.id, Reason: "no sender for flood relay"})
			continue
		}
		e.emit(PacketSent{At: e.id, To: n, Kind: codec.KindFloodRequest})
	}
}

func reverseNodeIDs(ids []core.NodeId) []core.NodeId {
	out := make([]core.NodeId, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}

func (e *Endpoint) handleMsgFragment(p *codec.Packet) {
	originator := p.Routing.Origin()
	buf := e.reassembler.HandleFragment(originator, p.Session, p.Msg)

	ackRouting := p.Routing.Reversed()
	ackPkt := codec.NewAck(ackRouting, p.Session, p.Msg.Index)
	to := ackRouting.Hops[ackRouting.HopIndex]
	if err := e.fabric.Send(to, ackPkt); err != nil {
		e.emit(PacketDropped{At: e.id, Reason: "no sender for ack"})
	} else {
		e.emit(PacketSent{At: e.id, To: to, Kind: codec.KindAck})
	}

	if buf != nil && e.deliver != nil {
		e.deliver(originator, buf)
	}
}

func (e *Endpoint) handleAck(p *codec.Packet) {
	session := core.SessionId(p.Session)
	key := ack.FragmentKey{Session: session, FragmentIndex: core.FragmentIndex(p.AckBody.FragmentIndex)}
	e.tracker.Resolve(key)

	e.mu.Lock()
	sess, ok := e.outbound[session]
	if ok && int(p.AckBody.FragmentIndex) < len(sess.acked) {
		sess.acked[p.AckBody.FragmentIndex] = true
	}
	done := ok && sess.allAcked()
	if done {
		delete(e.outbound, session)
	}
	e.mu.Unlock()
}

func (e *Endpoint) handleNack(p *codec.Packet) {
	session := core.SessionId(p.Session)
	n := p.NackBody

	e.mu.Lock()
	sess, ok := e.outbound[session]
	if !ok {
		e.mu.Unlock()
		return
	}

	switch n.Type {
	case codec.NackDropped:
		e.penalizePredecessor(sess, n.At)
		sess.routeNeedsRecalc = true
		delete(e.routeCache, sess.target)
	case codec.NackUnexpectedRecipient:
		e.graph.Penalize(predecessorOf(sess.route, n.At), n.At, 1)
		sess.routeNeedsRecalc = true
		delete(e.routeCache, sess.target)
	case codec.NackErrorInRouting:
		prev := predecessorOf(sess.route, n.ProblemNode)
		if !e.fabric.Has(n.ProblemNode) {
			e.graph.RemoveNode(n.ProblemNode)
		} else {
			e.graph.RemoveLink(prev, n.ProblemNode)
		}
		sess.routeNeedsRecalc = true
		delete(e.routeCache, sess.target)
	case codec.NackDestinationIsDrone:
		sess.routeNeedsRecalc = true
		delete(e.routeCache, sess.target)
	}
	e.mu.Unlock()

	e.transmitSession(session)
}

// penalizePredecessor increases the weight of the link between the
// reporting drone (at n.At, which equals the drone's own id for a Dropped
// nack) and whichever hop precedes it along the session's last known
// route.
func (e *Endpoint) penalizePredecessor(sess *outboundSession, droneID core.NodeId) {
	prev := predecessorOf(sess.route, droneID)
	e.graph.Penalize(prev, droneID, 1)
	e.graph.Penalize(droneID, prev, 1)
}

// predecessorOf finds the hop immediately before target in route, falling
// back to target itself if it cannot be located (e.g. the route was
// already invalidated).
func predecessorOf(route []core.NodeId, target core.NodeId) core.NodeId {
	for i, id := range route {
		if id == target && i > 0 {
			return route[i-1]
		}
	}
	return target
}

func (e *Endpoint) handleFloodResponse(p *codec.Packet) {
	// Flood responses addressed directly to this endpoint (rather than
	// routed through the discovery package's aggregation) are ingested the
	// same way: add nodes and pairwise links from the path trace.
	topology.IngestPathTrace(e.graph, p.FloodResp.PathTrace)
	e.retryPendingFloods()
}

// retryPendingFloods re-attempts every session parked awaiting a route,
// now that fresh topology information may have arrived.
func (e *Endpoint) retryPendingFloods() {
	e.mu.Lock()
	pending := e.pendingFlood
	e.pendingFlood = make(map[core.NodeId][]core.SessionId)
	e.mu.Unlock()

	for _, sessions := range pending {
		for _, session := range sessions {
			e.transmitSession(session)
		}
	}
}

// PendingSessionCount returns the number of outbound sessions still
// awaiting full acknowledgement. Exposed for tests and diagnostics.
func (e *Endpoint) PendingSessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outbound)
}

// AddNeighbor installs a controller-issued AddLink: the neighbor is added
// to this endpoint's local topology view along with the edge to it. The
// fabric-level mailbox is expected to already exist (each node registers
// its own with the shared fabric when it is spawned; the controller does
// not register it).
func (e *Endpoint) AddNeighbor(id core.NodeId, role core.NodeRole) {
	e.graph.AddNode(id, role)
	e.graph.AddLink(e.id, id)
}

// RemoveNeighbor drops the edge to id from this endpoint's local topology
// view and invalidates any cached route that depended on it.
func (e *Endpoint) RemoveNeighbor(id core.NodeId) {
	e.graph.RemoveLink(e.id, id)
	e.mu.Lock()
	for dest, route := range e.routeCache {
		for _, hop := range route {
			if hop == id {
				delete(e.routeCache, dest)
				break
			}
		}
	}
	e.mu.Unlock()
}
