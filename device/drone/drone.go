// Package drone implements the forwarder node: hop validation,
// probabilistic drop, NACK generation, and flood relay. A Drone never
// originates or terminates application traffic — every MsgFragment it
// receives as a final hop is rejected.
//
// This corresponds to the teacher's device/router package's HandlePacket
// dispatch, which gates an incoming packet through version/dedup/routing
// checks before forwarding. The same gated-dispatch shape carries over;
// the gates themselves are rewritten for source-routed hop validation,
// stochastic drop, and NACK-on-failure instead of MeshCore's path-hash
// matching and flood suppression only.
package drone

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/kabili207/meshcore-go/core"
	"github.com/kabili207/meshcore-go/core/codec"
	"github.com/kabili207/meshcore-go/core/dedupe"
	"github.com/kabili207/meshcore-go/device/fabric"
)

// Event is implemented by every event a Drone reports to the controller.
type Event interface{ isEvent() }

// PacketSent is emitted whenever a packet is successfully forwarded.
type PacketSent struct {
	At   core.NodeId
	To   core.NodeId
	Kind codec.Kind
}

func (PacketSent) isEvent() {}

// PacketDropped is emitted whenever a packet is rejected or stochastically
// dropped rather than forwarded.
type PacketDropped struct {
	At     core.NodeId
	Reason string
}

func (PacketDropped) isEvent() {}

// ControllerShortcut is emitted when a non-droppable control packet (ACK,
// NACK, FloodResponse) has nowhere to go because its next hop is gone. The
// controller is expected to deliver the packet to the destination edge
// node's shortcut channel itself.
type ControllerShortcut struct {
	Packet *codec.Packet
}

func (ControllerShortcut) isEvent() {}

// Command is implemented by every command the controller may issue to a
// Drone.
type Command interface{ isCommand() }

// AddSender registers peer as reachable directly from this drone.
type AddSender struct{ Peer core.NodeId }

func (AddSender) isCommand() {}

// RemoveSender removes peer; any packet subsequently destined for it is
// treated as unreachable.
type RemoveSender struct{ Peer core.NodeId }

func (RemoveSender) isCommand() {}

// SetPdr replaces the drone's packet drop rate. P must be in [0, 1].
type SetPdr struct{ P float64 }

func (SetPdr) isCommand() {}

// Crash begins shutdown: the drone continues to drain and forward packets
// already in its input channel (applying the same forwarding rules, except
// it now refuses FloodRequest and any MsgFragment destined to it) and then
// exits.
type Crash struct{}

func (Crash) isCommand() {}

// Config configures a Drone.
type Config struct {
	ID      core.NodeId
	Pdr     float64
	Fabric  *fabric.Fabric
	Events  chan<- Event
	Rand    *rand.Rand
	Logger  *slog.Logger
}

// Drone is a forwarding-only node: it validates the hop list of every
// non-flood packet it receives, relays FloodRequest/FloodResponse traffic,
// and applies a probabilistic drop to MsgFragment packets alone.
type Drone struct {
	id     core.NodeId
	fabric *fabric.Fabric
	events chan<- Event
	rng    *rand.Rand
	log    *slog.Logger
	seen   *dedupe.FloodSeen

	mu        sync.Mutex
	pdr       float64
	neighbors map[core.NodeId]struct{}
	crashing  bool
}

// New creates a Drone. cfg.Fabric must be non-nil; a nil cfg.Events
// disables event reporting.
func New(cfg Config) *Drone {
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Drone{
		id:        cfg.ID,
		fabric:    cfg.Fabric,
		events:    cfg.Events,
		rng:       rng,
		log:       logger.WithGroup("drone").With("node", cfg.ID),
		seen:      dedupe.New(),
		pdr:       cfg.Pdr,
		neighbors: make(map[core.NodeId]struct{}),
	}
}

func (d *Drone) emit(ev Event) {
	if d.events == nil {
		return
	}
	select {
	case d.events <- ev:
	default:
		d.log.Warn("dropping event, controller channel full")
	}
}

// HandleCommand applies a controller command.
func (d *Drone) HandleCommand(cmd Command) {
	switch c := cmd.(type) {
	case AddSender:
		d.mu.Lock()
		d.neighbors[c.Peer] = struct{}{}
		d.mu.Unlock()
	case RemoveSender:
		d.mu.Lock()
		delete(d.neighbors, c.Peer)
		d.mu.Unlock()
	case SetPdr:
		if c.P < 0 || c.P > 1 {
			d.log.Warn("rejecting out-of-range pdr", "value", c.P)
			return
		}
		d.mu.Lock()
		d.pdr = c.P
		d.mu.Unlock()
	case Crash:
		d.mu.Lock()
		d.crashing = true
		d.mu.Unlock()
		d.fabric.Unregister(d.id)
	}
}

func (d *Drone) isCrashing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.crashing
}

func (d *Drone) currentPdr() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pdr
}

func (d *Drone) hasNeighbor(id core.NodeId) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.neighbors[id]
	return ok
}

// HandlePacket applies the forwarding rules to one received packet. It is
// the sole entry point used both by the normal receive loop and by Crash
// draining.
func (d *Drone) HandlePacket(p *codec.Packet) {
	crashing := d.isCrashing()

	if p.Kind == codec.KindFloodRequest {
		if crashing {
			d.dropSilently(p, "crashing: refusing flood request")
			return
		}
		d.relayFlood(p)
		return
	}

	if crashing && p.Kind == codec.KindMsgFragment && p.Routing.AtDestination() {
		d.dropSilently(p, "crashing: refusing msg fragment destined here")
		return
	}

	if int(p.Routing.HopIndex) >= len(p.Routing.Hops) || p.Routing.Hops[p.Routing.HopIndex] != d.id {
		d.nackUnexpectedRecipient(p)
		return
	}

	if p.Routing.AtDestination() {
		if p.Kind == codec.KindMsgFragment {
			d.nackDestinationIsDrone(p)
			return
		}
		// ACK/NACK/FloodResponse terminating exactly at this drone is not a
		// meaningful scenario under source routing (drones are never
		// endpoints) but is handled defensively: drop without comment.
		d.dropSilently(p, "control packet terminated at a drone")
		return
	}

	next := p.Routing.Hops[p.Routing.HopIndex+1]
	if !d.fabric.Has(next) {
		d.nackErrorInRouting(p, next)
		return
	}

	if p.Kind == codec.KindMsgFragment {
		pdr := d.currentPdr()
		if pdr > 0 && d.rng.Float64() < pdr {
			d.nackDropped(p)
			return
		}
	}

	fwd := p.Clone()
	fwd.Routing.HopIndex++
	if err := d.fabric.Send(next, fwd); err != nil {
		if p.Kind != codec.KindMsgFragment {
			d.emit(ControllerShortcut{Packet: p})
			return
		}
		d.nackErrorInRouting(p, next)
		return
	}
	d.emit(PacketSent{At: d.id, To: next, Kind: p.Kind})
}

func (d *Drone) dropSilently(p *codec.Packet, reason string) {
	d.log.Debug(reason, "kind", codec.KindName(p.Kind))
	d.emit(PacketDropped{At: d.id, Reason: reason})
}

func (d *Drone) sendNack(p *codec.Packet, nackType codec.NackType, problemNode core.NodeId) {
	routing := p.Routing.ReversedPrefix()
	fragIndex := uint64(0)
	if p.Msg != nil {
		fragIndex = p.Msg.Index
	}
	nack := codec.NewNack(routing, p.Session, fragIndex, nackType, problemNode, d.id)
	if len(routing.Hops) < 2 {
		d.log.Debug("cannot return nack: no reverse path", "type", codec.NackTypeName(nackType))
		return
	}
	to := routing.Hops[routing.HopIndex]
	if err := d.fabric.Send(to, nack); err != nil {
		d.emit(ControllerShortcut{Packet: nack})
		return
	}
	d.emit(PacketSent{At: d.id, To: to, Kind: codec.KindNack})
}

func (d *Drone) nackUnexpectedRecipient(p *codec.Packet) {
	d.sendNack(p, codec.NackUnexpectedRecipient, d.id)
	d.emit(PacketDropped{At: d.id, Reason: "unexpected recipient"})
}

func (d *Drone) nackErrorInRouting(p *codec.Packet, problemNode core.NodeId) {
	d.sendNack(p, codec.NackErrorInRouting, problemNode)
	d.emit(PacketDropped{At: d.id, Reason: "next hop unreachable"})
}

func (d *Drone) nackDestinationIsDrone(p *codec.Packet) {
	d.sendNack(p, codec.NackDestinationIsDrone, d.id)
	d.emit(PacketDropped{At: d.id, Reason: "message addressed to a drone"})
}

func (d *Drone) nackDropped(p *codec.Packet) {
	d.sendNack(p, codec.NackDropped, d.id)
	d.emit(PacketDropped{At: d.id, Reason: "stochastic drop"})
}

// relayFlood implements the discovery relay rule: respond immediately at a
// dead end or an already-seen (flood_id, initiator); otherwise forward to
// every neighbor but the one the request arrived from.
func (d *Drone) relayFlood(p *codec.Packet) {
	req := p.FloodReq
	key := dedupe.FloodKey{FloodID: core.FloodID(req.FloodID), Initiator: req.Initiator}

	d.mu.Lock()
	neighbors := make([]core.NodeId, 0, len(d.neighbors))
	for n := range d.neighbors {
		neighbors = append(neighbors, n)
	}
	d.mu.Unlock()

	var arrivedFrom core.NodeId
	hasArrival := len(req.PathTrace) > 0
	if hasArrival {
		arrivedFrom = req.PathTrace[len(req.PathTrace)-1].Node
	}

	deadEnd := len(neighbors) == 1
	if d.seen.Seen(key) || deadEnd {
		trace := append(append([]codec.PathEntry{}, req.PathTrace...), codec.PathEntry{Node: d.id, Role: core.RoleDrone})
		routing := codec.RoutingFromPath(reverseIDs(codec.PathTraceToIDs(trace)))
		resp := codec.NewFloodResponse(routing, req.FloodID, trace)
		if len(routing.Hops) < 2 {
			return
		}
		to := routing.Hops[routing.HopIndex]
		if err := d.fabric.Send(to, resp); err == nil {
			d.emit(PacketSent{At: d.id, To: to, Kind: codec.KindFloodResponse})
		}
		return
	}

	d.seen.Record(key)
	trace := append(append([]codec.PathEntry{}, req.PathTrace...), codec.PathEntry{Node: d.id, Role: core.RoleDrone})
	for _, n := range neighbors {
		if hasArrival && n == arrivedFrom {
			continue
		}
		fwd := codec.NewFloodRequest(req.FloodID, req.Initiator, core.RoleDrone)
		fwd.FloodReq.PathTrace = trace
		if err := d.fabric.Send(n, fwd); err == nil {
			d.emit(PacketSent{At: d.id, To: n, Kind: codec.KindFloodRequest})
		}
	}
}

func reverseIDs(ids []core.NodeId) []core.NodeId {
	out := make([]core.NodeId, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}

// Run drains the drone's packet and command channels until ctx is
// cancelled. Commands are serviced with priority over packets, matching
// the {command, packet} biased select ordering for drones.
func (d *Drone) Run(ctx context.Context, packets <-chan *codec.Packet, commands <-chan Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-commands:
			d.HandleCommand(cmd)
		default:
		}

		if d.isCrashing() {
			select {
			case p := <-packets:
				d.HandlePacket(p)
				continue
			default:
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case cmd := <-commands:
			d.HandleCommand(cmd)
		case p := <-packets:
			d.HandlePacket(p)
		}
	}
}
