// Package fabric implements the simulated medium nodes communicate over: a
// registry of per-node channels a sender looks up by NodeId, plus a
// dedicated high-priority channel used for controller shortcuts.
//
// This corresponds to the teacher's device/router package's transportEntry
// registry, which lets a Router address any number of live transports by
// identity and drop ones that go away. Here the "transport" is a Go channel
// rather than a serial port or MQTT topic, and the registry is shared across
// every node instead of private to one.
package fabric

import (
	"errors"
	"sync"

	"github.com/kabili207/meshcore-go/core"
	"github.com/kabili207/meshcore-go/core/codec"
)

// ErrNoSender is returned when a send is attempted against a node that has
// no registered channel, either because it never existed or has been
// removed (e.g. after a Crash command).
var ErrNoSender = errors.New("fabric: no sender for node")

// ErrMailboxFull is returned when a send finds the target's packet channel
// already holding DefaultMailboxSize packets.
var ErrMailboxFull = errors.New("fabric: mailbox full")

// DefaultMailboxSize is the buffer depth of each node's packet channel. A
// small buffer absorbs bursts from concurrent senders without making a
// crashed or slow node's queue grow without bound.
const DefaultMailboxSize = 64

// ShortcutEnvelope carries a payload the controller delivers directly to a
// node (such as a rescued control packet), bypassing the regular packet channel so it is always serviced first
// per the node loop's biased select ordering.
type ShortcutEnvelope struct {
	Command any
}

// Sender is the subset of Fabric an originating node uses to push a packet
// toward a specific neighbor.
type Sender interface {
	Send(to core.NodeId, pkt *codec.Packet) error
}

// Fabric is the shared registry of node mailboxes. A node registers itself
// with Register at startup and deregisters with Unregister when it is torn
// down (a drone does so on a Crash command). All methods are safe for
// concurrent use.
type Fabric struct {
	mu        sync.RWMutex
	packets   map[core.NodeId]chan *codec.Packet
	shortcuts map[core.NodeId]chan ShortcutEnvelope
}

// New creates an empty Fabric.
func New() *Fabric {
	return &Fabric{
		packets:   make(map[core.NodeId]chan *codec.Packet),
		shortcuts: make(map[core.NodeId]chan ShortcutEnvelope),
	}
}

// Register creates and returns the packet and shortcut channels for id. If
// id is already registered its existing channels are returned unchanged.
func (f *Fabric) Register(id core.NodeId) (<-chan *codec.Packet, <-chan ShortcutEnvelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.packets[id]; ok {
		return ch, f.shortcuts[id]
	}
	pkts := make(chan *codec.Packet, DefaultMailboxSize)
	shortcuts := make(chan ShortcutEnvelope, DefaultMailboxSize)
	f.packets[id] = pkts
	f.shortcuts[id] = shortcuts
	return pkts, shortcuts
}

// Unregister removes id's channels from the registry. Any sends already in
// flight toward the closed channels are not unwound; callers should stop
// addressing id before tearing down its goroutine.
func (f *Fabric) Unregister(id core.NodeId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.packets, id)
	delete(f.shortcuts, id)
}

// Send enqueues pkt onto to's packet channel. Returns ErrNoSender if to has
// no registered mailbox, and ErrMailboxFull without waiting if the mailbox
// is full, so a sender never blocks on a slow or stalled receiver.
func (f *Fabric) Send(to core.NodeId, pkt *codec.Packet) error {
	f.mu.RLock()
	ch, ok := f.packets[to]
	f.mu.RUnlock()
	if !ok {
		return ErrNoSender
	}
	select {
	case ch <- pkt:
		return nil
	default:
		return ErrMailboxFull
	}
}

// SendShortcut enqueues a controller command directly onto to's shortcut
// channel, skipping the regular packet path entirely.
func (f *Fabric) SendShortcut(to core.NodeId, env ShortcutEnvelope) error {
	f.mu.RLock()
	ch, ok := f.shortcuts[to]
	f.mu.RUnlock()
	if !ok {
		return ErrNoSender
	}
	ch <- env
	return nil
}

// Has reports whether id currently has a live registered sender. Used by
// the topology graph to prune edges toward nodes with no reachable
// mailbox before a route search.
func (f *Fabric) Has(id core.NodeId) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.packets[id]
	return ok
}

// Nodes returns the set of currently registered node identities, in no
// particular order.
func (f *Fabric) Nodes() []core.NodeId {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.NodeId, 0, len(f.packets))
	for id := range f.packets {
		out = append(out, id)
	}
	return out
}
