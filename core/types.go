// Package core holds the identity and addressing types shared by every
// component of the mesh simulation: node identities, roles, session and
// flood identifiers. Nothing in this package performs I/O.
package core

import "fmt"

// NodeId is a small unsigned integer unique to one node in a simulation.
// An 8-bit space is enough for any topology the simulator is expected to
// run (tens to low hundreds of nodes).
type NodeId uint8

// String returns a human-readable form, e.g. "node#7".
func (n NodeId) String() string {
	return fmt.Sprintf("node#%d", uint8(n))
}

// NodeRole classifies a node's position in the overlay graph.
type NodeRole uint8

const (
	RoleClient NodeRole = iota
	RoleServer
	RoleDrone
)

// String returns the canonical lower-case role name.
func (r NodeRole) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	case RoleDrone:
		return "drone"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// IsEdge reports whether the role sits at the edge of the graph (client or
// server), as opposed to the drone core.
func (r NodeRole) IsEdge() bool {
	return r == RoleClient || r == RoleServer
}

// SessionId identifies one high-level message at its originator. Assigned
// from a monotonic per-node counter (see core/clock).
type SessionId uint64

// FragmentIndex is the 0-based position of a fragment within a session.
type FragmentIndex uint64

// FloodID identifies one discovery broadcast from its initiator. Declared as
// a distinct type (not a bare uint64 alias) so a flood-suppression key
// (FloodID, NodeId) can't be confused with a session key at the type level —
// the same discipline the teacher codebase applies to MeshCoreID.
type FloodID uint64
