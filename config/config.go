// Package config loads and validates the simulation's topology
// configuration file: the drone/client/server roster and their initial
// connections.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml"

	"github.com/kabili207/meshcore-go/core"
)

// DroneConfig describes one configured drone.
type DroneConfig struct {
	ID                uint8   `toml:"id"`
	Pdr               float64 `toml:"pdr"`
	ConnectedNodeIDs  []uint8 `toml:"connected_node_ids"`
}

// ClientConfig describes one configured client. Clients must connect to
// one or two nodes.
type ClientConfig struct {
	ID               uint8   `toml:"id"`
	ConnectedNodeIDs []uint8 `toml:"connected_node_ids"`
}

// ServerConfig describes one configured server. Servers must connect to at
// least two nodes.
type ServerConfig struct {
	ID               uint8   `toml:"id"`
	ConnectedNodeIDs []uint8 `toml:"connected_node_ids"`
}

// Config is the root of the topology configuration file.
type Config struct {
	Drone  []DroneConfig  `toml:"drone"`
	Client []ClientConfig `toml:"client"`
	Server []ServerConfig `toml:"server"`
}

// Load reads and parses path, then validates it. A parse or validation
// failure is returned unwrapped from os.Exit concerns — the caller decides
// the exit code (the CLI entry point exits 2 on any error from Load).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid topology: %w", err)
	}
	return &cfg, nil
}

// Validate checks the structural invariants a topology file must satisfy:
// unique ids across every role, no self-edges, every edge bidirectional,
// the whole graph connected, and clients/servers appearing only at the
// drone-core's leaves.
func (c *Config) Validate() error {
	roles := make(map[core.NodeId]core.NodeRole)
	neighbors := make(map[core.NodeId][]core.NodeId)

	addNode := func(id uint8, role core.NodeRole) error {
		nid := core.NodeId(id)
		if _, dup := roles[nid]; dup {
			return fmt.Errorf("duplicate node id %d", id)
		}
		roles[nid] = role
		return nil
	}

	for _, d := range c.Drone {
		if d.Pdr < 0 || d.Pdr > 1 {
			return fmt.Errorf("drone %d: pdr %v out of [0,1]", d.ID, d.Pdr)
		}
		if err := addNode(d.ID, core.RoleDrone); err != nil {
			return err
		}
	}
	for _, cl := range c.Client {
		if len(cl.ConnectedNodeIDs) < 1 || len(cl.ConnectedNodeIDs) > 2 {
			return fmt.Errorf("client %d: must connect to 1 or 2 nodes, got %d", cl.ID, len(cl.ConnectedNodeIDs))
		}
		if err := addNode(cl.ID, core.RoleClient); err != nil {
			return err
		}
	}
	for _, s := range c.Server {
		if len(s.ConnectedNodeIDs) < 2 {
			return fmt.Errorf("server %d: must connect to at least 2 nodes, got %d", s.ID, len(s.ConnectedNodeIDs))
		}
		if err := addNode(s.ID, core.RoleServer); err != nil {
			return err
		}
	}

	record := func(a, b uint8) error {
		if a == b {
			return fmt.Errorf("self-edge on node %d", a)
		}
		neighbors[core.NodeId(a)] = append(neighbors[core.NodeId(a)], core.NodeId(b))
		return nil
	}

	for _, d := range c.Drone {
		for _, peer := range d.ConnectedNodeIDs {
			if err := record(d.ID, peer); err != nil {
				return err
			}
		}
	}
	for _, cl := range c.Client {
		for _, peer := range cl.ConnectedNodeIDs {
			if err := record(cl.ID, peer); err != nil {
				return err
			}
			if roles[core.NodeId(peer)] != core.RoleDrone {
				return fmt.Errorf("client %d: connected node %d must be a drone", cl.ID, peer)
			}
		}
	}
	for _, s := range c.Server {
		for _, peer := range s.ConnectedNodeIDs {
			if err := record(s.ID, peer); err != nil {
				return err
			}
			if roles[core.NodeId(peer)] != core.RoleDrone {
				return fmt.Errorf("server %d: connected node %d must be a drone", s.ID, peer)
			}
		}
	}

	for a, peers := range neighbors {
		for _, b := range peers {
			if _, ok := roles[b]; !ok {
				return fmt.Errorf("node %d references unknown node %d", a, b)
			}
			if !containsID(neighbors[b], a) {
				return fmt.Errorf("edge %d-%d is not bidirectional", a, b)
			}
		}
	}

	if !isConnected(roles, neighbors) {
		return fmt.Errorf("topology graph is not connected")
	}
	return nil
}

func containsID(ids []core.NodeId, target core.NodeId) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

func isConnected(roles map[core.NodeId]core.NodeRole, neighbors map[core.NodeId][]core.NodeId) bool {
	if len(roles) == 0 {
		return true
	}
	var start core.NodeId
	for id := range roles {
		start = id
		break
	}
	visited := map[core.NodeId]bool{start: true}
	queue := []core.NodeId{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range neighbors[cur] {
			if !visited[n] {
				visited[n] = true
				queue = append(queue, n)
			}
		}
	}
	return len(visited) == len(roles)
}
