package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadValidLineTopology(t *testing.T) {
	path := writeTemp(t, `
[[drone]]
id = 2
pdr = 0.1
connected_node_ids = [1, 3, 4]

[[drone]]
id = 3
pdr = 0.1
connected_node_ids = [2, 4]

[[client]]
id = 1
connected_node_ids = [2]

[[server]]
id = 4
connected_node_ids = [3, 2]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Drone) != 2 || len(cfg.Client) != 1 || len(cfg.Server) != 1 {
		t.Fatalf("unexpected parsed shape: %+v", cfg)
	}
}

func TestLoadRejectsDuplicateID(t *testing.T) {
	path := writeTemp(t, `
[[drone]]
id = 2
pdr = 0.1
connected_node_ids = [3]

[[drone]]
id = 2
pdr = 0.1
connected_node_ids = [3]

[[drone]]
id = 3
pdr = 0.1
connected_node_ids = [2]
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for duplicate node id")
	}
}

func TestLoadRejectsSelfEdge(t *testing.T) {
	path := writeTemp(t, `
[[drone]]
id = 2
pdr = 0.1
connected_node_ids = [2]
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for self-edge")
	}
}

func TestLoadRejectsAsymmetricEdge(t *testing.T) {
	path := writeTemp(t, `
[[drone]]
id = 2
pdr = 0.1
connected_node_ids = [3]

[[drone]]
id = 3
pdr = 0.1
connected_node_ids = []
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for asymmetric edge")
	}
}

func TestLoadRejectsDisconnectedGraph(t *testing.T) {
	path := writeTemp(t, `
[[drone]]
id = 2
pdr = 0.1
connected_node_ids = [3]

[[drone]]
id = 3
pdr = 0.1
connected_node_ids = [2]

[[drone]]
id = 5
pdr = 0.1
connected_node_ids = [6]

[[drone]]
id = 6
pdr = 0.1
connected_node_ids = [5]
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for disconnected graph")
	}
}

func TestLoadRejectsClientClientEdge(t *testing.T) {
	path := writeTemp(t, `
[[drone]]
id = 3
pdr = 0.1
connected_node_ids = [1]

[[client]]
id = 1
connected_node_ids = [3]

[[client]]
id = 4
connected_node_ids = [1]
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for a client connected to a non-drone")
	}
}

func TestLoadRejectsClientWithThreeNeighbors(t *testing.T) {
	path := writeTemp(t, `
[[drone]]
id = 2
pdr = 0.1
connected_node_ids = [1]

[[drone]]
id = 3
pdr = 0.1
connected_node_ids = [1]

[[drone]]
id = 4
pdr = 0.1
connected_node_ids = [1]

[[client]]
id = 1
connected_node_ids = [2, 3, 4]
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for a client with more than 2 neighbors")
	}
}

func TestLoadRejectsServerWithOneNeighbor(t *testing.T) {
	path := writeTemp(t, `
[[drone]]
id = 2
pdr = 0.1
connected_node_ids = [1]

[[server]]
id = 1
connected_node_ids = [2]
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for a server with fewer than 2 neighbors")
	}
}

func TestLoadRejectsPdrOutOfRange(t *testing.T) {
	path := writeTemp(t, `
[[drone]]
id = 2
pdr = 1.5
connected_node_ids = []
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for pdr out of range")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
