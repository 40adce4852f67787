// Package discovery implements the flood-based topology discovery protocol
// run by an edge node: broadcasting a FloodRequest to every neighbor,
// aggregating FloodResponse path traces as they arrive, and finalizing the
// in-progress record after a fixed timeout.
//
// This corresponds to the teacher's core/advert package's scheduler, which
// tracks one in-flight advertisement per interval and reaps it when its
// timer fires; the same "start a timed record, accumulate arrivals,
// finalize on expiry" shape is repurposed here for flood aggregation
// instead of periodic self-advertisement.
package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/meshcore-go/core"
	"github.com/kabili207/meshcore-go/core/clock"
	"github.com/kabili207/meshcore-go/core/codec"
	"github.com/kabili207/meshcore-go/core/topology"
	"github.com/kabili207/meshcore-go/device/fabric"
)

// Timeout is the fixed window a flood stays open for response aggregation
// before being finalized, per the discovery protocol.
const Timeout = 2000 * time.Millisecond

type activeFlood struct {
	startedAt time.Time
	responses []codec.FloodResponse
}

// Initiator runs flood broadcasts from one edge node and folds every
// response's path trace into a topology.Graph, both as responses arrive and
// again at timeout finalization.
type Initiator struct {
	id      core.NodeId
	role    core.NodeRole
	fabric  *fabric.Fabric
	graph   *topology.Graph
	alloc   *clock.FloodAllocator
	log     *slog.Logger
	onTimer func() time.Time // overridable for testing

	mu     sync.Mutex
	active map[core.FloodID]*activeFlood
}

// Config configures an Initiator.
type Config struct {
	ID     core.NodeId
	Role   core.NodeRole
	Fabric *fabric.Fabric
	Graph  *topology.Graph
	Logger *slog.Logger
}

// New creates an Initiator.
func New(cfg Config) *Initiator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Initiator{
		id:      cfg.ID,
		role:    cfg.Role,
		fabric:  cfg.Fabric,
		graph:   cfg.Graph,
		alloc:   clock.NewFloodAllocator(),
		log:     logger.WithGroup("discovery").With("node", cfg.ID),
		onTimer: time.Now,
		active:  make(map[core.FloodID]*activeFlood),
	}
}

// StartFlood allocates a flood id, records an in-progress entry, and
// broadcasts a FloodRequest to every currently reachable neighbor. The
// neighbor set is the caller-supplied neighbors list, pruned against the
// fabric's live sender registry.
func (i *Initiator) StartFlood(neighbors []core.NodeId) core.FloodID {
	id := i.alloc.Next()

	i.mu.Lock()
	i.active[id] = &activeFlood{startedAt: i.onTimer()}
	i.mu.Unlock()

	req := codec.NewFloodRequest(uint64(id), i.id, i.role)
	for _, n := range neighbors {
		if !i.fabric.Has(n) {
			continue
		}
		_ = i.fabric.Send(n, req)
	}
	return id
}

// HandleFloodResponse attaches resp to its flood's in-progress record and
// immediately ingests its path trace into the graph, so late or
// out-of-order responses still enrich knowledge even if the flood has
// already timed out.
func (i *Initiator) HandleFloodResponse(p *codec.Packet) {
	resp := p.FloodResp
	floodID := core.FloodID(resp.FloodID)

	i.mu.Lock()
	if rec, ok := i.active[floodID]; ok {
		rec.responses = append(rec.responses, *resp)
	}
	i.mu.Unlock()

	topology.IngestPathTrace(i.graph, resp.PathTrace)
}

// Poll checks every active flood against Timeout and finalizes any that
// have expired: a last ingest pass over their accumulated responses,
// followed by removing the record. Meant to be called cooperatively from
// the owning node's event loop, matching the spec's "timers are
// cooperatively polled each iteration; there is no preemption" model.
func (i *Initiator) Poll() {
	now := i.onTimer()

	i.mu.Lock()
	var expired []core.FloodID
	for id, rec := range i.active {
		if now.Sub(rec.startedAt) >= Timeout {
			expired = append(expired, id)
		}
	}
	records := make([]*activeFlood, 0, len(expired))
	for _, id := range expired {
		records = append(records, i.active[id])
		delete(i.active, id)
	}
	i.mu.Unlock()

	for _, rec := range records {
		for _, resp := range rec.responses {
			topology.IngestPathTrace(i.graph, resp.PathTrace)
		}
	}
}

// ActiveCount returns the number of floods still awaiting timeout.
func (i *Initiator) ActiveCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.active)
}

// Run polls for flood timeouts on a fixed cadence until ctx is cancelled.
// interval should be small relative to Timeout (e.g. 100ms) so expiry is
// detected promptly without busy-looping.
func (i *Initiator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.Poll()
		}
	}
}
