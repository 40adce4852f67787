// Command meshsim runs a simulated mesh network from a TOML topology
// file: a drone core forwarding source-routed packets between edge
// clients and servers, with flood-based discovery and a controller that
// enforces the network's connectivity invariants.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kabili207/meshcore-go/config"
	"github.com/kabili207/meshcore-go/core"
	"github.com/kabili207/meshcore-go/core/codec"
	"github.com/kabili207/meshcore-go/core/topology"
	"github.com/kabili207/meshcore-go/device/controller"
	"github.com/kabili207/meshcore-go/device/discovery"
	"github.com/kabili207/meshcore-go/device/drone"
	"github.com/kabili207/meshcore-go/device/endpoint"
	"github.com/kabili207/meshcore-go/device/fabric"
	"github.com/kabili207/meshcore-go/metrics"
	"github.com/kabili207/meshcore-go/telemetry"
)

// exitConfigError is the process exit code used when the topology file
// fails to load or validate.
const exitConfigError = 2

// pollInterval is how often an edge node's discovery initiator checks its
// in-flight floods for timeout.
const pollInterval = 100 * time.Millisecond

func main() {
	var (
		metricsAddr string
		mqttBroker  string
		seed        int64
	)

	root := &cobra.Command{
		Use:   "meshsim <config>",
		Short: "Run a simulated source-routed mesh network from a topology file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), runOptions{
				configPath:  args[0],
				metricsAddr: metricsAddr,
				mqttBroker:  mqttBroker,
				seed:        seed,
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.Flags()
	flags.StringVar(&metricsAddr, "metrics-addr", ":9090", "address to expose Prometheus metrics on")
	flags.StringVar(&mqttBroker, "mqtt-broker", "", "MQTT broker URL for telemetry (disabled if empty)")
	flags.Int64Var(&seed, "seed", 1, "base seed for drone packet-loss PRNGs")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		if cfgErr, ok := err.(*configLoadError); ok {
			slog.Error("failed to load topology", "error", cfgErr.err)
			os.Exit(exitConfigError)
		}
		slog.Error("simulation failed", "error", err)
		os.Exit(1)
	}
}

type configLoadError struct{ err error }

func (e *configLoadError) Error() string { return e.err.Error() }
func (e *configLoadError) Unwrap() error { return e.err }

type runOptions struct {
	configPath  string
	metricsAddr string
	mqttBroker  string
	seed        int64
}

// edgeNode bundles the pieces built for one edge (client/server) node: its
// local topology view, reliable-delivery endpoint, and discovery
// initiator all share the same local graph.
type edgeNode struct {
	id        core.NodeId
	role      core.NodeRole
	graph     *topology.Graph
	endpoint  *endpoint.Endpoint
	initiator *discovery.Initiator
}

func run(ctx context.Context, opts runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return &configLoadError{err: err}
	}

	logger := slog.Default()
	fab := fabric.New()

	metricsReg := metrics.New()
	telemetrySink, err := telemetry.New(telemetry.Config{BrokerURL: opts.mqttBroker, ClientID: "meshsim", Logger: logger})
	if err != nil {
		return fmt.Errorf("connecting telemetry sink: %w", err)
	}
	defer telemetrySink.Close()

	roles := make(map[core.NodeId]core.NodeRole)
	neighborsOf := make(map[core.NodeId][]core.NodeId)
	for _, d := range cfg.Drone {
		roles[core.NodeId(d.ID)] = core.RoleDrone
	}
	for _, c := range cfg.Client {
		roles[core.NodeId(c.ID)] = core.RoleClient
		for _, n := range c.ConnectedNodeIDs {
			neighborsOf[core.NodeId(c.ID)] = append(neighborsOf[core.NodeId(c.ID)], core.NodeId(n))
		}
	}
	for _, s := range cfg.Server {
		roles[core.NodeId(s.ID)] = core.RoleServer
		for _, n := range s.ConnectedNodeIDs {
			neighborsOf[core.NodeId(s.ID)] = append(neighborsOf[core.NodeId(s.ID)], core.NodeId(n))
		}
	}
	for _, d := range cfg.Drone {
		for _, n := range d.ConnectedNodeIDs {
			neighborsOf[core.NodeId(d.ID)] = append(neighborsOf[core.NodeId(d.ID)], core.NodeId(n))
		}
	}

	initiators := make(map[core.NodeId]*discovery.Initiator)
	ctrl := controller.New(controller.Config{
		Fabric: fab,
		Logger: logger,
		FloodRequired: func(id core.NodeId) {
			if init, ok := initiators[id]; ok {
				init.StartFlood(neighborsOf[id])
			}
		},
	})

	droneEvents := make(chan drone.Event, 256)
	endpointEvents := make(chan endpoint.Event, 256)

	for _, dc := range cfg.Drone {
		id := core.NodeId(dc.ID)
		d := drone.New(drone.Config{
			ID:     id,
			Pdr:    dc.Pdr,
			Fabric: fab,
			Events: droneEvents,
			Rand:   controller.RandomSeed(opts.seed, id),
			Logger: logger,
		})
		ctrl.RegisterDrone(id, d)
		for _, n := range dc.ConnectedNodeIDs {
			d.HandleCommand(drone.AddSender{Peer: core.NodeId(n)})
		}
		pkts, _ := fab.Register(id)
		go d.Run(ctx, pkts, make(chan drone.Command))
	}

	edges := make(map[core.NodeId]*edgeNode)
	buildEdge := func(id core.NodeId, role core.NodeRole) *edgeNode {
		g := topology.New()
		g.AddNode(id, role)
		for _, n := range neighborsOf[id] {
			g.AddNode(n, roles[n])
			g.AddLink(id, n)
		}

		ep := endpoint.New(endpoint.Config{
			ID:     id,
			Role:   role,
			Fabric: fab,
			Graph:  g,
			Deliver: func(originator core.NodeId, data []byte) {
				logger.Info("message delivered", "node", id, "from", originator, "bytes", len(data))
			},
			Flood: func(target core.NodeId) {
				if init, ok := initiators[id]; ok {
					init.StartFlood(neighborsOf[id])
				}
			},
			Events: endpointEvents,
			Logger: logger,
		})
		init := discovery.New(discovery.Config{ID: id, Role: role, Fabric: fab, Graph: g, Logger: logger})

		ctrl.RegisterEdge(id, role, ep)
		initiators[id] = init

		n := &edgeNode{id: id, role: role, graph: g, endpoint: ep, initiator: init}
		edges[id] = n
		return n
	}

	for _, cc := range cfg.Client {
		buildEdge(core.NodeId(cc.ID), core.RoleClient)
	}
	for _, sc := range cfg.Server {
		buildEdge(core.NodeId(sc.ID), core.RoleServer)
	}

	for _, n := range edges {
		pkts, shortcuts := fab.Register(n.id)
		n.endpoint.Start(ctx)
		go n.initiator.Run(ctx, pollInterval)
		go runEdgePump(ctx, n, pkts, shortcuts)
	}

	go pumpDroneEvents(ctx, ctrl, metricsReg, telemetrySink, droneEvents)
	go pumpEndpointEvents(ctx, metricsReg, telemetrySink, endpointEvents)

	go func() {
		if err := metricsReg.Serve(ctx, opts.metricsAddr); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	for _, n := range edges {
		n.initiator.StartFlood(neighborsOf[n.id])
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func runEdgePump(ctx context.Context, n *edgeNode, pkts <-chan *codec.Packet, shortcuts <-chan fabric.ShortcutEnvelope) {
	for {
		select {
		case env := <-shortcuts:
			if p, ok := env.Command.(*codec.Packet); ok {
				dispatchToEdge(n, p)
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case p := <-pkts:
			dispatchToEdge(n, p)
		case env := <-shortcuts:
			if p, ok := env.Command.(*codec.Packet); ok {
				dispatchToEdge(n, p)
			}
		}
	}
}

func dispatchToEdge(n *edgeNode, p *codec.Packet) {
	n.endpoint.HandlePacket(p)
	if p.Kind == codec.KindFloodResponse {
		n.initiator.HandleFloodResponse(p)
	}
}

func pumpDroneEvents(ctx context.Context, ctrl *controller.Controller, reg *metrics.Registry, sink *telemetry.Sink, events <-chan drone.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch e := ev.(type) {
			case drone.PacketSent:
				reg.ObservePacketSent(e.At, e.Kind)
				sink.PacketSent(e.At, e.To, e.Kind)
			case drone.PacketDropped:
				reg.ObservePacketDropped(e.At, e.Reason)
				sink.PacketDropped(e.At, e.Reason)
			case drone.ControllerShortcut:
				reg.ObserveShortcut()
				ctrl.DeliverShortcut(e)
				if len(e.Packet.Routing.Hops) > 0 {
					sink.ControllerShortcut(e.Packet.Routing.Hops[len(e.Packet.Routing.Hops)-1])
				}
			}
		}
	}
}

func pumpEndpointEvents(ctx context.Context, reg *metrics.Registry, sink *telemetry.Sink, events <-chan endpoint.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch e := ev.(type) {
			case endpoint.PacketSent:
				reg.ObservePacketSent(e.At, e.Kind)
				sink.PacketSent(e.At, e.To, e.Kind)
			case endpoint.PacketDropped:
				reg.ObservePacketDropped(e.At, e.Reason)
				sink.PacketDropped(e.At, e.Reason)
			}
		}
	}
}
