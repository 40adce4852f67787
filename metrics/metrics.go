// Package metrics wraps the controller's event stream in a Prometheus
// registry, exposing packet and forwarding counters on an HTTP endpoint for
// a running simulation.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kabili207/meshcore-go/core"
	"github.com/kabili207/meshcore-go/core/codec"
)

// Registry holds the simulation's Prometheus collectors and the HTTP
// server that exposes them.
type Registry struct {
	reg *prometheus.Registry

	packetsSent    *prometheus.CounterVec
	packetsDropped *prometheus.CounterVec
	shortcuts      prometheus.Counter
	activeSessions prometheus.Gauge
}

// New creates a Registry with the counters pre-registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshsim",
			Name:      "packets_sent_total",
			Help:      "Packets successfully handed to the fabric, by node and packet kind.",
		}, []string{"node", "kind"}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshsim",
			Name:      "packets_dropped_total",
			Help:      "Packets rejected or stochastically dropped, by node and reason.",
		}, []string{"node", "reason"}),
		shortcuts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshsim",
			Name:      "controller_shortcuts_total",
			Help:      "Control packets rescued via the controller shortcut path.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshsim",
			Name:      "active_sessions",
			Help:      "Outbound sessions currently awaiting full acknowledgement, summed across nodes.",
		}),
	}

	reg.MustRegister(r.packetsSent, r.packetsDropped, r.shortcuts, r.activeSessions)
	return r
}

// ObservePacketSent increments the sent counter for at/kind.
func (r *Registry) ObservePacketSent(at core.NodeId, kind codec.Kind) {
	r.packetsSent.WithLabelValues(at.String(), codec.KindName(kind)).Inc()
}

// ObservePacketDropped increments the dropped counter for at/reason.
func (r *Registry) ObservePacketDropped(at core.NodeId, reason string) {
	r.packetsDropped.WithLabelValues(at.String(), reason).Inc()
}

// ObserveShortcut increments the controller-shortcut counter.
func (r *Registry) ObserveShortcut() {
	r.shortcuts.Inc()
}

// SetActiveSessions overwrites the active-session gauge.
func (r *Registry) SetActiveSessions(n int) {
	r.activeSessions.Set(float64(n))
}

// Serve starts an HTTP server exposing /metrics on addr. Blocks until ctx
// is cancelled or the server fails to start.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
