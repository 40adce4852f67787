// Package telemetry publishes controller events to an MQTT broker as JSON,
// for external observability tooling that wants a live feed of a running
// simulation without polling the metrics endpoint.
//
// This corresponds to the teacher's transport/mqtt package, which carries
// actual mesh packets over MQTT as the node-to-node transport; here the
// same client is repurposed as a one-way telemetry sink publishing
// human-readable event records rather than wire packets, since real
// networking between simulated nodes is out of scope.
package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kabili207/meshcore-go/core"
	"github.com/kabili207/meshcore-go/core/codec"
)

// TopicPrefix is the base MQTT topic events are published under; the full
// topic is TopicPrefix + "/" + node id.
const TopicPrefix = "meshsim/events"

// EventRecord is the JSON envelope published for every controller event.
type EventRecord struct {
	Node   core.NodeId `json:"node"`
	Kind   string      `json:"kind"`
	Detail string      `json:"detail,omitempty"`
}

// Sink publishes EventRecords to an MQTT broker. A Sink with no client (as
// returned by New when BrokerURL is empty) silently discards everything, so
// telemetry can be disabled without branching at every call site.
type Sink struct {
	client mqtt.Client
	log    *slog.Logger
}

// Config configures a Sink.
type Config struct {
	// BrokerURL, e.g. "tcp://localhost:1883". Empty disables telemetry.
	BrokerURL string
	ClientID  string
	Logger    *slog.Logger
}

// New connects to the configured broker and returns a Sink. If
// cfg.BrokerURL is empty, returns a no-op Sink that never dials out.
func New(cfg Config) (*Sink, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BrokerURL == "" {
		return &Sink{log: logger.WithGroup("telemetry")}, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("telemetry: connect to %s: %w", cfg.BrokerURL, tok.Error())
	}

	return &Sink{client: client, log: logger.WithGroup("telemetry")}, nil
}

// Publish sends rec to meshsim/events/<node>. A publish failure is logged
// and swallowed — telemetry is best-effort and must never block or fail a
// simulation run.
func (s *Sink) Publish(rec EventRecord) {
	if s.client == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		s.log.Warn("failed to marshal telemetry event", "error", err)
		return
	}
	topic := fmt.Sprintf("%s/%d", TopicPrefix, rec.Node)
	tok := s.client.Publish(topic, 0, false, payload)
	if !tok.WaitTimeout(time.Second) {
		s.log.Warn("telemetry publish timed out", "topic", topic)
		return
	}
	if err := tok.Error(); err != nil {
		s.log.Warn("telemetry publish failed", "topic", topic, "error", err)
	}
}

// PacketSent builds and publishes a packet-sent record.
func (s *Sink) PacketSent(at, to core.NodeId, kind codec.Kind) {
	s.Publish(EventRecord{Node: at, Kind: "packet_sent", Detail: fmt.Sprintf("to=%d kind=%s", to, codec.KindName(kind))})
}

// PacketDropped builds and publishes a packet-dropped record.
func (s *Sink) PacketDropped(at core.NodeId, reason string) {
	s.Publish(EventRecord{Node: at, Kind: "packet_dropped", Detail: reason})
}

// ControllerShortcut builds and publishes a controller-shortcut record.
func (s *Sink) ControllerShortcut(dest core.NodeId) {
	s.Publish(EventRecord{Node: dest, Kind: "controller_shortcut"})
}

// Close disconnects the underlying MQTT client, if any.
func (s *Sink) Close() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}
