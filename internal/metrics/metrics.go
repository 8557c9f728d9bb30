// Package metrics holds the Prometheus collectors for the chat client and the
// development backend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "livechat"

// Client groups the collectors updated by the client-side components.
type Client struct {
	StateTransitions  *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	InboundMessages   *prometheus.CounterVec
	ParseErrors       prometheus.Counter
	HandlerPanics     prometheus.Counter
	Deliveries        *prometheus.CounterVec
	FallbackFailures  prometheus.Counter
	AckTimeouts       prometheus.Counter
}

// NewClient creates the client collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewClient(reg prometheus.Registerer) *Client {
	f := promauto.With(reg)
	return &Client{
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "state_transitions_total",
			Help:      "Channel state transitions by target state.",
		}, []string{"state"}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled after a failure or unexpected close.",
		}),
		InboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "inbound_messages_total",
			Help:      "Inbound frames by type.",
		}, []string{"type"}),
		ParseErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "parse_errors_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		}),
		HandlerPanics: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "handler_panics_total",
			Help:      "Handler invocations that panicked and were recovered.",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "sends_total",
			Help:      "Outgoing messages by delivery mode.",
		}, []string{"mode"}),
		FallbackFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "fallback_failures_total",
			Help:      "REST fallback sends that failed.",
		}),
		AckTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "ack_timeouts_total",
			Help:      "Channel sends whose echo did not arrive in time.",
		}),
	}
}

// Server groups the development backend collectors.
type Server struct {
	ConnectedClients prometheus.Gauge
	StoredMessages   *prometheus.CounterVec
	RejectedFrames   prometheus.Counter
}

// NewServer creates the backend collectors and registers them with reg.
func NewServer(reg prometheus.Registerer) *Server {
	f := promauto.With(reg)
	return &Server{
		ConnectedClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devserver",
			Name:      "connected_clients",
			Help:      "WebSocket clients currently connected.",
		}),
		StoredMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devserver",
			Name:      "messages_stored_total",
			Help:      "Messages accepted by transport.",
		}, []string{"transport"}),
		RejectedFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devserver",
			Name:      "rejected_frames_total",
			Help:      "Inbound frames answered with an error.",
		}),
	}
}
