// Package observability wires OpenTelemetry tracing and the Prometheus
// collectors of the messaging core.
//
// This file defines the core collectors. Label sets are closed enums
// (results, states, event types, close reasons) so cardinality stays bounded.
// The HTTP collectors live with the HTTP middleware.
package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// ActiveSessions gauges currently attached sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_sessions_active",
			Help: "Current number of attached client sessions.",
		},
	)

	// SessionsClosed counts session terminations by reason
	// (normal, protocol_violation, slow_consumer, shutdown, transport).
	SessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sessions_closed_total",
			Help: "Total number of closed sessions by reason.",
		},
		[]string{"reason"},
	)

	// EventsDropped counts outbound events shed under backpressure by event type.
	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_outbound_events_dropped_total",
			Help: "Total number of non-critical outbound events dropped under backpressure.",
		},
		[]string{"type"},
	)

	// Appends counts message appends by result (created, replay, conflict, error).
	Appends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_appends_total",
			Help: "Total number of message appends by result.",
		},
		[]string{"result"},
	)

	// SlotWait records how long appends waited for the per-conversation write slot.
	SlotWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_write_slot_wait_seconds",
			Help:    "Time spent waiting for the per-conversation write slot.",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// DeliveryTransitions counts delivery record transitions by target state.
	DeliveryTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_delivery_transitions_total",
			Help: "Total number of delivery record state transitions by target state.",
		},
		[]string{"state"},
	)

	// PresenceDemotions counts presence entries demoted by expiry or leave.
	PresenceDemotions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_presence_demotions_total",
			Help: "Total number of presence demotions by cause (ttl, leave).",
		},
		[]string{"cause"},
	)

	// NotifierPublishes counts push-notification handoffs by result.
	NotifierPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_push_notifications_total",
			Help: "Total number of push-notification handoffs by result.",
		},
		[]string{"result"},
	)

	// ContactRequests counts contact-request outcomes (sent, mutual,
	// accepted, rejected).
	ContactRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_contact_requests_total",
			Help: "Total number of contact-request transitions by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		ActiveSessions,
		SessionsClosed,
		EventsDropped,
		Appends,
		SlotWait,
		DeliveryTransitions,
		PresenceDemotions,
		NotifierPublishes,
		ContactRequests,
	)
}
