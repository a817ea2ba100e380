// Package metrics holds the process-wide Prometheus collectors.  They are
// registered on the default registry and served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BookingsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_tours_bookings_created_total",
		Help: "Bookings confirmed",
	})

	BookingConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_tours_booking_conflicts_total",
		Help: "Booking attempts rejected because the slot was taken",
	})

	BookingsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_tours_bookings_cancelled_total",
		Help: "Bookings cancelled",
	})

	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_tours_session_transitions_total",
			Help: "Session lifecycle transitions by outcome",
		},
		[]string{"transition", "status"},
	)

	TokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_tours_tokens_issued_total",
			Help: "Media access tokens minted by role",
		},
		[]string{"role"},
	)

	ChatMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_tours_chat_messages_total",
			Help: "Chat messages persisted by kind",
		},
		[]string{"kind"},
	)

	Reactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_tours_reactions_total",
		Help: "Reactions relayed",
	})

	RejectedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_tours_room_rejected_events_total",
			Help: "Inbound room events rejected by reason",
		},
		[]string{"reason"},
	)

	DroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_tours_room_dropped_events_total",
		Help: "Outbound room events dropped because a connection buffer was full",
	})

	OpenRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "live_tours_open_rooms",
		Help: "Rooms with at least one participant",
	})

	Participants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "live_tours_room_participants",
		Help: "Participants connected across all rooms",
	})
)
