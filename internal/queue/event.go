// Package queue defines the lifecycle messages exchanged over RabbitMQ and
// the publisher and audit consumer that move them.
package queue

import (
	"time"

	"github.com/iliyamo/live-tours/internal/model"
)

// LifecycleQueue is the durable queue every lifecycle event is routed to.
const LifecycleQueue = "tour.lifecycle"

// EventType names a booking or session transition.
type EventType string

const (
	BookingConfirmed EventType = "booking.confirmed"
	BookingCancelled EventType = "booking.cancelled"
	SessionStarted   EventType = "session.started"
	SessionEnded     EventType = "session.ended"
)

// LifecycleEvent is published after a transition commits.  It carries
// enough of the booking for consumers to log or notify without querying
// the primary store.
type LifecycleEvent struct {
	Type        EventType `json:"type"`
	BookingID   string    `json:"booking_id"`
	UserID      string    `json:"user_id"`
	TourID      string    `json:"tour_id"`
	GuideID     string    `json:"guide_id"`
	SlotID      string    `json:"slot_id"`
	ScheduledAt string    `json:"scheduled_at"`
	Status      string    `json:"status"`
	Channel     string    `json:"channel,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	ActorID     string    `json:"actor_id,omitempty"`
	OccurredAt  string    `json:"occurred_at"`
}

// NewLifecycleEvent snapshots b for the given transition.
func NewLifecycleEvent(t EventType, b *model.Booking, actorID string, at time.Time) LifecycleEvent {
	ev := LifecycleEvent{
		Type:        t,
		BookingID:   b.ID,
		UserID:      b.UserID,
		TourID:      b.TourID,
		GuideID:     b.GuideID,
		SlotID:      b.SlotID,
		ScheduledAt: b.ScheduledAt.UTC().Format(time.RFC3339),
		Status:      string(b.Status),
		ActorID:     actorID,
		OccurredAt:  at.UTC().Format(time.RFC3339),
	}
	if b.StreamRoomID != nil {
		ev.Channel = *b.StreamRoomID
	}
	if b.CancellationReason != nil {
		ev.Reason = *b.CancellationReason
	}
	return ev
}
