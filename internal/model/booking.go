package model

import "time"

// BookingStatus is the lifecycle state of a Booking.
type BookingStatus string

const (
	BookingConfirmed BookingStatus = "confirmed"
	BookingLive      BookingStatus = "live"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s BookingStatus) Terminal() bool {
	return s == BookingCompleted || s == BookingCancelled
}

// Active reports whether the status holds the (tour, scheduled_at) pair.
func (s BookingStatus) Active() bool {
	return s == BookingConfirmed || s == BookingLive
}

// Booking binds one viewer to one tour occurrence.  Status only moves
// confirmed → live → completed or confirmed → cancelled.
//
// Fields:
//
//	ID                 – surrogate identifier (uuid).
//	UserID             – viewer who made the booking.
//	TourID             – booked tour.
//	GuideID            – guide linked to the tour occurrence.
//	SlotID             – slot whose capacity this booking holds.
//	ScheduledAt        – start instant of the occurrence (UTC).
//	Timezone           – IANA zone the viewer booked in.
//	Duration           – length in minutes.
//	Status             – lifecycle state.
//	StreamRoomID       – media channel name once live (nullable).
//	StreamToken        – publisher credential minted on start (nullable).
//	CancellationReason – free text given on cancel (nullable).
//	CreatedAt          – creation timestamp.
//	UpdatedAt          – last update timestamp.
//	CancelledAt        – cancel timestamp (nullable).
type Booking struct {
	ID                 string        `json:"id"`
	UserID             string        `json:"user_id"`
	TourID             string        `json:"tour_id"`
	GuideID            string        `json:"guide_id"`
	SlotID             string        `json:"slot_id"`
	ScheduledAt        time.Time     `json:"scheduled_at"`
	Timezone           string        `json:"timezone"`
	Duration           int           `json:"duration"`
	Status             BookingStatus `json:"status"`
	StreamRoomID       *string       `json:"stream_room_id,omitempty"`
	StreamToken        *string       `json:"-"`
	CancellationReason *string       `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
}

// ChannelName returns the media channel for the booking: the stored
// stream room when present, otherwise the name derived from the id.
func (b *Booking) ChannelName() string {
	if b.StreamRoomID != nil && *b.StreamRoomID != "" {
		return *b.StreamRoomID
	}
	return ChannelNameFor(b.ID)
}

// ChannelNameFor derives the deterministic media channel name of a booking.
func ChannelNameFor(bookingID string) string {
	return "booking-" + bookingID
}
