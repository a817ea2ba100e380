package repository

import (
	"context"
	"time"

	"github.com/iliyamo/live-tours/internal/model"
)

// SlotRepository owns the time-slot inventory.  Reserve and Release are
// single conditional writes against the store; callers never read the
// counter first.
type SlotRepository interface {
	CreateSlots(ctx context.Context, slots []model.TourSlot) error
	GetSlot(ctx context.Context, slotID string) (*model.TourSlot, error)
	ListAvailable(ctx context.Context, tourID string, from, to time.Time) ([]model.TourSlot, error)
	Reserve(ctx context.Context, tourID, slotID string) (*model.TourSlot, error)
	Release(ctx context.Context, tourID, slotID string) (*model.TourSlot, error)
}

// BookingRepository persists bookings and their stream sessions.  Every
// status change is a conditional update on the current status so retries
// and concurrent callers cannot apply a transition twice.
type BookingRepository interface {
	// CreateWithReservation reserves b.SlotID and inserts b in one
	// transaction.  GuideID, ScheduledAt and Duration are filled from the
	// slot.  It returns ErrSlotConflict when the slot is full or the
	// (tour, scheduled time) pair already has an active booking.
	CreateWithReservation(ctx context.Context, b *model.Booking) error
	FindBooking(ctx context.Context, bookingID string) (*model.Booking, error)
	ListByUser(ctx context.Context, userID string) ([]model.Booking, error)
	Cancel(ctx context.Context, bookingID, reason string, at time.Time) (*model.Booking, error)
	StartSession(ctx context.Context, bookingID, channel, streamToken string, at time.Time) (*model.Booking, *model.StreamSession, error)
	EndSession(ctx context.Context, bookingID string, at time.Time) (*model.Booking, *model.StreamSession, error)
	FindStreamSession(ctx context.Context, bookingID string) (*model.StreamSession, error)
	SetParticipantCount(ctx context.Context, bookingID string, count int) error
}

// ChatCursor is a position in a booking's chat history.  A page before it
// holds messages older than At, plus those stamped exactly At whose ID
// sorts below ID.  An empty ID selects messages strictly older than At.
type ChatCursor struct {
	At time.Time
	ID string
}

// Precedes reports whether msg sorts before the cursor in newest first
// order, that is whether it belongs to the next page.
func (c ChatCursor) Precedes(msg *model.ChatMessage) bool {
	if msg.Timestamp.Before(c.At) {
		return true
	}
	return c.ID != "" && msg.Timestamp.Equal(c.At) && msg.ID < c.ID
}

// ChatRepository stores room chat history.  QueryChatMessages returns the
// most recent messages first; callers reverse for display.
type ChatRepository interface {
	AppendChatMessage(ctx context.Context, msg *model.ChatMessage) error
	QueryChatMessages(ctx context.Context, bookingID string, limit int, before *ChatCursor) ([]model.ChatMessage, error)
	FindChatMessage(ctx context.Context, messageID string) (*model.ChatMessage, error)
	DeleteChatMessage(ctx context.Context, messageID string) error
}

// ProfileRepository resolves identity profiles and their guide links.
type ProfileRepository interface {
	FindIdentityProfile(ctx context.Context, userID string) (*model.IdentityProfile, error)
	UpsertIdentityProfile(ctx context.Context, p *model.IdentityProfile) error
}

// activeKey is the anti-double-booking key of a booking occurrence.
func activeKey(tourID string, scheduledAt time.Time) string {
	return tourID + "|" + scheduledAt.UTC().Format("2006-01-02 15:04:05")
}
