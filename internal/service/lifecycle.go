package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/iliyamo/live-tours/internal/metrics"
	"github.com/iliyamo/live-tours/internal/model"
	"github.com/iliyamo/live-tours/internal/queue"
	"github.com/iliyamo/live-tours/internal/repository"
	"github.com/iliyamo/live-tours/internal/schedule"
	"github.com/iliyamo/live-tours/internal/token"
)

// MaxReasonLength bounds a cancellation reason in characters.
const MaxReasonLength = 500

// TokenIssuer mints media channel credentials.
type TokenIssuer interface {
	Issue(channel, subject string, role token.Role, ttl time.Duration) (token.AccessToken, error)
	AppID() string
}

// EventPublisher receives committed lifecycle transitions.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.LifecycleEvent) error
}

// RoomNotifier is told about session transitions so connected rooms can
// react.  Implementations must not block for long.
type RoomNotifier interface {
	SessionStarted(ctx context.Context, b *model.Booking)
	SessionEnded(ctx context.Context, b *model.Booking)
}

// SessionGrant is what the guide needs to start publishing.
type SessionGrant struct {
	Booking     *model.Booking       `json:"booking"`
	Session     *model.StreamSession `json:"session"`
	ChannelName string               `json:"channel_name"`
	Token       string               `json:"token"`
	AppID       string               `json:"app_id"`
	ExpiresAt   time.Time            `json:"expires_at"`
}

// ViewerCredential is a subscriber token for a live booking.
type ViewerCredential struct {
	ChannelName string    `json:"channel_name"`
	Token       string    `json:"token"`
	AppID       string    `json:"app_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Lifecycle owns the booking state machine
// confirmed -> live -> completed and confirmed -> cancelled.  Every
// transition is a conditional write in the store; this layer authorizes,
// mints tokens and announces what committed.
type Lifecycle struct {
	bookings repository.BookingRepository
	issuer   TokenIssuer
	events   EventPublisher
	rooms    RoomNotifier
	tokenTTL time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// LifecycleOption customizes a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithEvents sets the lifecycle event publisher.
func WithEvents(p EventPublisher) LifecycleOption { return func(l *Lifecycle) { l.events = p } }

// WithRooms sets the room notifier.
func WithRooms(n RoomNotifier) LifecycleOption { return func(l *Lifecycle) { l.rooms = n } }

// WithTokenTTL overrides token.DefaultTTL.
func WithTokenTTL(d time.Duration) LifecycleOption { return func(l *Lifecycle) { l.tokenTTL = d } }

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) LifecycleOption { return func(l *Lifecycle) { l.now = now } }

// NewLifecycle builds a Lifecycle.  issuer may be nil, in which case every
// token-minting operation fails with token.ErrConfiguration.
func NewLifecycle(bookings repository.BookingRepository, issuer TokenIssuer, log *slog.Logger, opts ...LifecycleOption) *Lifecycle {
	if log == nil {
		log = slog.Default()
	}
	l := &Lifecycle{
		bookings: bookings,
		issuer:   issuer,
		tokenTTL: token.DefaultTTL,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// CreateBooking reserves slotID for the viewer and records a confirmed
// booking in the same transaction.
func (l *Lifecycle) CreateBooking(ctx context.Context, viewer model.Identity, tourID, slotID, timezone string) (*model.Booking, error) {
	const op = "service.lifecycle.create_booking"
	log := l.log.With(slog.String("op", op), slog.String("tour_id", tourID), slog.String("slot_id", slotID))

	if tourID == "" || slotID == "" {
		return nil, fmt.Errorf("%w: tour id and slot id are required", ErrInvalidRequest)
	}
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := schedule.LoadLocation(timezone); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	now := l.now()
	b := &model.Booking{
		ID:        uuid.New().String(),
		UserID:    viewer.UserID,
		TourID:    tourID,
		SlotID:    slotID,
		Timezone:  timezone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.bookings.CreateWithReservation(ctx, b); err != nil {
		if errors.Is(err, repository.ErrSlotConflict) {
			metrics.BookingConflicts.Inc()
			log.Info("slot conflict", slog.String("user_id", viewer.UserID))
		}
		return nil, err
	}
	metrics.BookingsCreated.Inc()
	log.Info("booking confirmed", slog.String("booking_id", b.ID), slog.String("user_id", viewer.UserID))
	l.publish(ctx, queue.BookingConfirmed, b, viewer.UserID)
	return b, nil
}

// GetBooking returns a booking visible to actor: its viewer, its guide or
// an admin.
func (l *Lifecycle) GetBooking(ctx context.Context, actor model.Identity, bookingID string) (*model.Booking, error) {
	b, err := l.bookings.FindBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !canView(actor, b) {
		return nil, repository.ErrForbidden
	}
	return b, nil
}

// ListMine returns the bookings made by viewer.
func (l *Lifecycle) ListMine(ctx context.Context, viewer model.Identity) ([]model.Booking, error) {
	return l.bookings.ListByUser(ctx, viewer.UserID)
}

// Cancel moves a confirmed booking to cancelled and releases its slot.
// The booking's viewer, its guide and admins may cancel.
func (l *Lifecycle) Cancel(ctx context.Context, actor model.Identity, bookingID, reason string) (*model.Booking, error) {
	const op = "service.lifecycle.cancel"
	log := l.log.With(slog.String("op", op), slog.String("booking_id", bookingID))

	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) > MaxReasonLength {
		return nil, fmt.Errorf("%w: reason exceeds %d characters", ErrInvalidRequest, MaxReasonLength)
	}
	b, err := l.bookings.FindBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !canView(actor, b) {
		return nil, repository.ErrForbidden
	}
	cancelled, err := l.bookings.Cancel(ctx, bookingID, reason, l.now())
	if err != nil {
		log.Info("cancel rejected", slog.Any("error", err), slog.String("status", string(b.Status)))
		return nil, err
	}
	metrics.BookingsCancelled.Inc()
	log.Info("booking cancelled", slog.String("actor", actor.UserID))
	l.publish(ctx, queue.BookingCancelled, cancelled, actor.UserID)
	return cancelled, nil
}

// StartSession flips a confirmed booking to live.  Only the guide linked to
// the booking may start it.  The publisher token is minted before the
// conditional write and discarded if the write loses, so a retry on a live
// booking never hands out a second token.
func (l *Lifecycle) StartSession(ctx context.Context, guide model.Identity, bookingID string) (*SessionGrant, error) {
	const op = "service.lifecycle.start_session"
	log := l.log.With(slog.String("op", op), slog.String("booking_id", bookingID), slog.String("user_id", guide.UserID))

	b, err := l.bookings.FindBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !guide.IsGuideOf(b.GuideID) {
		log.Warn("start refused: not the booking's guide")
		metrics.SessionTransitions.WithLabelValues("start", "forbidden").Inc()
		return nil, repository.ErrForbidden
	}
	if b.Status != model.BookingConfirmed {
		metrics.SessionTransitions.WithLabelValues("start", "conflict").Inc()
		return nil, repository.ErrInvalidTransition
	}
	if l.issuer == nil {
		return nil, token.ErrConfiguration
	}

	channel := model.ChannelNameFor(b.ID)
	tok, err := l.issuer.Issue(channel, guide.UserID, token.Publisher, l.tokenTTL)
	if err != nil {
		log.Error("mint publisher token failed", slog.Any("error", err))
		return nil, err
	}

	live, session, err := l.bookings.StartSession(ctx, b.ID, channel, tok.Token, l.now())
	if err != nil {
		metrics.SessionTransitions.WithLabelValues("start", "conflict").Inc()
		log.Info("start lost the transition", slog.Any("error", err))
		return nil, err
	}
	metrics.SessionTransitions.WithLabelValues("start", "ok").Inc()
	metrics.TokensIssued.WithLabelValues(string(token.Publisher)).Inc()
	log.Info("session started", slog.String("channel", channel))

	l.publish(ctx, queue.SessionStarted, live, guide.UserID)
	if l.rooms != nil {
		l.rooms.SessionStarted(ctx, live)
	}
	return &SessionGrant{
		Booking:     live,
		Session:     session,
		ChannelName: channel,
		Token:       tok.Token,
		AppID:       tok.AppID,
		ExpiresAt:   tok.Exp,
	}, nil
}

// EndSession moves a live booking to completed.  A second call fails with
// repository.ErrInvalidTransition.
func (l *Lifecycle) EndSession(ctx context.Context, guide model.Identity, bookingID string) (*model.Booking, error) {
	const op = "service.lifecycle.end_session"
	log := l.log.With(slog.String("op", op), slog.String("booking_id", bookingID), slog.String("user_id", guide.UserID))

	b, err := l.bookings.FindBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !guide.IsGuideOf(b.GuideID) {
		log.Warn("end refused: not the booking's guide")
		metrics.SessionTransitions.WithLabelValues("end", "forbidden").Inc()
		return nil, repository.ErrForbidden
	}
	done, _, err := l.bookings.EndSession(ctx, b.ID, l.now())
	if err != nil {
		metrics.SessionTransitions.WithLabelValues("end", "conflict").Inc()
		return nil, err
	}
	metrics.SessionTransitions.WithLabelValues("end", "ok").Inc()
	log.Info("session ended")

	l.publish(ctx, queue.SessionEnded, done, guide.UserID)
	if l.rooms != nil {
		l.rooms.SessionEnded(ctx, done)
	}
	return done, nil
}

// IssueViewerCredential mints a subscriber token for a live booking.
// viewer may be nil for anonymous guests of a live session.
func (l *Lifecycle) IssueViewerCredential(ctx context.Context, bookingID string, viewer *model.Identity) (*ViewerCredential, error) {
	b, err := l.bookings.FindBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != model.BookingLive {
		return nil, ErrSessionNotActive
	}
	if l.issuer == nil {
		return nil, token.ErrConfiguration
	}
	subject := token.AnonymousSubject
	if viewer != nil && viewer.UserID != "" {
		subject = viewer.UserID
	}
	channel := b.ChannelName()
	tok, err := l.issuer.Issue(channel, subject, token.Subscriber, l.tokenTTL)
	if err != nil {
		return nil, err
	}
	metrics.TokensIssued.WithLabelValues(string(token.Subscriber)).Inc()
	return &ViewerCredential{ChannelName: channel, Token: tok.Token, AppID: tok.AppID, ExpiresAt: tok.Exp}, nil
}

// StreamSession returns the stream record of a booking.
func (l *Lifecycle) StreamSession(ctx context.Context, bookingID string) (*model.StreamSession, error) {
	return l.bookings.FindStreamSession(ctx, bookingID)
}

func (l *Lifecycle) publish(ctx context.Context, t queue.EventType, b *model.Booking, actorID string) {
	if l.events == nil {
		return
	}
	// Publishing never fails the request; the publisher logs its own errors.
	_ = l.events.Publish(context.WithoutCancel(ctx), queue.NewLifecycleEvent(t, b, actorID, l.now()))
}

func canView(actor model.Identity, b *model.Booking) bool {
	return actor.Role == model.RoleAdmin || actor.UserID == b.UserID || actor.IsGuideOf(b.GuideID)
}
