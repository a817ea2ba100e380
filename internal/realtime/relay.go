package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/iliyamo/live-tours/internal/metrics"
	"github.com/iliyamo/live-tours/internal/model"
	"github.com/iliyamo/live-tours/internal/repository"
	"github.com/iliyamo/live-tours/internal/service"
)

// MaxEmojiBytes bounds a reaction payload.
const MaxEmojiBytes = 16

const (
	systemUserID   = "system"
	systemUserName = "System"

	sessionStartedText = "The guide started the live tour"
	sessionEndedText   = "The live tour has ended"
)

// SendMessage persists body as a chat message and broadcasts it to the
// whole room, sender included.  The booking's viewer and guide may always
// write; while the session is live anyone in the room may.
func (c *Coordinator) SendMessage(ctx context.Context, conn *Conn, bookingID, body string) (*model.ChatMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" || utf8.RuneCountInString(body) > model.MaxMessageLength {
		return nil, service.ErrInvalidMessage
	}
	r, m, err := c.memberLocked(conn, bookingID)
	if err != nil {
		return nil, err
	}
	defer r.mu.Unlock()

	ident := conn.Identity()
	if !r.live && ident.UserID != r.viewerID && !ident.IsGuideOf(r.guideID) && ident.Role != model.RoleAdmin {
		return nil, repository.ErrForbidden
	}

	msg := &model.ChatMessage{
		ID:        uuid.New().String(),
		BookingID: bookingID,
		UserID:    ident.UserID,
		UserName:  m.participant.UserName,
		Body:      body,
		Kind:      model.MessageKindMessage,
		Timestamp: c.now().Truncate(time.Microsecond),
	}
	if err := c.chat.AppendChatMessage(ctx, msg); err != nil {
		return nil, err
	}
	metrics.ChatMessages.WithLabelValues(string(model.MessageKindMessage)).Inc()

	c.broadcastLocked(r, Outbound{Type: NewMessage, BookingID: bookingID, Data: msg})
	c.stopTypingLocked(r, m.participant)
	return msg, nil
}

// StartTyping marks the sender as typing.  Each call re-arms the sender's
// own expiry timer; when it fires a stop is broadcast on their behalf.
func (c *Coordinator) StartTyping(conn *Conn, bookingID string) error {
	r, m, err := c.memberLocked(conn, bookingID)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	p := m.participant
	r.typingGen++
	gen := r.typingGen
	st, typing := r.typing[p.UserID]
	if typing {
		st.timer.Stop()
	} else {
		st = &typingState{}
		r.typing[p.UserID] = st
		c.broadcastLocked(r, Outbound{Type: UserTyping, BookingID: bookingID, Data: TypingPayload{UserID: p.UserID, UserName: p.UserName}})
	}
	st.gen = gen
	st.timer = time.AfterFunc(c.cfg.TypingTTL, func() { c.expireTyping(r, p, gen) })
	return nil
}

// StopTyping clears the sender's typing state.  It is a no-op when the
// sender is not typing.
func (c *Coordinator) StopTyping(conn *Conn, bookingID string) error {
	r, m, err := c.memberLocked(conn, bookingID)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()
	c.stopTypingLocked(r, m.participant)
	return nil
}

func (c *Coordinator) expireTyping(r *room, p model.Participant, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return
	}
	st, ok := r.typing[p.UserID]
	if !ok || st.gen != gen {
		return
	}
	delete(r.typing, p.UserID)
	c.broadcastLocked(r, Outbound{Type: UserStoppedTyping, BookingID: r.bookingID, Data: TypingPayload{UserID: p.UserID, UserName: p.UserName}})
}

func (c *Coordinator) stopTypingLocked(r *room, p model.Participant) {
	st, ok := r.typing[p.UserID]
	if !ok {
		return
	}
	st.timer.Stop()
	delete(r.typing, p.UserID)
	c.broadcastLocked(r, Outbound{Type: UserStoppedTyping, BookingID: r.bookingID, Data: TypingPayload{UserID: p.UserID, UserName: p.UserName}})
}

// SendReaction relays an emoji to the whole room.  Nothing is persisted.
func (c *Coordinator) SendReaction(conn *Conn, bookingID, emoji string) (*Reaction, error) {
	if !validEmoji(emoji) {
		return nil, service.ErrInvalidMessage
	}
	r, m, err := c.memberLocked(conn, bookingID)
	if err != nil {
		return nil, err
	}
	defer r.mu.Unlock()

	rx := &Reaction{
		ID:        uuid.New().String(),
		UserID:    m.participant.UserID,
		UserName:  m.participant.UserName,
		Emoji:     emoji,
		Timestamp: c.now().UnixMilli(),
	}
	metrics.Reactions.Inc()
	c.broadcastLocked(r, Outbound{Type: NewReaction, BookingID: bookingID, Data: rx})
	return rx, nil
}

func validEmoji(s string) bool {
	if len(s) == 0 || len(s) > MaxEmojiBytes || !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// DeleteMessage removes a message of this room.  Authors may delete their
// own messages; the booking's guide and admins may delete any.
func (c *Coordinator) DeleteMessage(ctx context.Context, conn *Conn, bookingID, messageID string) error {
	r, _, err := c.memberLocked(conn, bookingID)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	msg, err := c.chat.FindChatMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.BookingID != bookingID {
		return repository.ErrNotFound
	}
	ident := conn.Identity()
	own := msg.Kind == model.MessageKindMessage && msg.UserID == ident.UserID
	if !own && !ident.IsGuideOf(r.guideID) && ident.Role != model.RoleAdmin {
		return repository.ErrForbidden
	}
	if err := c.chat.DeleteChatMessage(ctx, messageID); err != nil {
		return err
	}
	c.broadcastLocked(r, Outbound{Type: MessageDeleted, BookingID: bookingID, Data: DeletedPayload{MessageID: messageID}})
	return nil
}

// History pages chat history of bookingID, returned oldest first.
func (c *Coordinator) History(ctx context.Context, bookingID string, limit int, before *repository.ChatCursor) ([]model.ChatMessage, error) {
	if limit <= 0 || limit > c.cfg.HistoryLimit {
		limit = c.cfg.HistoryLimit
	}
	recent, err := c.chat.QueryChatMessages(ctx, bookingID, limit, before)
	if err != nil {
		return nil, err
	}
	out := make([]model.ChatMessage, len(recent))
	for i := range recent {
		out[len(recent)-1-i] = recent[i]
	}
	return out, nil
}

// SessionStarted records a system message and opens the room's chat to
// every participant.
func (c *Coordinator) SessionStarted(ctx context.Context, b *model.Booking) {
	c.postSystem(ctx, b, sessionStartedText, false)
}

// SessionEnded records a system message and tells the room the broadcast
// is over.
func (c *Coordinator) SessionEnded(ctx context.Context, b *model.Booking) {
	c.postSystem(ctx, b, sessionEndedText, true)
}

func (c *Coordinator) postSystem(ctx context.Context, b *model.Booking, text string, ended bool) {
	const op = "realtime.coordinator.system_message"
	log := c.log.With(slog.String("op", op), slog.String("booking_id", b.ID))

	r := c.lockExisting(b.ID)
	if r != nil {
		defer r.mu.Unlock()
		if err := c.refreshLiveLocked(ctx, r); err != nil {
			log.Warn("reload booking failed", slog.Any("error", err))
			r.live = b.Status == model.BookingLive
		}
	}

	now := c.now().Truncate(time.Microsecond)
	msg := &model.ChatMessage{
		ID:        uuid.New().String(),
		BookingID: b.ID,
		UserID:    systemUserID,
		UserName:  systemUserName,
		Body:      text,
		Kind:      model.MessageKindSystem,
		Timestamp: now,
	}
	if err := c.chat.AppendChatMessage(ctx, msg); err != nil {
		log.Error("persist system message failed", slog.Any("error", err))
	} else {
		metrics.ChatMessages.WithLabelValues(string(model.MessageKindSystem)).Inc()
		if r != nil {
			c.broadcastLocked(r, Outbound{Type: NewMessage, BookingID: b.ID, Data: msg})
		}
	}
	if ended && r != nil {
		c.broadcastLocked(r, Outbound{Type: SessionEnded, BookingID: b.ID, Data: SessionEndedPayload{EndedAt: now}})
	}
}

// Handle decodes and dispatches one inbound frame.  A rejected event is
// answered with an error event to conn alone; it never affects the room.
func (c *Coordinator) Handle(ctx context.Context, conn *Conn, raw []byte) {
	in, err := DecodeInbound(raw)
	if err != nil {
		c.reject(conn, Inbound{}, err)
		return
	}
	switch in.Type {
	case JoinRoom:
		err = c.Join(ctx, conn, in.BookingID)
	case LeaveRoom:
		err = c.Leave(ctx, conn, in.BookingID)
	case SendMessage:
		_, err = c.SendMessage(ctx, conn, in.BookingID, in.Body)
	case TypingStart:
		err = c.StartTyping(conn, in.BookingID)
	case TypingStop:
		err = c.StopTyping(conn, in.BookingID)
	case SendReaction:
		_, err = c.SendReaction(conn, in.BookingID, in.Emoji)
	case DeleteMessage:
		err = c.DeleteMessage(ctx, conn, in.BookingID, in.MessageID)
	}
	if err != nil {
		c.reject(conn, in, err)
	}
}

func (c *Coordinator) reject(conn *Conn, in Inbound, err error) {
	code, msg := rejection(err)
	metrics.RejectedEvents.WithLabelValues(code).Inc()
	level := slog.LevelDebug
	if code == "internal" {
		level = slog.LevelError
	}
	c.log.Log(context.Background(), level, "room event rejected",
		slog.String("conn", conn.ID()),
		slog.String("user_id", conn.Identity().UserID),
		slog.String("event", string(in.Type)),
		slog.String("code", code),
		slog.Any("error", err))
	conn.enqueue(Outbound{Type: ErrorEvent, BookingID: in.BookingID, Data: ErrorPayload{Code: code, Message: msg, Event: in.Type}})
}

func rejection(err error) (code, message string) {
	switch {
	case errors.Is(err, ErrMalformedEvent):
		return "malformed_event", err.Error()
	case errors.Is(err, service.ErrInvalidMessage):
		return "invalid_message", "messages must be 1 to 500 characters and reactions a single emoji"
	case errors.Is(err, ErrNotJoined):
		return "not_joined", "join the room before sending events to it"
	case errors.Is(err, repository.ErrNotFound):
		return "not_found", "booking or message not found"
	case errors.Is(err, repository.ErrForbidden):
		return "forbidden", "you are not allowed to do that in this room"
	}
	return "internal", "the event could not be processed"
}
