package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/live-tours/internal/metrics"
	"github.com/iliyamo/live-tours/internal/model"
	"github.com/iliyamo/live-tours/internal/repository"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultTypingTTL    = 3 * time.Second
	DefaultHistoryLimit = 100
	DefaultSendBuffer   = 64
)

// ErrNotJoined is returned for room events from a connection that is not
// a member of the addressed room.
var ErrNotJoined = errors.New("not joined to this room")

// BookingStore is the part of the booking repository rooms depend on.
type BookingStore interface {
	FindBooking(ctx context.Context, bookingID string) (*model.Booking, error)
	SetParticipantCount(ctx context.Context, bookingID string, count int) error
}

// Config tunes the coordinator.
type Config struct {
	TypingTTL    time.Duration
	HistoryLimit int
	SendBuffer   int
}

func (c Config) withDefaults() Config {
	if c.TypingTTL <= 0 {
		c.TypingTTL = DefaultTypingTTL
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	return c
}

// Coordinator owns every room.  The room table lock is held only to find
// or retire a room; everything else happens under the room's own lock so
// unrelated rooms never wait on each other.
type Coordinator struct {
	bookings BookingStore
	chat     repository.ChatRepository
	cfg      Config
	log      *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	rooms map[string]*room
}

type member struct {
	participant model.Participant
	conn        *Conn
}

type typingState struct {
	timer *time.Timer
	gen   uint64
}

type room struct {
	bookingID string
	guideID   string
	viewerID  string
	createdAt time.Time

	mu        sync.Mutex
	dead      bool
	live      bool
	members   map[string]*member
	typing    map[string]*typingState
	typingGen uint64
}

// NewCoordinator returns an empty Coordinator.
func NewCoordinator(bookings BookingStore, chat repository.ChatRepository, cfg Config, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		bookings: bookings,
		chat:     chat,
		cfg:      cfg.withDefaults(),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		rooms:    make(map[string]*room),
	}
}

// NewConn returns a connection using the configured send buffer.
func (c *Coordinator) NewConn(identity model.Identity) *Conn {
	return NewConn(identity, c.cfg.SendBuffer)
}

// Join attaches conn to the room of bookingID.  A second connection of
// the same user replaces the first.  The joiner receives the recent
// history; everyone receives the new roster.
func (c *Coordinator) Join(ctx context.Context, conn *Conn, bookingID string) error {
	const op = "realtime.coordinator.join"
	ident := conn.Identity()
	log := c.log.With(slog.String("op", op), slog.String("booking_id", bookingID), slog.String("user_id", ident.UserID))

	b, err := c.bookings.FindBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if prev := conn.Room(); prev != "" && prev != bookingID {
		_ = c.Leave(ctx, conn, prev)
	}

	r := c.lockRoom(b)
	defer r.mu.Unlock()
	if err := c.refreshLiveLocked(ctx, r); err != nil {
		log.Error("reload booking failed", slog.Any("error", err))
		c.retireIfEmptyLocked(r)
		return err
	}

	recent, err := c.chat.QueryChatMessages(ctx, bookingID, c.cfg.HistoryLimit, nil)
	if err != nil {
		log.Error("load history failed", slog.Any("error", err))
		c.retireIfEmptyLocked(r)
		return err
	}

	joinedAt := c.now()
	if old, ok := r.members[ident.UserID]; ok {
		if old.conn != conn {
			old.conn.clearRoom(bookingID)
			old.conn.enqueue(Outbound{Type: ErrorEvent, BookingID: bookingID, Data: ErrorPayload{
				Code: "replaced", Message: "this room was opened from another connection",
			}})
			log.Info("connection replaced", slog.String("previous", old.conn.ID()))
		}
		joinedAt = old.participant.JoinedAt
	} else {
		metrics.Participants.Inc()
	}
	r.members[ident.UserID] = &member{
		participant: model.Participant{
			UserID:       ident.UserID,
			UserName:     ident.Name,
			ConnectionID: conn.ID(),
			JoinedAt:     joinedAt,
			IsGuide:      ident.IsGuideOf(r.guideID),
		},
		conn: conn,
	}
	conn.setRoom(bookingID)

	history := make([]model.ChatMessage, len(recent))
	for i := range recent {
		history[len(recent)-1-i] = recent[i]
	}
	conn.enqueue(Outbound{Type: MessageHistory, BookingID: bookingID, Data: HistoryPayload{Messages: history}})
	c.broadcastRosterLocked(ctx, r)
	log.Debug("joined", slog.Int("participants", len(r.members)))
	return nil
}

// Leave detaches conn from the room of bookingID.  The last one out
// retires the room.
func (c *Coordinator) Leave(ctx context.Context, conn *Conn, bookingID string) error {
	r := c.lockExisting(bookingID)
	if r == nil {
		conn.clearRoom(bookingID)
		return ErrNotJoined
	}
	defer r.mu.Unlock()

	ident := conn.Identity()
	m, ok := r.members[ident.UserID]
	if !ok || m.conn != conn {
		conn.clearRoom(bookingID)
		return ErrNotJoined
	}
	delete(r.members, ident.UserID)
	conn.clearRoom(bookingID)
	metrics.Participants.Dec()
	c.stopTypingLocked(r, m.participant)

	if c.retireIfEmptyLocked(r) {
		c.persistCountLocked(ctx, r)
		return nil
	}
	c.broadcastRosterLocked(ctx, r)
	return nil
}

// Disconnect leaves the current room, if any, and closes conn.
func (c *Coordinator) Disconnect(conn *Conn) {
	if id := conn.Room(); id != "" {
		_ = c.Leave(context.Background(), conn, id)
	}
	conn.Close()
}

// Roster returns the current participants of bookingID.
func (c *Coordinator) Roster(bookingID string) Roster {
	r := c.lockExisting(bookingID)
	if r == nil {
		return Roster{Guides: []RosterEntry{}, Viewers: []RosterEntry{}}
	}
	defer r.mu.Unlock()
	return rosterLocked(r)
}

// OpenRooms reports how many rooms currently have participants.
func (c *Coordinator) OpenRooms() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rooms)
}

// lockRoom returns the room of b, creating it if needed, with its lock
// held.  A room retired between lookup and lock is skipped.
func (c *Coordinator) lockRoom(b *model.Booking) *room {
	for {
		c.mu.Lock()
		r, ok := c.rooms[b.ID]
		if !ok {
			r = &room{
				bookingID: b.ID,
				guideID:   b.GuideID,
				viewerID:  b.UserID,
				createdAt: c.now(),
				members:   make(map[string]*member),
				typing:    make(map[string]*typingState),
			}
			c.rooms[b.ID] = r
			metrics.OpenRooms.Inc()
		}
		c.mu.Unlock()

		r.mu.Lock()
		if !r.dead {
			return r
		}
		r.mu.Unlock()
	}
}

// lockExisting returns the live room of bookingID with its lock held, or
// nil.
func (c *Coordinator) lockExisting(bookingID string) *room {
	c.mu.Lock()
	r, ok := c.rooms[bookingID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	r.mu.Lock()
	if r.dead {
		r.mu.Unlock()
		return nil
	}
	return r
}

// refreshLiveLocked reloads the booking status under the room lock.  A
// session transition commits to the store before it notifies the room, so
// a status read here is never older than the last notification.
func (c *Coordinator) refreshLiveLocked(ctx context.Context, r *room) error {
	b, err := c.bookings.FindBooking(ctx, r.bookingID)
	if err != nil {
		return err
	}
	r.live = b.Status == model.BookingLive
	return nil
}

// memberLocked returns the locked room and the member record of conn, or
// ErrNotJoined.
func (c *Coordinator) memberLocked(conn *Conn, bookingID string) (*room, *member, error) {
	if conn.Room() != bookingID {
		return nil, nil, ErrNotJoined
	}
	r := c.lockExisting(bookingID)
	if r == nil {
		return nil, nil, ErrNotJoined
	}
	m, ok := r.members[conn.Identity().UserID]
	if !ok || m.conn != conn {
		r.mu.Unlock()
		return nil, nil, ErrNotJoined
	}
	return r, m, nil
}

// retireIfEmptyLocked removes an empty room from the table.  The caller
// holds r.mu; the table lock is taken after it, never before.
func (c *Coordinator) retireIfEmptyLocked(r *room) bool {
	if len(r.members) > 0 || r.dead {
		return r.dead
	}
	r.dead = true
	for uid, st := range r.typing {
		st.timer.Stop()
		delete(r.typing, uid)
	}
	c.mu.Lock()
	if c.rooms[r.bookingID] == r {
		delete(c.rooms, r.bookingID)
	}
	c.mu.Unlock()
	metrics.OpenRooms.Dec()
	return true
}

func (c *Coordinator) broadcastLocked(r *room, ev Outbound) {
	for _, m := range r.members {
		if !m.conn.enqueue(ev) {
			c.log.Debug("dropping room event",
				slog.String("booking_id", r.bookingID),
				slog.String("conn", m.conn.ID()),
				slog.String("type", string(ev.Type)))
		}
	}
}

func (c *Coordinator) broadcastRosterLocked(ctx context.Context, r *room) {
	c.broadcastLocked(r, Outbound{Type: ParticipantCount, BookingID: r.bookingID, Data: rosterLocked(r)})
	c.persistCountLocked(ctx, r)
}

func (c *Coordinator) persistCountLocked(ctx context.Context, r *room) {
	if err := c.bookings.SetParticipantCount(ctx, r.bookingID, len(r.members)); err != nil {
		c.log.Warn("persist participant count failed", slog.String("booking_id", r.bookingID), slog.Any("error", err))
	}
}

func rosterLocked(r *room) Roster {
	out := Roster{Count: len(r.members), Guides: []RosterEntry{}, Viewers: []RosterEntry{}}
	for _, m := range r.members {
		e := RosterEntry{UserID: m.participant.UserID, UserName: m.participant.UserName, JoinedAt: m.participant.JoinedAt}
		if m.participant.IsGuide {
			out.Guides = append(out.Guides, e)
		} else {
			out.Viewers = append(out.Viewers, e)
		}
	}
	byJoin := func(es []RosterEntry) {
		sort.Slice(es, func(i, j int) bool {
			if es[i].JoinedAt.Equal(es[j].JoinedAt) {
				return es[i].UserID < es[j].UserID
			}
			return es[i].JoinedAt.Before(es[j].JoinedAt)
		})
	}
	byJoin(out.Guides)
	byJoin(out.Viewers)
	return out
}
