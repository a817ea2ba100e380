package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/live-tours/internal/model"
)

// MemoryStore keeps every collection in process memory behind one mutex.
// Each method is a single critical section, which gives it the same
// compare-and-swap semantics as the conditional SQL updates.  It backs
// STORE=memory deployments and the service tests.
type MemoryStore struct {
	mu       sync.Mutex
	slots    map[string]*model.TourSlot
	bookings map[string]*model.Booking
	active   map[string]string // activeKey -> booking id
	streams  map[string]*model.StreamSession
	messages map[string]*model.ChatMessage
	profiles map[string]*model.IdentityProfile
	now      func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots:    make(map[string]*model.TourSlot),
		bookings: make(map[string]*model.Booking),
		active:   make(map[string]string),
		streams:  make(map[string]*model.StreamSession),
		messages: make(map[string]*model.ChatMessage),
		profiles: make(map[string]*model.IdentityProfile),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the store clock used for "start time in the future".
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) CreateSlots(ctx context.Context, slots []model.TourSlot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for i := range slots {
		for _, existing := range m.slots {
			if sameOccurrence(existing, &slots[i]) {
				return ErrSlotConflict
			}
		}
		for j := 0; j < i; j++ {
			if sameOccurrence(&slots[j], &slots[i]) {
				return ErrSlotConflict
			}
		}
	}
	for i := range slots {
		s := slots[i]
		s.StartTime = s.StartTime.UTC()
		s.EndTime = s.EndTime.UTC()
		s.BookedCount = 0
		s.IsAvailable = true
		s.CreatedAt, s.UpdatedAt = now, now
		m.slots[s.ID] = &s
	}
	return nil
}

func (m *MemoryStore) GetSlot(ctx context.Context, slotID string) (*model.TourSlot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[slotID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListAvailable(ctx context.Context, tourID string, from, to time.Time) ([]model.TourSlot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := []model.TourSlot{}
	for _, s := range m.slots {
		if s.TourID != tourID || !s.Bookable(now) {
			continue
		}
		if s.StartTime.Before(from) || !s.StartTime.Before(to) {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *MemoryStore) Reserve(ctx context.Context, tourID, slotID string) (*model.TourSlot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.reserveLocked(tourID, slotID)
	if err != nil {
		return nil, err
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Release(ctx context.Context, tourID, slotID string) (*model.TourSlot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.releaseLocked(tourID, slotID)
	if err != nil {
		return nil, err
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) reserveLocked(tourID, slotID string) (*model.TourSlot, error) {
	s, ok := m.slots[slotID]
	if !ok || s.TourID != tourID {
		return nil, ErrNotFound
	}
	now := m.now()
	if !s.Bookable(now) {
		return nil, ErrSlotConflict
	}
	s.BookedCount++
	s.IsAvailable = s.BookedCount < s.MaxParticipants
	s.UpdatedAt = now
	return s, nil
}

func (m *MemoryStore) releaseLocked(tourID, slotID string) (*model.TourSlot, error) {
	s, ok := m.slots[slotID]
	if !ok || s.TourID != tourID {
		return nil, ErrNotFound
	}
	if s.BookedCount == 0 {
		return nil, ErrInvalidTransition
	}
	now := m.now()
	s.BookedCount--
	s.IsAvailable = s.BookedCount < s.MaxParticipants && s.StartTime.After(now)
	s.UpdatedAt = now
	return s, nil
}

func (m *MemoryStore) CreateWithReservation(ctx context.Context, b *model.Booking) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[b.SlotID]
	if !ok || s.TourID != b.TourID {
		return ErrNotFound
	}
	key := activeKey(b.TourID, s.StartTime)
	if _, taken := m.active[key]; taken {
		return ErrSlotConflict
	}
	if _, err := m.reserveLocked(b.TourID, b.SlotID); err != nil {
		return err
	}
	b.GuideID = s.GuideID
	b.ScheduledAt = s.StartTime
	b.Duration = s.DurationMinutes()
	b.Status = model.BookingConfirmed

	cp := *b
	m.bookings[b.ID] = &cp
	m.active[key] = b.ID
	return nil
}

func (m *MemoryStore) FindBooking(ctx context.Context, bookingID string) (*model.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBooking(b), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]model.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Booking{}
	for _, b := range m.bookings {
		if b.UserID == userID {
			out = append(out, *copyBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	return out, nil
}

func (m *MemoryStore) Cancel(ctx context.Context, bookingID, reason string, at time.Time) (*model.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return nil, ErrNotFound
	}
	if b.Status != model.BookingConfirmed {
		return nil, ErrInvalidTransition
	}
	at = at.UTC()
	b.Status = model.BookingCancelled
	b.CancellationReason = &reason
	b.CancelledAt = &at
	b.UpdatedAt = at
	delete(m.active, activeKey(b.TourID, b.ScheduledAt))
	if _, err := m.releaseLocked(b.TourID, b.SlotID); err != nil && err != ErrInvalidTransition {
		return nil, err
	}
	return copyBooking(b), nil
}

func (m *MemoryStore) StartSession(ctx context.Context, bookingID, channel, streamToken string, at time.Time) (*model.Booking, *model.StreamSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if b.Status != model.BookingConfirmed {
		return nil, nil, ErrInvalidTransition
	}
	at = at.UTC()
	b.Status = model.BookingLive
	b.StreamRoomID = &channel
	b.StreamToken = &streamToken
	b.UpdatedAt = at

	s := &model.StreamSession{
		BookingID:   bookingID,
		ChannelName: channel,
		GuideID:     b.GuideID,
		TourID:      b.TourID,
		StartedAt:   at,
		Status:      model.StreamActive,
	}
	m.streams[bookingID] = s
	cs := *s
	return copyBooking(b), &cs, nil
}

func (m *MemoryStore) EndSession(ctx context.Context, bookingID string, at time.Time) (*model.Booking, *model.StreamSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if b.Status != model.BookingLive {
		return nil, nil, ErrInvalidTransition
	}
	at = at.UTC()
	b.Status = model.BookingCompleted
	b.UpdatedAt = at
	delete(m.active, activeKey(b.TourID, b.ScheduledAt))

	var out *model.StreamSession
	if s, ok := m.streams[bookingID]; ok {
		if s.Status == model.StreamActive {
			s.Status = model.StreamEnded
			s.EndedAt = &at
		}
		cs := *s
		out = &cs
	}
	return copyBooking(b), out, nil
}

func (m *MemoryStore) FindStreamSession(ctx context.Context, bookingID string) (*model.StreamSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[bookingID]
	if !ok {
		return nil, ErrNotFound
	}
	cs := *s
	return &cs, nil
}

func (m *MemoryStore) SetParticipantCount(ctx context.Context, bookingID string, count int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[bookingID]; ok && s.Status == model.StreamActive {
		s.ParticipantCount = count
	}
	return nil
}

func (m *MemoryStore) AppendChatMessage(ctx context.Context, msg *model.ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

func (m *MemoryStore) QueryChatMessages(ctx context.Context, bookingID string, limit int, before *ChatCursor) ([]model.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.ChatMessage{}
	for _, msg := range m.messages {
		if msg.BookingID != bookingID {
			continue
		}
		if before != nil && !before.Precedes(msg) {
			continue
		}
		out = append(out, *msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) FindChatMessage(ctx context.Context, messageID string) (*model.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *MemoryStore) DeleteChatMessage(ctx context.Context, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[messageID]; !ok {
		return ErrNotFound
	}
	delete(m.messages, messageID)
	return nil
}

func (m *MemoryStore) FindIdentityProfile(ctx context.Context, userID string) (*model.IdentityProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpsertIdentityProfile(ctx context.Context, p *model.IdentityProfile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.profiles[p.UserID] = &cp
	return nil
}

func copyBooking(b *model.Booking) *model.Booking {
	cp := *b
	return &cp
}

func sameOccurrence(a, b *model.TourSlot) bool {
	return a.TourID == b.TourID && a.GuideID == b.GuideID && a.StartTime.Equal(b.StartTime)
}
