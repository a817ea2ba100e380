package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/live-tours/internal/model"
)

func seedSlot(t *testing.T, m *MemoryStore, id string, capacity int, start time.Time) {
	t.Helper()
	require.NoError(t, m.CreateSlots(context.Background(), []model.TourSlot{{
		ID:              id,
		TourID:          "tour-1",
		GuideID:         "guide-a",
		StartTime:       start,
		EndTime:         start.Add(90 * time.Minute),
		MaxParticipants: capacity,
	}}))
}

func TestMemoryStore_ReserveSingleSeatUnderContention(t *testing.T) {
	m := NewMemoryStore()
	seedSlot(t, m, "slot-1", 1, time.Now().Add(24*time.Hour))

	const workers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Reserve(context.Background(), "tour-1", "slot-1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case err == ErrSlotConflict:
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, conflicts)

	s, err := m.GetSlot(context.Background(), "slot-1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.BookedCount)
	assert.False(t, s.IsAvailable)
}

func TestMemoryStore_ReserveCapacityTwoThreeCallers(t *testing.T) {
	m := NewMemoryStore()
	seedSlot(t, m, "slot-2", 2, time.Now().Add(24*time.Hour))

	errs := make(chan error, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Reserve(context.Background(), "tour-1", "slot-2")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok, conflict := 0, 0
	for err := range errs {
		if err == nil {
			ok++
		} else if err == ErrSlotConflict {
			conflict++
		}
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, conflict)

	s, err := m.GetSlot(context.Background(), "slot-2")
	require.NoError(t, err)
	assert.Equal(t, 2, s.BookedCount)
}

func TestMemoryStore_ReservePastOrUnknownSlot(t *testing.T) {
	m := NewMemoryStore()
	seedSlot(t, m, "past", 5, time.Now().Add(-time.Hour))

	_, err := m.Reserve(context.Background(), "tour-1", "past")
	assert.ErrorIs(t, err, ErrSlotConflict)

	_, err = m.Reserve(context.Background(), "tour-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Reserve(context.Background(), "tour-other", "past")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListAvailableOrderedAndFiltered(t *testing.T) {
	m := NewMemoryStore()
	base := time.Now().Add(48 * time.Hour).Truncate(time.Minute)
	seedSlot(t, m, "late", 3, base.Add(2*time.Hour))
	seedSlot(t, m, "early", 3, base)
	seedSlot(t, m, "full", 1, base.Add(time.Hour))
	seedSlot(t, m, "gone", 3, time.Now().Add(-time.Hour))
	_, err := m.Reserve(context.Background(), "tour-1", "full")
	require.NoError(t, err)

	slots, err := m.ListAvailable(context.Background(), "tour-1", time.Time{}, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, "early", slots[0].ID)
	assert.Equal(t, "late", slots[1].ID)
}

func TestMemoryStore_OneActiveBookingPerOccurrence(t *testing.T) {
	m := NewMemoryStore()
	seedSlot(t, m, "slot-3", 5, time.Now().Add(24*time.Hour))

	const workers = 10
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.CreateWithReservation(context.Background(), &model.Booking{
				ID:     fmt.Sprintf("b-%d", i),
				UserID: fmt.Sprintf("viewer-%d", i),
				TourID: "tour-1",
				SlotID: "slot-3",
			})
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range results {
		if err == nil {
			created++
		} else {
			assert.ErrorIs(t, err, ErrSlotConflict)
		}
	}
	assert.Equal(t, 1, created)

	s, err := m.GetSlot(context.Background(), "slot-3")
	require.NoError(t, err)
	assert.Equal(t, 1, s.BookedCount, "losing bookings must not hold capacity")
}

func TestMemoryStore_CancelReleasesSlotAndFreesOccurrence(t *testing.T) {
	m := NewMemoryStore()
	seedSlot(t, m, "slot-4", 1, time.Now().Add(24*time.Hour))
	ctx := context.Background()

	b := &model.Booking{ID: "b1", UserID: "v1", TourID: "tour-1", SlotID: "slot-4"}
	require.NoError(t, m.CreateWithReservation(ctx, b))
	assert.Equal(t, "guide-a", b.GuideID)
	assert.Equal(t, 90, b.Duration)

	cancelled, err := m.Cancel(ctx, "b1", "changed plans", time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.BookingCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	_, err = m.Cancel(ctx, "b1", "again", time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	s, err := m.GetSlot(ctx, "slot-4")
	require.NoError(t, err)
	assert.Equal(t, 0, s.BookedCount)
	assert.True(t, s.IsAvailable)

	require.NoError(t, m.CreateWithReservation(ctx, &model.Booking{ID: "b2", UserID: "v2", TourID: "tour-1", SlotID: "slot-4"}))
}

func TestMemoryStore_SessionTransitions(t *testing.T) {
	m := NewMemoryStore()
	seedSlot(t, m, "slot-5", 1, time.Now().Add(time.Hour))
	ctx := context.Background()
	require.NoError(t, m.CreateWithReservation(ctx, &model.Booking{ID: "b1", UserID: "v1", TourID: "tour-1", SlotID: "slot-5"}))

	_, _, err := m.EndSession(ctx, "b1", time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	b, s, err := m.StartSession(ctx, "b1", "booking-b1", "tok", time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.BookingLive, b.Status)
	assert.Equal(t, model.StreamActive, s.Status)

	_, _, err = m.StartSession(ctx, "b1", "booking-b1", "tok2", time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = m.Cancel(ctx, "b1", "no", time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, m.SetParticipantCount(ctx, "b1", 3))

	b, s, err = m.EndSession(ctx, "b1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.BookingCompleted, b.Status)
	assert.Equal(t, model.StreamEnded, s.Status)
	assert.Equal(t, 3, s.ParticipantCount)
	assert.NotNil(t, s.EndedAt)

	_, _, err = m.EndSession(ctx, "b1", time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, _, err = m.StartSession(ctx, "nope", "c", "t", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ChatHistoryNewestFirst(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, m.AppendChatMessage(ctx, &model.ChatMessage{
			ID:        fmt.Sprintf("m%d", i),
			BookingID: "b1",
			UserID:    "u1",
			Body:      fmt.Sprintf("hello %d", i),
			Kind:      model.MessageKindMessage,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, m.AppendChatMessage(ctx, &model.ChatMessage{ID: "other", BookingID: "b2", Timestamp: base}))

	msgs, err := m.QueryChatMessages(ctx, "b1", 3, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"m4", "m3", "m2"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})

	msgs, err = m.QueryChatMessages(ctx, "b1", 10, &ChatCursor{At: base.Add(2 * time.Second)})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)

	require.NoError(t, m.DeleteChatMessage(ctx, "m4"))
	assert.ErrorIs(t, m.DeleteChatMessage(ctx, "m4"), ErrNotFound)
	_, err = m.FindChatMessage(ctx, "m4")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ChatCursorKeepsSharedTimestamps(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.AppendChatMessage(ctx, &model.ChatMessage{ID: id, BookingID: "b1", Kind: model.MessageKindMessage, Timestamp: at}))
	}
	require.NoError(t, m.AppendChatMessage(ctx, &model.ChatMessage{ID: "z", BookingID: "b1", Kind: model.MessageKindMessage, Timestamp: at.Add(-time.Second)}))

	first, err := m.QueryChatMessages(ctx, "b1", 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, []string{first[0].ID, first[1].ID})

	last := first[len(first)-1]
	rest, err := m.QueryChatMessages(ctx, "b1", 10, &ChatCursor{At: last.Timestamp, ID: last.ID})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, []string{"a", "z"}, []string{rest[0].ID, rest[1].ID})
}
