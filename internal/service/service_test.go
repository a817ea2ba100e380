package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/live-tours/internal/model"
	"github.com/iliyamo/live-tours/internal/queue"
	"github.com/iliyamo/live-tours/internal/repository"
	"github.com/iliyamo/live-tours/internal/schedule"
	"github.com/iliyamo/live-tours/internal/token"
)

var (
	guideA  = model.Identity{UserID: "user-a", Name: "Anna", Role: model.RoleGuide, GuideID: "guide-a"}
	guideC  = model.Identity{UserID: "user-c", Name: "Carlo", Role: model.RoleGuide, GuideID: "guide-c"}
	viewer1 = model.Identity{UserID: "viewer-1", Name: "Vera", Role: model.RoleViewer}
	viewer2 = model.Identity{UserID: "viewer-2", Name: "Vik", Role: model.RoleViewer}
	admin   = model.Identity{UserID: "root", Name: "Ops", Role: model.RoleAdmin}
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.LifecycleEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev queue.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []queue.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]queue.EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type recordingRooms struct {
	started, ended []string
}

func (r *recordingRooms) SessionStarted(_ context.Context, b *model.Booking) {
	r.started = append(r.started, b.ID)
}

func (r *recordingRooms) SessionEnded(_ context.Context, b *model.Booking) {
	r.ended = append(r.ended, b.ID)
}

type countingIssuer struct {
	*token.Issuer
	calls int
}

func (c *countingIssuer) Issue(channel, subject string, role token.Role, ttl time.Duration) (token.AccessToken, error) {
	c.calls++
	return c.Issuer.Issue(channel, subject, role, ttl)
}

type fixture struct {
	store  *repository.MemoryStore
	issuer *countingIssuer
	events *recordingPublisher
	rooms  *recordingRooms
	life   *Lifecycle
	ledger *SlotLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	iss, err := token.NewIssuer("app-1", "certificate", 0)
	require.NoError(t, err)
	f := &fixture{
		store:  repository.NewMemoryStore(),
		issuer: &countingIssuer{Issuer: iss},
		events: &recordingPublisher{},
		rooms:  &recordingRooms{},
	}
	f.life = NewLifecycle(f.store, f.issuer, nil, WithEvents(f.events), WithRooms(f.rooms))
	f.ledger = NewSlotLedger(f.store, nil)
	return f
}

func (f *fixture) slot(t *testing.T, id string, capacity int) {
	t.Helper()
	start := time.Now().Add(48 * time.Hour).Truncate(time.Minute)
	require.NoError(t, f.store.CreateSlots(context.Background(), []model.TourSlot{{
		ID: id, TourID: "tour-1", GuideID: "guide-a",
		StartTime: start, EndTime: start.Add(time.Hour), MaxParticipants: capacity,
	}}))
}

func (f *fixture) booking(t *testing.T) *model.Booking {
	t.Helper()
	f.slot(t, "slot-1", 5)
	b, err := f.life.CreateBooking(context.Background(), viewer1, "tour-1", "slot-1", "Europe/Rome")
	require.NoError(t, err)
	return b
}

func TestCreateBooking_ConfirmedWithSlotDetails(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t)

	assert.Equal(t, model.BookingConfirmed, b.Status)
	assert.Equal(t, "guide-a", b.GuideID)
	assert.Equal(t, 60, b.Duration)
	assert.Equal(t, "Europe/Rome", b.Timezone)
	assert.Equal(t, []queue.EventType{queue.BookingConfirmed}, f.events.types())
}

func TestCreateBooking_RejectsBadTimezoneAndDoubleBooking(t *testing.T) {
	f := newFixture(t)
	f.slot(t, "slot-1", 5)
	ctx := context.Background()

	_, err := f.life.CreateBooking(ctx, viewer1, "tour-1", "slot-1", "Nowhere/City")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.life.CreateBooking(ctx, viewer1, "tour-1", "slot-1", "")
	require.NoError(t, err)
	_, err = f.life.CreateBooking(ctx, viewer2, "tour-1", "slot-1", "")
	assert.ErrorIs(t, err, repository.ErrSlotConflict)
}

func TestStartSession_WrongGuideIsForbiddenAndMintsNothing(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t)

	_, err := f.life.StartSession(context.Background(), guideC, b.ID)
	assert.ErrorIs(t, err, repository.ErrForbidden)
	_, err = f.life.StartSession(context.Background(), viewer1, b.ID)
	assert.ErrorIs(t, err, repository.ErrForbidden)
	assert.Zero(t, f.issuer.calls)
}

func TestStartSession_ThenOtherGuideForbidden(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t)
	ctx := context.Background()

	grant, err := f.life.StartSession(ctx, guideA, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "booking-"+b.ID, grant.ChannelName)
	assert.Equal(t, "app-1", grant.AppID)
	assert.True(t, f.issuer.Validate(grant.Token))
	assert.Equal(t, model.BookingLive, grant.Booking.Status)
	require.NotNil(t, grant.Booking.StreamRoomID)
	assert.Equal(t, grant.ChannelName, *grant.Booking.StreamRoomID)
	assert.Equal(t, model.StreamActive, grant.Session.Status)
	assert.Equal(t, []string{b.ID}, f.rooms.started)

	_, err = f.life.StartSession(ctx, guideC, b.ID)
	assert.ErrorIs(t, err, repository.ErrForbidden)
}

func TestStartSession_RetryOnLiveFailsWithoutSecondToken(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t)
	ctx := context.Background()

	_, err := f.life.StartSession(ctx, guideA, b.ID)
	require.NoError(t, err)
	_, err = f.life.StartSession(ctx, guideA, b.ID)
	assert.ErrorIs(t, err, repository.ErrInvalidTransition)
	assert.Equal(t, 1, f.issuer.calls)
}

func TestStartSession_UnknownBooking(t *testing.T) {
	f := newFixture(t)
	_, err := f.life.StartSession(context.Background(), guideA, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestStartSession_WithoutIssuer(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t)
	life := NewLifecycle(f.store, nil, nil)

	_, err := life.StartSession(context.Background(), guideA, b.ID)
	assert.ErrorIs(t, err, token.ErrConfiguration)

	got, err := f.store.FindBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingConfirmed, got.Status)
}

func TestViewerCredential_OnlyWhileLive(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t)
	ctx := context.Background()

	_, err := f.life.IssueViewerCredential(ctx, b.ID, &viewer1)
	assert.ErrorIs(t, err, ErrSessionNotActive)

	_, err = f.life.StartSession(ctx, guideA, b.ID)
	require.NoError(t, err)

	cred, err := f.life.IssueViewerCredential(ctx, b.ID, &viewer1)
	require.NoError(t, err)
	assert.Equal(t, "booking-"+b.ID, cred.ChannelName)
	claims, err := f.issuer.Parse(cred.Token)
	require.NoError(t, err)
	assert.Equal(t, token.Subscriber, claims.Role)
	assert.Equal(t, "viewer-1", claims.Subject)

	guest, err := f.life.IssueViewerCredential(ctx, b.ID, nil)
	require.NoError(t, err)
	claims, err = f.issuer.Parse(guest.Token)
	require.NoError(t, err)
	assert.Equal(t, token.AnonymousSubject, claims.Subject)

	_, err = f.life.EndSession(ctx, guideA, b.ID)
	require.NoError(t, err)
	_, err = f.life.IssueViewerCredential(ctx, b.ID, &viewer1)
	assert.ErrorIs(t, err, ErrSessionNotActive)
}

func TestEndSession_TwiceFailsCleanly(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t)
	ctx := context.Background()

	_, err := f.life.EndSession(ctx, guideA, b.ID)
	assert.ErrorIs(t, err, repository.ErrInvalidTransition)

	_, err = f.life.StartSession(ctx, guideA, b.ID)
	require.NoError(t, err)

	_, err = f.life.EndSession(ctx, guideC, b.ID)
	assert.ErrorIs(t, err, repository.ErrForbidden)

	done, err := f.life.EndSession(ctx, guideA, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingCompleted, done.Status)

	_, err = f.life.EndSession(ctx, guideA, b.ID)
	assert.ErrorIs(t, err, repository.ErrInvalidTransition)

	s, err := f.life.StreamSession(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StreamEnded, s.Status)
	assert.Equal(t, []string{b.ID}, f.rooms.ended)
	assert.Equal(t, []queue.EventType{queue.BookingConfirmed, queue.SessionStarted, queue.SessionEnded}, f.events.types())
}

func TestCancel_Rules(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t)
	ctx := context.Background()

	_, err := f.life.Cancel(ctx, viewer2, b.ID, "not mine")
	assert.ErrorIs(t, err, repository.ErrForbidden)

	cancelled, err := f.life.Cancel(ctx, viewer1, b.ID, "  change of plans ")
	require.NoError(t, err)
	assert.Equal(t, model.BookingCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancellationReason)
	assert.Equal(t, "change of plans", *cancelled.CancellationReason)

	_, err = f.life.Cancel(ctx, viewer1, b.ID, "again")
	assert.ErrorIs(t, err, repository.ErrInvalidTransition)

	s, err := f.store.GetSlot(ctx, "slot-1")
	require.NoError(t, err)
	assert.Equal(t, 0, s.BookedCount)

	_, err = f.life.Cancel(ctx, viewer1, "missing", "")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCancel_LiveBookingRejected(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t)
	ctx := context.Background()
	_, err := f.life.StartSession(ctx, guideA, b.ID)
	require.NoError(t, err)

	_, err = f.life.Cancel(ctx, admin, b.ID, "too late")
	assert.ErrorIs(t, err, repository.ErrInvalidTransition)
}

func TestGetBooking_Visibility(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t)
	ctx := context.Background()

	for _, who := range []model.Identity{viewer1, guideA, admin} {
		_, err := f.life.GetBooking(ctx, who, b.ID)
		assert.NoError(t, err, who.UserID)
	}
	for _, who := range []model.Identity{viewer2, guideC} {
		_, err := f.life.GetBooking(ctx, who, b.ID)
		assert.ErrorIs(t, err, repository.ErrForbidden, who.UserID)
	}

	mine, err := f.life.ListMine(ctx, viewer1)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, b.ID, mine[0].ID)
}

func TestSlotLedger_ConcurrentReserveCapacityTwo(t *testing.T) {
	f := newFixture(t)
	f.slot(t, "slot-2", 2)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		conflict int
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.Reserve(context.Background(), "tour-1", "slot-2")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if assert.ErrorIs(t, err, repository.ErrSlotConflict) {
				conflict++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, conflict)

	s, err := f.store.GetSlot(context.Background(), "slot-2")
	require.NoError(t, err)
	assert.Equal(t, 2, s.BookedCount)
}

func TestSlotLedger_CreateRecurringOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	from := time.Now().AddDate(0, 0, 1).Format("2006-01-02")
	until := time.Now().AddDate(0, 0, 14).Format("2006-01-02")
	pattern := schedule.Weekly{
		Days:     []time.Weekday{time.Monday, time.Thursday},
		Windows:  []schedule.Window{{Start: "10:00", End: "11:00"}},
		Timezone: "Europe/Rome",
		From:     from,
		Until:    until,
	}

	_, err := f.ledger.CreateRecurring(ctx, viewer1, SlotRequest{TourID: "tour-9", MaxParticipants: 4}, pattern)
	assert.ErrorIs(t, err, repository.ErrForbidden)

	_, err = f.ledger.CreateRecurring(ctx, guideA, SlotRequest{TourID: "tour-9", GuideID: "guide-c", MaxParticipants: 4}, pattern)
	assert.ErrorIs(t, err, repository.ErrForbidden)

	_, err = f.ledger.CreateRecurring(ctx, guideA, SlotRequest{TourID: "tour-9", MaxParticipants: 0}, pattern)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	slots, err := f.ledger.CreateRecurring(ctx, guideA, SlotRequest{TourID: "tour-9", MaxParticipants: 4}, pattern)
	require.NoError(t, err)
	assert.Len(t, slots, 4)
	for _, s := range slots {
		assert.Equal(t, "guide-a", s.GuideID)
		assert.Equal(t, time.Hour, s.EndTime.Sub(s.StartTime))
	}

	_, err = f.ledger.CreateRecurring(ctx, guideA, SlotRequest{TourID: "tour-9", MaxParticipants: 4}, pattern)
	assert.ErrorIs(t, err, repository.ErrSlotConflict)

	listed, err := f.ledger.ListAvailable(ctx, "tour-9", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, listed, 4)
}

func TestSlotLedger_CreateOneOffAsAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day := time.Now().AddDate(0, 0, 3).Format("2006-01-02")
	past := time.Now().AddDate(0, 0, -3).Format("2006-01-02")

	_, err := f.ledger.CreateOneOff(ctx, admin, SlotRequest{TourID: "tour-5", MaxParticipants: 2}, "", []schedule.OneOff{{Date: day, Window: schedule.Window{Start: "09:00", End: "10:00"}}})
	assert.ErrorIs(t, err, ErrInvalidRequest, "admin must name the guide")

	slots, err := f.ledger.CreateOneOff(ctx, admin, SlotRequest{TourID: "tour-5", GuideID: "guide-c", MaxParticipants: 2}, "UTC", []schedule.OneOff{
		{Date: day, Window: schedule.Window{Start: "09:00", End: "10:00"}},
		{Date: past, Window: schedule.Window{Start: "09:00", End: "10:00"}},
	})
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, "guide-c", slots[0].GuideID)
}

func TestIdentities_ResolveAndLink(t *testing.T) {
	store := repository.NewMemoryStore()
	ids := NewIdentities(store, nil)
	ctx := context.Background()

	id, err := ids.Resolve(ctx, "u1", "Uma")
	require.NoError(t, err)
	assert.Equal(t, model.RoleViewer, id.Role)

	_, err = ids.LinkGuide(ctx, guideA, "u1", "Uma", "guide-u")
	assert.ErrorIs(t, err, repository.ErrForbidden)

	_, err = ids.LinkGuide(ctx, admin, "u1", "Uma", "guide-u")
	require.NoError(t, err)

	id, err = ids.Resolve(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, model.RoleGuide, id.Role)
	assert.Equal(t, "guide-u", id.GuideID)
	assert.Equal(t, "Uma", id.Name)
	assert.True(t, id.IsGuideOf("guide-u"))
}
