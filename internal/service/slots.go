package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/live-tours/internal/metrics"
	"github.com/iliyamo/live-tours/internal/model"
	"github.com/iliyamo/live-tours/internal/repository"
	"github.com/iliyamo/live-tours/internal/schedule"
)

// DefaultListWindow is how far ahead ListAvailable looks when no upper
// bound is given.
const DefaultListWindow = 90 * 24 * time.Hour

// SlotLedger owns tour slot inventory.  Capacity changes go through the
// repository's conditional updates; this layer adds ownership checks and
// materialization of guide availability.
type SlotLedger struct {
	slots repository.SlotRepository
	log   *slog.Logger
	now   func() time.Time
}

// NewSlotLedger returns a SlotLedger over slots.
func NewSlotLedger(slots repository.SlotRepository, log *slog.Logger) *SlotLedger {
	if log == nil {
		log = slog.Default()
	}
	return &SlotLedger{slots: slots, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// ListAvailable returns bookable slots of tourID starting in [from, to).
// A zero from means now; a zero to means from + DefaultListWindow.
func (s *SlotLedger) ListAvailable(ctx context.Context, tourID string, from, to time.Time) ([]model.TourSlot, error) {
	if from.IsZero() {
		from = s.now()
	}
	if to.IsZero() {
		to = from.Add(DefaultListWindow)
	}
	if !to.After(from) {
		return nil, fmt.Errorf("%w: empty time range", ErrInvalidRequest)
	}
	return s.slots.ListAvailable(ctx, tourID, from, to)
}

// Reserve takes one seat of slotID.  It fails with repository.ErrSlotConflict
// when the slot is full, past or closed.
func (s *SlotLedger) Reserve(ctx context.Context, tourID, slotID string) (*model.TourSlot, error) {
	slot, err := s.slots.Reserve(ctx, tourID, slotID)
	if errors.Is(err, repository.ErrSlotConflict) {
		metrics.BookingConflicts.Inc()
	}
	return slot, err
}

// Release gives one seat of slotID back.
func (s *SlotLedger) Release(ctx context.Context, tourID, slotID string) (*model.TourSlot, error) {
	return s.slots.Release(ctx, tourID, slotID)
}

// SlotRequest describes who the new slots belong to.
type SlotRequest struct {
	TourID          string
	GuideID         string
	MaxParticipants int
}

// CreateOneOff creates explicit slots.  Occurrences already in the past are
// skipped.
func (s *SlotLedger) CreateOneOff(ctx context.Context, actor model.Identity, req SlotRequest, timezone string, items []schedule.OneOff) ([]model.TourSlot, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no dates given", ErrInvalidRequest)
	}
	occ, err := schedule.ExpandOneOffs(timezone, items)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return s.create(ctx, actor, req, occ)
}

// CreateRecurring materializes a weekly pattern into slots.
func (s *SlotLedger) CreateRecurring(ctx context.Context, actor model.Identity, req SlotRequest, pattern schedule.Weekly) ([]model.TourSlot, error) {
	occ, err := pattern.Expand()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return s.create(ctx, actor, req, occ)
}

func (s *SlotLedger) create(ctx context.Context, actor model.Identity, req SlotRequest, occ []schedule.Occurrence) ([]model.TourSlot, error) {
	const op = "service.slots.create"
	log := s.log.With(slog.String("op", op), slog.String("tour_id", req.TourID), slog.String("actor", actor.UserID))

	guideID, err := slotOwner(actor, req.GuideID)
	if err != nil {
		return nil, err
	}
	if req.TourID == "" {
		return nil, fmt.Errorf("%w: tour id is required", ErrInvalidRequest)
	}
	if req.MaxParticipants < 1 {
		return nil, fmt.Errorf("%w: max participants must be at least 1", ErrInvalidRequest)
	}

	now := s.now()
	slots := make([]model.TourSlot, 0, len(occ))
	for _, o := range occ {
		if !o.Start.After(now) {
			continue
		}
		slots = append(slots, model.TourSlot{
			ID:              uuid.New().String(),
			TourID:          req.TourID,
			GuideID:         guideID,
			StartTime:       o.Start,
			EndTime:         o.End,
			MaxParticipants: req.MaxParticipants,
			IsAvailable:     true,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("%w: every occurrence is in the past", ErrInvalidRequest)
	}
	if err := s.slots.CreateSlots(ctx, slots); err != nil {
		log.Error("create slots failed", slog.Any("error", err))
		return nil, err
	}
	log.Info("slots created", slog.Int("count", len(slots)), slog.String("guide_id", guideID))
	return slots, nil
}

// slotOwner resolves the guide a new slot belongs to.  Guides may only
// create slots for themselves; admins must name the guide.
func slotOwner(actor model.Identity, requested string) (string, error) {
	switch actor.Role {
	case model.RoleAdmin:
		if requested == "" {
			return "", fmt.Errorf("%w: guide id is required", ErrInvalidRequest)
		}
		return requested, nil
	case model.RoleGuide:
		if actor.GuideID == "" {
			return "", repository.ErrForbidden
		}
		if requested != "" && requested != actor.GuideID {
			return "", repository.ErrForbidden
		}
		return actor.GuideID, nil
	}
	return "", repository.ErrForbidden
}
