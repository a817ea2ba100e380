package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/live-tours/internal/model"
)

// querier is satisfied by both *sql.DB and *sql.Tx so the slot ledger's
// conditional writes can run standalone or inside a booking transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const slotColumns = `id, tour_id, guide_id, start_time, end_time, max_participants, booked_count, is_available, created_at, updated_at`

const (
	insertSlotQuery = `INSERT INTO tour_slots (id, tour_id, guide_id, start_time, end_time, max_participants, booked_count, is_available) VALUES (?, ?, ?, ?, ?, ?, 0, 1)`

	getSlotQuery = `SELECT ` + slotColumns + ` FROM tour_slots WHERE id = ?`

	listAvailableQuery = `SELECT ` + slotColumns + ` FROM tour_slots
WHERE tour_id = ? AND is_available = 1 AND booked_count < max_participants
  AND start_time > UTC_TIMESTAMP() AND start_time >= ? AND start_time < ?
ORDER BY start_time ASC`

	// MySQL evaluates single-table SET assignments left to right, so
	// is_available is computed from the incremented booked_count.
	reserveSlotQuery = `UPDATE tour_slots
SET booked_count = booked_count + 1,
    is_available = (booked_count < max_participants)
WHERE id = ? AND tour_id = ? AND is_available = 1
  AND booked_count < max_participants AND start_time > UTC_TIMESTAMP()`

	releaseSlotQuery = `UPDATE tour_slots
SET booked_count = booked_count - 1,
    is_available = (booked_count < max_participants AND start_time > UTC_TIMESTAMP())
WHERE id = ? AND tour_id = ? AND booked_count > 0`

	slotExistsQuery = `SELECT 1 FROM tour_slots WHERE id = ? AND tour_id = ?`
)

// SlotRepo is the MySQL slot ledger.  Capacity changes are single UPDATE
// statements guarded by the capacity predicate, so two viewers racing for
// the last spot cannot both succeed regardless of how many processes run.
type SlotRepo struct {
	db *sql.DB
}

// NewSlotRepo returns a SlotRepo bound to db.
func NewSlotRepo(db *sql.DB) *SlotRepo { return &SlotRepo{db: db} }

// CreateSlots inserts slots in one transaction.  IDs must be set.
func (r *SlotRepo) CreateSlots(ctx context.Context, slots []model.TourSlot) error {
	if len(slots) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create slots: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, s := range slots {
		if _, err := tx.ExecContext(ctx, insertSlotQuery,
			s.ID, s.TourID, s.GuideID, s.StartTime.UTC(), s.EndTime.UTC(), s.MaxParticipants,
		); err != nil {
			var me *mysql.MySQLError
			if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
				return ErrSlotConflict
			}
			return fmt.Errorf("insert slot %s: %w", s.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create slots: %w", err)
	}
	return nil
}

// GetSlot loads a slot by id or returns ErrNotFound.
func (r *SlotRepo) GetSlot(ctx context.Context, slotID string) (*model.TourSlot, error) {
	return getSlot(ctx, r.db, slotID)
}

// ListAvailable returns bookable future slots of a tour whose start time is
// within [from, to), ordered by start time.
func (r *SlotRepo) ListAvailable(ctx context.Context, tourID string, from, to time.Time) ([]model.TourSlot, error) {
	rows, err := r.db.QueryContext(ctx, listAvailableQuery, tourID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list available slots: %w", err)
	}
	defer rows.Close()

	slots := []model.TourSlot{}
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		slots = append(slots, *s)
	}
	return slots, rows.Err()
}

// Reserve takes one unit of capacity from the slot.
func (r *SlotRepo) Reserve(ctx context.Context, tourID, slotID string) (*model.TourSlot, error) {
	return reserveSlot(ctx, r.db, tourID, slotID)
}

// Release gives one unit of capacity back to the slot.
func (r *SlotRepo) Release(ctx context.Context, tourID, slotID string) (*model.TourSlot, error) {
	return releaseSlot(ctx, r.db, tourID, slotID)
}

// reserveSlot runs the compare-and-swap increment.  When no row matches
// the guarded predicate it tells "no such slot" apart from "lost the race";
// that lookup only classifies the failure, it never decides success.
func reserveSlot(ctx context.Context, q querier, tourID, slotID string) (*model.TourSlot, error) {
	res, err := q.ExecContext(ctx, reserveSlotQuery, slotID, tourID)
	if err != nil {
		return nil, fmt.Errorf("reserve slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reserve slot rows: %w", err)
	}
	if n == 0 {
		if err := slotExists(ctx, q, tourID, slotID); err != nil {
			return nil, err
		}
		return nil, ErrSlotConflict
	}
	return getSlot(ctx, q, slotID)
}

func releaseSlot(ctx context.Context, q querier, tourID, slotID string) (*model.TourSlot, error) {
	res, err := q.ExecContext(ctx, releaseSlotQuery, slotID, tourID)
	if err != nil {
		return nil, fmt.Errorf("release slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("release slot rows: %w", err)
	}
	if n == 0 {
		if err := slotExists(ctx, q, tourID, slotID); err != nil {
			return nil, err
		}
		return nil, ErrInvalidTransition
	}
	return getSlot(ctx, q, slotID)
}

func slotExists(ctx context.Context, q querier, tourID, slotID string) error {
	var one int
	err := q.QueryRowContext(ctx, slotExistsQuery, slotID, tourID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup slot: %w", err)
	}
	return nil
}

func getSlot(ctx context.Context, q querier, slotID string) (*model.TourSlot, error) {
	s, err := scanSlot(q.QueryRowContext(ctx, getSlotQuery, slotID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSlot(sc scanner) (*model.TourSlot, error) {
	var s model.TourSlot
	if err := sc.Scan(
		&s.ID, &s.TourID, &s.GuideID, &s.StartTime, &s.EndTime,
		&s.MaxParticipants, &s.BookedCount, &s.IsAvailable, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.StartTime = s.StartTime.UTC()
	s.EndTime = s.EndTime.UTC()
	return &s, nil
}
