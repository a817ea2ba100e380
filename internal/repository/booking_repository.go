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

// mysqlDuplicateEntry is ER_DUP_ENTRY.  The bookings table carries a unique
// index on a generated column that is only non-NULL for active bookings,
// which is how the store enforces one active booking per occurrence.
const mysqlDuplicateEntry = 1062

const bookingColumns = `id, user_id, tour_id, guide_id, slot_id, scheduled_at, timezone, duration, status,
stream_room_id, stream_token, cancellation_reason, created_at, updated_at, cancelled_at`

const streamColumns = `booking_id, channel_name, guide_id, tour_id, started_at, ended_at, status, participant_count`

const (
	insertBookingQuery = `INSERT INTO bookings (id, user_id, tour_id, guide_id, slot_id, scheduled_at, timezone, duration, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	getBookingQuery = `SELECT ` + bookingColumns + ` FROM bookings WHERE id = ?`

	listBookingsByUserQuery = `SELECT ` + bookingColumns + ` FROM bookings WHERE user_id = ? ORDER BY scheduled_at DESC`

	cancelBookingQuery = `UPDATE bookings SET status = 'cancelled', cancellation_reason = ?, cancelled_at = ?, updated_at = ?
WHERE id = ? AND status = 'confirmed'`

	startBookingQuery = `UPDATE bookings SET status = 'live', stream_room_id = ?, stream_token = ?, updated_at = ?
WHERE id = ? AND status = 'confirmed'`

	completeBookingQuery = `UPDATE bookings SET status = 'completed', updated_at = ?
WHERE id = ? AND status = 'live'`

	upsertStreamQuery = `INSERT INTO stream_sessions (booking_id, channel_name, guide_id, tour_id, started_at, ended_at, status, participant_count)
VALUES (?, ?, ?, ?, ?, NULL, 'active', 0)
ON DUPLICATE KEY UPDATE channel_name = VALUES(channel_name), started_at = VALUES(started_at), ended_at = NULL, status = 'active', participant_count = 0`

	endStreamQuery = `UPDATE stream_sessions SET status = 'ended', ended_at = ? WHERE booking_id = ? AND status = 'active'`

	getStreamQuery = `SELECT ` + streamColumns + ` FROM stream_sessions WHERE booking_id = ?`

	setParticipantCountQuery = `UPDATE stream_sessions SET participant_count = ? WHERE booking_id = ? AND status = 'active'`
)

// BookingRepo is the MySQL implementation of BookingRepository.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a BookingRepo bound to db.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

// CreateWithReservation reserves the slot and inserts the booking inside a
// single transaction.  A lost capacity race or a duplicate active booking
// for the same occurrence both surface as ErrSlotConflict and leave the
// slot counter untouched.
func (r *BookingRepo) CreateWithReservation(ctx context.Context, b *model.Booking) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create booking: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	slot, err := reserveSlot(ctx, tx, b.TourID, b.SlotID)
	if err != nil {
		return err
	}
	b.GuideID = slot.GuideID
	b.ScheduledAt = slot.StartTime
	b.Duration = slot.DurationMinutes()
	b.Status = model.BookingConfirmed

	if _, err := tx.ExecContext(ctx, insertBookingQuery,
		b.ID, b.UserID, b.TourID, b.GuideID, b.SlotID, b.ScheduledAt.UTC(), b.Timezone, b.Duration,
		string(b.Status), b.CreatedAt.UTC(), b.UpdatedAt.UTC(),
	); err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
			return ErrSlotConflict
		}
		return fmt.Errorf("insert booking: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create booking: %w", err)
	}
	committed = true
	return nil
}

// FindBooking loads a booking by id or returns ErrNotFound.
func (r *BookingRepo) FindBooking(ctx context.Context, bookingID string) (*model.Booking, error) {
	return getBooking(ctx, r.db, bookingID)
}

// ListByUser returns the bookings of a viewer, latest occurrence first.
func (r *BookingRepo) ListByUser(ctx context.Context, userID string) ([]model.Booking, error) {
	rows, err := r.db.QueryContext(ctx, listBookingsByUserQuery, userID)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer rows.Close()
	out := []model.Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// Cancel moves a confirmed booking to cancelled and releases its slot.
func (r *BookingRepo) Cancel(ctx context.Context, bookingID, reason string, at time.Time) (*model.Booking, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin cancel booking: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, cancelBookingQuery, reason, at.UTC(), at.UTC(), bookingID)
	if err != nil {
		return nil, fmt.Errorf("cancel booking: %w", err)
	}
	if err := expectTransition(ctx, tx, res, bookingID); err != nil {
		return nil, err
	}
	b, err := getBooking(ctx, tx, bookingID)
	if err != nil {
		return nil, err
	}
	if _, err := releaseSlot(ctx, tx, b.TourID, b.SlotID); err != nil && !errors.Is(err, ErrInvalidTransition) {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cancel booking: %w", err)
	}
	committed = true
	return b, nil
}

// StartSession flips a confirmed booking to live and upserts its stream
// session.  A second call finds the booking live and fails with
// ErrInvalidTransition without touching the session row.
func (r *BookingRepo) StartSession(ctx context.Context, bookingID, channel, streamToken string, at time.Time) (*model.Booking, *model.StreamSession, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin start session: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, startBookingQuery, channel, streamToken, at.UTC(), bookingID)
	if err != nil {
		return nil, nil, fmt.Errorf("start booking: %w", err)
	}
	if err := expectTransition(ctx, tx, res, bookingID); err != nil {
		return nil, nil, err
	}
	b, err := getBooking(ctx, tx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := tx.ExecContext(ctx, upsertStreamQuery, bookingID, channel, b.GuideID, b.TourID, at.UTC()); err != nil {
		return nil, nil, fmt.Errorf("upsert stream session: %w", err)
	}
	s, err := getStream(ctx, tx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit start session: %w", err)
	}
	committed = true
	return b, s, nil
}

// EndSession moves a live booking to completed and marks its stream ended.
func (r *BookingRepo) EndSession(ctx context.Context, bookingID string, at time.Time) (*model.Booking, *model.StreamSession, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin end session: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, completeBookingQuery, at.UTC(), bookingID)
	if err != nil {
		return nil, nil, fmt.Errorf("complete booking: %w", err)
	}
	if err := expectTransition(ctx, tx, res, bookingID); err != nil {
		return nil, nil, err
	}
	if _, err := tx.ExecContext(ctx, endStreamQuery, at.UTC(), bookingID); err != nil {
		return nil, nil, fmt.Errorf("end stream session: %w", err)
	}
	b, err := getBooking(ctx, tx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	s, err := getStream(ctx, tx, bookingID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit end session: %w", err)
	}
	committed = true
	return b, s, nil
}

// FindStreamSession loads the stream session of a booking.
func (r *BookingRepo) FindStreamSession(ctx context.Context, bookingID string) (*model.StreamSession, error) {
	return getStream(ctx, r.db, bookingID)
}

// SetParticipantCount records the live room size on the active session.
// It is a no-op when the booking has no active session.
func (r *BookingRepo) SetParticipantCount(ctx context.Context, bookingID string, count int) error {
	if _, err := r.db.ExecContext(ctx, setParticipantCountQuery, count, bookingID); err != nil {
		return fmt.Errorf("set participant count: %w", err)
	}
	return nil
}

// expectTransition checks that a conditional status update hit exactly one
// row.  Otherwise the booking is either missing or in the wrong state.
func expectTransition(ctx context.Context, q querier, res sql.Result, bookingID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := getBooking(ctx, q, bookingID); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func getBooking(ctx context.Context, q querier, bookingID string) (*model.Booking, error) {
	b, err := scanBooking(q.QueryRowContext(ctx, getBookingQuery, bookingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

func scanBooking(sc scanner) (*model.Booking, error) {
	var (
		b                     model.Booking
		status                string
		roomID, token, reason sql.NullString
		cancelledAt           sql.NullTime
	)
	if err := sc.Scan(
		&b.ID, &b.UserID, &b.TourID, &b.GuideID, &b.SlotID, &b.ScheduledAt, &b.Timezone, &b.Duration, &status,
		&roomID, &token, &reason, &b.CreatedAt, &b.UpdatedAt, &cancelledAt,
	); err != nil {
		return nil, err
	}
	b.Status = model.BookingStatus(status)
	b.ScheduledAt = b.ScheduledAt.UTC()
	b.StreamRoomID = nullString(roomID)
	b.StreamToken = nullString(token)
	b.CancellationReason = nullString(reason)
	if cancelledAt.Valid {
		t := cancelledAt.Time.UTC()
		b.CancelledAt = &t
	}
	return &b, nil
}

func getStream(ctx context.Context, q querier, bookingID string) (*model.StreamSession, error) {
	var (
		s       model.StreamSession
		status  string
		endedAt sql.NullTime
	)
	err := q.QueryRowContext(ctx, getStreamQuery, bookingID).Scan(
		&s.BookingID, &s.ChannelName, &s.GuideID, &s.TourID, &s.StartedAt, &endedAt, &status, &s.ParticipantCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stream session: %w", err)
	}
	s.Status = model.StreamStatus(status)
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		s.EndedAt = &t
	}
	return &s, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
