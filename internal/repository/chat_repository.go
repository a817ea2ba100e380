package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/iliyamo/live-tours/internal/model"
)

const chatColumns = `id, booking_id, user_id, user_name, body, kind, created_at`

const (
	insertChatQuery = `INSERT INTO chat_messages (id, booking_id, user_id, user_name, body, kind, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryChatQuery = `SELECT ` + chatColumns + ` FROM chat_messages WHERE booking_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`

	queryChatBeforeQuery = `SELECT ` + chatColumns + ` FROM chat_messages WHERE booking_id = ? AND (created_at < ? OR (created_at = ? AND id < ?)) ORDER BY created_at DESC, id DESC LIMIT ?`

	getChatQuery = `SELECT ` + chatColumns + ` FROM chat_messages WHERE id = ?`

	deleteChatQuery = `DELETE FROM chat_messages WHERE id = ?`
)

// ChatRepo is the MySQL chat history store.  Timestamps are stored with
// microsecond precision so ordering within a busy room is stable.
type ChatRepo struct {
	db *sql.DB
}

// NewChatRepo returns a ChatRepo bound to db.
func NewChatRepo(db *sql.DB) *ChatRepo { return &ChatRepo{db: db} }

// AppendChatMessage inserts msg.  The message is never updated afterwards.
func (r *ChatRepo) AppendChatMessage(ctx context.Context, msg *model.ChatMessage) error {
	if _, err := r.db.ExecContext(ctx, insertChatQuery,
		msg.ID, msg.BookingID, msg.UserID, msg.UserName, msg.Body, string(msg.Kind), msg.Timestamp.UTC(),
	); err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// QueryChatMessages returns up to limit messages of a booking, newest
// first, optionally only those preceding the before cursor.
func (r *ChatRepo) QueryChatMessages(ctx context.Context, bookingID string, limit int, before *ChatCursor) ([]model.ChatMessage, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		at := before.At.UTC()
		rows, err = r.db.QueryContext(ctx, queryChatBeforeQuery, bookingID, at, at, before.ID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, queryChatQuery, bookingID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer rows.Close()

	out := []model.ChatMessage{}
	for rows.Next() {
		m, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// FindChatMessage loads a message by id or returns ErrNotFound.
func (r *ChatRepo) FindChatMessage(ctx context.Context, messageID string) (*model.ChatMessage, error) {
	m, err := scanChat(r.db.QueryRowContext(ctx, getChatQuery, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat message: %w", err)
	}
	return m, nil
}

// DeleteChatMessage removes a message or returns ErrNotFound.
func (r *ChatRepo) DeleteChatMessage(ctx context.Context, messageID string) error {
	res, err := r.db.ExecContext(ctx, deleteChatQuery, messageID)
	if err != nil {
		return fmt.Errorf("delete chat message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete chat message rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanChat(sc scanner) (*model.ChatMessage, error) {
	var (
		m    model.ChatMessage
		kind string
	)
	if err := sc.Scan(&m.ID, &m.BookingID, &m.UserID, &m.UserName, &m.Body, &kind, &m.Timestamp); err != nil {
		return nil, err
	}
	m.Kind = model.MessageKind(kind)
	m.Timestamp = m.Timestamp.UTC()
	return &m, nil
}
