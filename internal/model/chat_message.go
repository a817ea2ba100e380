package model

import "time"

// MessageKind distinguishes user messages from server generated ones.
type MessageKind string

const (
	MessageKindMessage MessageKind = "message"
	MessageKindSystem  MessageKind = "system"
)

// MaxMessageLength is the longest accepted chat body, counted in runes
// after trimming.
const MaxMessageLength = 500

// ChatMessage is an append-only message persisted for a booking's room.
type ChatMessage struct {
	ID        string      `json:"id"`
	BookingID string      `json:"booking_id"`
	UserID    string      `json:"user_id"`
	UserName  string      `json:"user_name"`
	Body      string      `json:"body"`
	Kind      MessageKind `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
}
