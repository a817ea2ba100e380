package model

import "time"

// Participant is a live connection attached to a room.  It is never
// persisted; the room coordinator owns it.
type Participant struct {
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	ConnectionID string    `json:"-"`
	JoinedAt     time.Time `json:"joined_at"`
	IsGuide      bool      `json:"is_guide"`
}
