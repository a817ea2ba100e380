package model

import "time"

// StreamStatus is the state of a StreamSession.
type StreamStatus string

const (
	StreamActive StreamStatus = "active"
	StreamEnded  StreamStatus = "ended"
)

// StreamSession is the server-side record of a broadcast.  There is at
// most one per booking; restarting is impossible because the booking
// cannot return to confirmed.
type StreamSession struct {
	BookingID        string       `json:"booking_id"` // stream_sessions.booking_id (primary key)
	ChannelName      string       `json:"channel_name"`
	GuideID          string       `json:"guide_id"`
	TourID           string       `json:"tour_id"`
	StartedAt        time.Time    `json:"started_at"`
	EndedAt          *time.Time   `json:"ended_at,omitempty"`
	Status           StreamStatus `json:"status"`
	ParticipantCount int          `json:"participant_count"`
}
