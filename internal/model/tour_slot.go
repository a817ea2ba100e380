package model

import "time"

// TourSlot is a bookable time window for a tour.  Capacity is tracked
// with BookedCount and only ever moves through the slot ledger's atomic
// reserve and release operations.
//
// Fields:
//
//	ID              – surrogate identifier (uuid).
//	TourID          – tour this slot belongs to.
//	GuideID         – guide who hosts the tour at this time.
//	StartTime       – start instant (stored in UTC).
//	EndTime         – end instant (stored in UTC).
//	MaxParticipants – capacity, always >= 1.
//	BookedCount     – number of held reservations, 0..MaxParticipants.
//	IsAvailable     – kept equal to BookedCount < MaxParticipants.
//	CreatedAt       – creation timestamp.
//	UpdatedAt       – last update timestamp.
type TourSlot struct {
	ID              string    `json:"id"`               // tour_slots.id
	TourID          string    `json:"tour_id"`          // tour_slots.tour_id
	GuideID         string    `json:"guide_id"`         // tour_slots.guide_id
	StartTime       time.Time `json:"start_time"`       // tour_slots.start_time
	EndTime         time.Time `json:"end_time"`         // tour_slots.end_time
	MaxParticipants int       `json:"max_participants"` // tour_slots.max_participants
	BookedCount     int       `json:"booked_count"`     // tour_slots.booked_count
	IsAvailable     bool      `json:"is_available"`     // tour_slots.is_available
	CreatedAt       time.Time `json:"created_at"`       // tour_slots.created_at
	UpdatedAt       time.Time `json:"updated_at"`       // tour_slots.updated_at
}

// Bookable reports whether the slot can take one more reservation at now.
func (s *TourSlot) Bookable(now time.Time) bool {
	return s.IsAvailable && s.BookedCount < s.MaxParticipants && s.StartTime.After(now)
}

// DurationMinutes returns the slot length in whole minutes.
func (s *TourSlot) DurationMinutes() int {
	return int(s.EndTime.Sub(s.StartTime) / time.Minute)
}
