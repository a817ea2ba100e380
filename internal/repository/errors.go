// Package repository defines the persistence contracts of the tour service
// and their MySQL and in-memory implementations.  The sentinel errors below
// let higher layers such as services and handlers distinguish between the
// expected failure scenarios without inspecting driver errors.
package repository

import "errors"

// ErrNotFound is returned when a booking, slot, session, message or profile
// does not exist.  Handlers translate it into an HTTP 404 response.
var ErrNotFound = errors.New("not found")

// ErrSlotConflict is returned when a reservation race is lost: the slot is
// full or no longer bookable, or the (tour, scheduled time) pair already has
// an active booking.  Handlers translate it into an HTTP 409 response and
// clients should re-fetch availability.
var ErrSlotConflict = errors.New("slot conflict")

// ErrInvalidTransition is returned when a conditional status update finds
// the booking in a state the transition is not allowed from.
var ErrInvalidTransition = errors.New("invalid booking state transition")

// ErrForbidden is returned when the caller attempts an operation on a
// resource they are not linked to.  Handlers translate it into 403.
var ErrForbidden = errors.New("forbidden")
