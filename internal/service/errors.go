package service

import "errors"

var (
	// ErrSessionNotActive is returned when a viewer credential is requested
	// for a booking that is not live.
	ErrSessionNotActive = errors.New("session is not live")

	// ErrInvalidMessage is returned for empty or oversized chat bodies and
	// malformed reactions.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrInvalidRequest covers malformed input such as an unknown timezone
	// or a non-positive capacity.
	ErrInvalidRequest = errors.New("invalid request")
)
