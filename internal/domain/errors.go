package domain

import "errors"

var (
	// ErrNotFound covers unknown classes, members and bookings.
	ErrNotFound = errors.New("not found")
	// ErrSchedulingConflict rejects a booking for an occurrence that is not bookable now.
	ErrSchedulingConflict = errors.New("scheduling conflict")
	// ErrDuplicateBooking rejects a second active booking for the same occurrence.
	ErrDuplicateBooking = errors.New("duplicate booking")
	// ErrInvalidState rejects a transition the current status does not allow.
	ErrInvalidState = errors.New("invalid state")
	// ErrDemoRestriction marks a write suppressed for a demo account.
	ErrDemoRestriction = errors.New("action disabled in demo mode")
	// ErrValidation rejects malformed input.
	ErrValidation = errors.New("validation failed")
)
