package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain-level error handling.
// The api layer maps these to HTTP status codes.
var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrCapacityExceeded       = errors.New("capacity exceeded")
	ErrConflictingReservation = errors.New("only one producer per hour per consumer")
	ErrInsufficientCredit     = errors.New("insufficient credit")
	ErrUnauthenticated        = errors.New("unauthenticated")
	ErrForbidden              = errors.New("forbidden")
)

var (
	// ErrCutoffPassed rejects reservations less than 24h before the slot.
	ErrCutoffPassed = fmt.Errorf("%w: reservation cutoff passed (24h before slot)", ErrInvalidRequest)

	// ErrNoCapacity rejects operations on a slot whose capacity was never published.
	ErrNoCapacity = fmt.Errorf("%w: no capacity set for that slot", ErrInvalidRequest)

	// ErrBelowMinimum rejects quantities under MinReservationKwh.
	ErrBelowMinimum = fmt.Errorf("%w: minimum 0.1 kWh", ErrInvalidRequest)
)
