package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the lifecycle wraps exactly one of them.
var (
	ErrValidation = errors.New("validation error")
	ErrForbidden  = errors.New("forbidden")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrUpstream   = errors.New("upstream service error")
)

var (
	ErrBookingNotFound   = fmt.Errorf("%w: booking not found", ErrNotFound)
	ErrNoCurrentBooking  = fmt.Errorf("%w: no current booking", ErrNotFound)
	ErrNotAvailable      = fmt.Errorf("%w: booking no longer available", ErrConflict)
	ErrDriverBusy        = fmt.Errorf("%w: driver already has an active booking", ErrConflict)
	ErrStaleTransition   = fmt.Errorf("%w: booking changed concurrently", ErrConflict)
	ErrInvalidTransition = fmt.Errorf("%w: invalid booking status transition", ErrValidation)
	ErrDriverMismatch    = fmt.Errorf("%w: driver not assigned to booking", ErrForbidden)
	ErrCustomerOnly      = fmt.Errorf("%w: only customer accounts can make bookings", ErrForbidden)
	ErrDriverOnly        = fmt.Errorf("%w: only driver accounts can perform this action", ErrForbidden)
	ErrNotParticipant    = fmt.Errorf("%w: not a participant of this booking", ErrForbidden)
	ErrNotTracking       = fmt.Errorf("%w: booking is not being driven", ErrForbidden)
)
