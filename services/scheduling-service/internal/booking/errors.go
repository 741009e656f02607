package booking

import "errors"

// Every failure mode of the commit engine and the lifecycle coordinator
// is a typed sentinel; handlers translate them to HTTP statuses and
// callers branch with errors.Is. SlotUnavailable and SlotConflict mean
// the world changed: re-resolve availability, do not retry the same
// interval.
var (
	ErrValidation           = errors.New("invalid booking input")
	ErrInvalidDuration      = errors.New("invalid booking duration")
	ErrSlotUnavailable      = errors.New("requested interval is outside practitioner availability")
	ErrSlotConflict         = errors.New("requested interval is already booked")
	ErrPractitionerInactive = errors.New("practitioner is inactive")
	ErrClinicInactive       = errors.New("clinic is inactive")
	ErrNotFound             = errors.New("booking not found")

	// ErrStoreUnavailable marks transient persistence failures. Safe to
	// retry by the caller; never retried internally.
	ErrStoreUnavailable = errors.New("store unavailable")
)
