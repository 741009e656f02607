package model

import "time"

// BookingStatus is the closed lifecycle of a booking. Transitions are
// validated by the lifecycle coordinator; nothing else writes status.
type BookingStatus string

const (
	StatusPending   BookingStatus = "pending"
	StatusConfirmed BookingStatus = "confirmed"
	StatusCompleted BookingStatus = "completed"
	StatusCancelled BookingStatus = "cancelled"
)

func (s BookingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Booking struct {
	ID               string
	Reference        string
	PatientID        string
	PatientEmail     string
	PatientPhone     string
	PractitionerID   string
	ClinicID         string
	StartTime        time.Time
	DurationMinutes  int
	Status           BookingStatus
	TreatmentTypeID  string
	AmountCents      int64
	Notes            string
	CancelReason     string
	CancelledAt      *time.Time
	LateCancellation bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EndTime is derived; bookings are stored as start + duration.
func (b Booking) EndTime() time.Time {
	return b.StartTime.Add(time.Duration(b.DurationMinutes) * time.Minute)
}
