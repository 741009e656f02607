package model

import "time"

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Payment belongs to exactly one booking. At most one non-failed payment
// per booking is authoritative (enforced by a partial unique index).
type Payment struct {
	ID          string
	BookingID   string
	AmountCents int64
	Status      PaymentStatus
	Provider    string
	ProviderRef string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Practitioner struct {
	ID       string
	Name     string
	IsActive bool
}

type Clinic struct {
	ID       string
	Name     string
	Timezone string
	IsActive bool
}

type TreatmentType struct {
	ID              string
	Name            string
	DurationMinutes int
	PriceCents      int64
}
