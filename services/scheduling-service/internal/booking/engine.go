package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/physiobook/physiobook/services/scheduling-service/internal/availability"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/model"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/outbox"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/schedule"
)

// Tx is the transaction-scoped store surface the engine commits through.
// The postgres implementation lives in internal/storage; tests supply an
// in-memory double.
type Tx interface {
	PractitionerActive(ctx context.Context, id string) (bool, error)
	ClinicActive(ctx context.Context, id string) (bool, error)
	ActiveRules(ctx context.Context, practitionerID string) ([]schedule.RecurringRule, error)
	OverridesInRange(ctx context.Context, practitionerID string, from, to time.Time) ([]schedule.Override, error)
	// BookedIntervalsForUpdate reads the practitioner's pending/confirmed
	// intervals under a row lock, serializing concurrent commits for the
	// same practitioner/date.
	BookedIntervalsForUpdate(ctx context.Context, practitionerID string, from, to time.Time) ([]availability.Interval, error)
	TreatmentType(ctx context.Context, id string) (model.TreatmentType, bool, error)
	ReferenceExists(ctx context.Context, ref string) (bool, error)
	InsertBooking(ctx context.Context, b *model.Booking) error
	InsertPayment(ctx context.Context, p *model.Payment) error
	AppendEvent(ctx context.Context, evt outbox.Event) error
}

// Store opens one atomic unit of work. The function either fully commits
// or fully rolls back; no partial booking state is ever observable.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type CommitRequest struct {
	PatientID       string
	PatientEmail    string
	PatientPhone    string
	PractitionerID  string
	ClinicID        string
	Start           time.Time
	DurationMinutes int
	TreatmentTypeID string
	Notes           string
}

type Config struct {
	DefaultDurationMinutes int
	MaxDurationMinutes     int
	DefaultAmountCents     int64
	StoreTimeout           time.Duration
}

// Engine reserves resolved slots as pending bookings. Among concurrent
// commits for overlapping intervals on the same practitioner/date, at
// most one succeeds; the rest observe ErrSlotConflict. Request-level
// logging is left to callers.
type Engine struct {
	store  Store
	logger *slog.Logger
	cfg    Config
}

func NewEngine(store Store, logger *slog.Logger, cfg Config) *Engine {
	if cfg.DefaultDurationMinutes <= 0 {
		cfg.DefaultDurationMinutes = 60
	}
	if cfg.MaxDurationMinutes <= 0 {
		cfg.MaxDurationMinutes = 240
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	return &Engine{store: store, logger: logger, cfg: cfg}
}

// StoreTimeout is the per-transaction deadline. Callers of CommitTx own
// the transaction and must apply it themselves.
func (e *Engine) StoreTimeout() time.Duration {
	return e.cfg.StoreTimeout
}

const maxReferenceAttempts = 5

// Commit re-resolves the requested interval against current rules,
// overrides and bookings inside the same transaction that inserts the
// row, closing the race between a slot query and the commit.
func (e *Engine) Commit(ctx context.Context, req CommitRequest) (model.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()

	var booked model.Booking
	err := e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		b, err := e.CommitTx(ctx, tx, req)
		if err != nil {
			return err
		}
		booked = b
		return nil
	})
	if err != nil {
		return model.Booking{}, classify(err)
	}
	// Success logging belongs to the caller, the same as Coordinator
	// transitions; both entry points then produce one record per commit.
	return booked, nil
}

// CommitTx runs the commit inside a caller-owned transaction, letting
// the HTTP layer couple it with the idempotency-key lock.
func (e *Engine) CommitTx(ctx context.Context, tx Tx, req CommitRequest) (model.Booking, error) {
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.PractitionerID = strings.TrimSpace(req.PractitionerID)
	req.ClinicID = strings.TrimSpace(req.ClinicID)
	req.TreatmentTypeID = strings.TrimSpace(req.TreatmentTypeID)

	if req.PatientID == "" || req.PractitionerID == "" || req.ClinicID == "" {
		return model.Booking{}, fmt.Errorf("%w: patient, practitioner and clinic are required", ErrValidation)
	}
	if req.Start.IsZero() {
		return model.Booking{}, fmt.Errorf("%w: start time is required", ErrValidation)
	}
	if req.DurationMinutes == 0 {
		req.DurationMinutes = e.cfg.DefaultDurationMinutes
	}
	if req.DurationMinutes < 0 || req.DurationMinutes > e.cfg.MaxDurationMinutes {
		return model.Booking{}, fmt.Errorf("%w: %d minutes", ErrInvalidDuration, req.DurationMinutes)
	}

	start := req.Start.UTC().Truncate(time.Minute)
	end := start.Add(time.Duration(req.DurationMinutes) * time.Minute)
	day := schedule.Midnight(start)

	if ok, err := tx.PractitionerActive(ctx, req.PractitionerID); err != nil {
		return model.Booking{}, err
	} else if !ok {
		return model.Booking{}, ErrPractitionerInactive
	}
	if ok, err := tx.ClinicActive(ctx, req.ClinicID); err != nil {
		return model.Booking{}, err
	} else if !ok {
		return model.Booking{}, ErrClinicInactive
	}

	amount := e.cfg.DefaultAmountCents
	if req.TreatmentTypeID != "" {
		tt, ok, err := tx.TreatmentType(ctx, req.TreatmentTypeID)
		if err != nil {
			return model.Booking{}, err
		}
		if !ok {
			return model.Booking{}, fmt.Errorf("%w: unknown treatment type", ErrValidation)
		}
		if tt.PriceCents > 0 {
			amount = tt.PriceCents
		}
	}

	rules, err := tx.ActiveRules(ctx, req.PractitionerID)
	if err != nil {
		return model.Booking{}, err
	}
	overrides, err := tx.OverridesInRange(ctx, req.PractitionerID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return model.Booking{}, err
	}
	windows := schedule.WindowsForDate(rules, overrides, day, req.ClinicID)
	if !availability.Contains(windows, start, end) {
		return model.Booking{}, ErrSlotUnavailable
	}

	// Bookings block across clinics, so the overlap read ignores the
	// clinic and locks the whole practitioner/date.
	busy, err := tx.BookedIntervalsForUpdate(ctx, req.PractitionerID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return model.Booking{}, err
	}
	if availability.Overlaps(start, end, busy) {
		return model.Booking{}, ErrSlotConflict
	}

	ref, err := e.uniqueReference(ctx, tx)
	if err != nil {
		return model.Booking{}, err
	}

	b := &model.Booking{
		Reference:       ref,
		PatientID:       req.PatientID,
		PatientEmail:    strings.TrimSpace(req.PatientEmail),
		PatientPhone:    strings.TrimSpace(req.PatientPhone),
		PractitionerID:  req.PractitionerID,
		ClinicID:        req.ClinicID,
		StartTime:       start,
		DurationMinutes: req.DurationMinutes,
		Status:          model.StatusPending,
		TreatmentTypeID: req.TreatmentTypeID,
		AmountCents:     amount,
		Notes:           strings.TrimSpace(req.Notes),
	}
	if err := tx.InsertBooking(ctx, b); err != nil {
		return model.Booking{}, err
	}

	if err := tx.InsertPayment(ctx, &model.Payment{
		BookingID:   b.ID,
		AmountCents: amount,
		Status:      model.PaymentPending,
	}); err != nil {
		return model.Booking{}, err
	}

	payload, err := json.Marshal(map[string]any{
		"booking_id":      b.ID,
		"reference":       b.Reference,
		"patient_id":      b.PatientID,
		"patient_email":   b.PatientEmail,
		"patient_phone":   b.PatientPhone,
		"practitioner_id": b.PractitionerID,
		"clinic_id":       b.ClinicID,
		"start_time":      b.StartTime.Format(time.RFC3339),
		"end_time":        b.EndTime().Format(time.RFC3339),
		"amount_cents":    b.AmountCents,
		"status":          string(b.Status),
	})
	if err != nil {
		return model.Booking{}, err
	}
	if err := tx.AppendEvent(ctx, outbox.Event{
		AggregateType: "booking",
		AggregateID:   b.ID,
		EventType:     "scheduling.booking.created.v1",
		Payload:       payload,
	}); err != nil {
		return model.Booking{}, err
	}

	return *b, nil
}

func (e *Engine) uniqueReference(ctx context.Context, tx Tx) (string, error) {
	for i := 0; i < maxReferenceAttempts; i++ {
		ref := NewReference()
		exists, err := tx.ReferenceExists(ctx, ref)
		if err != nil {
			return "", err
		}
		if !exists {
			return ref, nil
		}
	}
	return "", fmt.Errorf("reference generation exhausted %d attempts", maxReferenceAttempts)
}

// classify folds transport-level failures into ErrStoreUnavailable and
// passes domain sentinels through untouched.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStoreUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	default:
		return err
	}
}
