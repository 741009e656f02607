package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/physiobook/physiobook/services/scheduling-service/internal/availability"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/booking"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/model"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/outbox"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/schedule"
)

func (t *Tx) PractitionerActive(ctx context.Context, id string) (bool, error) {
	var active bool
	err := t.tx.QueryRow(ctx, `
		SELECT is_active FROM practitioners WHERE id = $1
	`, id).Scan(&active)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, wrapUnavailable(err)
	}
	return active, nil
}

func (t *Tx) ClinicActive(ctx context.Context, id string) (bool, error) {
	var active bool
	err := t.tx.QueryRow(ctx, `
		SELECT is_active FROM clinics WHERE id = $1
	`, id).Scan(&active)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, wrapUnavailable(err)
	}
	return active, nil
}

func (t *Tx) TreatmentType(ctx context.Context, id string) (model.TreatmentType, bool, error) {
	var tt model.TreatmentType
	err := t.tx.QueryRow(ctx, `
		SELECT id::text, name, duration_minutes, price_cents
		FROM treatment_types
		WHERE id = $1
	`, id).Scan(&tt.ID, &tt.Name, &tt.DurationMinutes, &tt.PriceCents)
	if IsNotFound(err) {
		return model.TreatmentType{}, false, nil
	}
	if err != nil {
		return model.TreatmentType{}, false, wrapUnavailable(err)
	}
	return tt, true, nil
}

func (t *Tx) ActiveRules(ctx context.Context, practitionerID string) ([]schedule.RecurringRule, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id::text, practitioner_id::text, COALESCE(clinic_id::text, ''), weekday, start_minute, end_minute, is_active
		FROM recurring_rules
		WHERE practitioner_id = $1 AND is_active
		ORDER BY weekday, start_minute
	`, practitionerID)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func (t *Tx) OverridesInRange(ctx context.Context, practitionerID string, from, to time.Time) ([]schedule.Override, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id::text, practitioner_id::text, COALESCE(clinic_id::text, ''), date, start_minute, end_minute, is_available, COALESCE(reason, '')
		FROM schedule_overrides
		WHERE practitioner_id = $1 AND date >= $2::date AND date < $3::date
		ORDER BY date, start_minute
	`, practitionerID, from, to)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer rows.Close()
	return scanOverrides(rows)
}

// BookedIntervalsForUpdate locks the practitioner's overlapping bookings
// so concurrent commits for the same interval serialize on the losing
// side. Cancelled and completed rows do not hold the calendar.
func (t *Tx) BookedIntervalsForUpdate(ctx context.Context, practitionerID string, from, to time.Time) ([]availability.Interval, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT start_time, start_time + make_interval(mins => duration_minutes)
		FROM bookings
		WHERE practitioner_id = $1
			AND status IN ('pending', 'confirmed')
			AND start_time < $3
			AND start_time + make_interval(mins => duration_minutes) > $2
		ORDER BY start_time
		FOR UPDATE
	`, practitionerID, from, to)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer rows.Close()

	var out []availability.Interval
	for rows.Next() {
		var iv availability.Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	if rows.Err() != nil {
		return nil, wrapUnavailable(rows.Err())
	}
	return out, nil
}

func (t *Tx) ReferenceExists(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM bookings WHERE reference = $1)
	`, ref).Scan(&exists)
	if err != nil {
		return false, wrapUnavailable(err)
	}
	return exists, nil
}

// InsertBooking relies on the exclusion constraint as the last line of
// defense: if another transaction slipped an overlapping row past the
// locked read, the insert fails and is surfaced as a slot conflict.
func (t *Tx) InsertBooking(ctx context.Context, b *model.Booking) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO bookings
			(reference, patient_id, patient_email, patient_phone, practitioner_id, clinic_id, treatment_type_id, start_time, duration_minutes, status, amount_cents, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id::text, created_at, updated_at
	`, b.Reference, b.PatientID, nullIfEmpty(b.PatientEmail), nullIfEmpty(b.PatientPhone), b.PractitionerID, b.ClinicID, nullIfEmpty(b.TreatmentTypeID),
		b.StartTime, b.DurationMinutes, string(b.Status), b.AmountCents, b.Notes).
		Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
	if IsConflict(err) {
		return fmt.Errorf("%w: interval already booked", booking.ErrSlotConflict)
	}
	return wrapUnavailable(err)
}

func (t *Tx) InsertPayment(ctx context.Context, p *model.Payment) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO payments (booking_id, amount_cents, status, provider, provider_ref)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id::text, created_at, updated_at
	`, p.BookingID, p.AmountCents, string(p.Status), defaultIfEmpty(p.Provider, "stripe"), nullIfEmpty(p.ProviderRef)).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	return wrapUnavailable(err)
}

func (t *Tx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	return wrapUnavailable(t.events.Insert(ctx, t.tx, evt))
}

func (t *Tx) BookingForUpdate(ctx context.Context, bookingID string) (model.Booking, bool, error) {
	b, err := scanBooking(t.tx.QueryRow(ctx, bookingSelect+`
		WHERE id = $1
		FOR UPDATE
	`, bookingID))
	if IsNotFound(err) {
		return model.Booking{}, false, nil
	}
	if err != nil {
		return model.Booking{}, false, wrapUnavailable(err)
	}
	return b, true, nil
}

// AuthoritativePayment returns the booking's single non-failed payment,
// guaranteed unique by a partial index.
func (t *Tx) AuthoritativePayment(ctx context.Context, bookingID string) (model.Payment, bool, error) {
	var p model.Payment
	err := t.tx.QueryRow(ctx, `
		SELECT id::text, booking_id::text, amount_cents, status, provider, COALESCE(provider_ref, ''), created_at, updated_at
		FROM payments
		WHERE booking_id = $1 AND status <> 'failed'
	`, bookingID).Scan(&p.ID, &p.BookingID, &p.AmountCents, &p.Status, &p.Provider, &p.ProviderRef, &p.CreatedAt, &p.UpdatedAt)
	if IsNotFound(err) {
		return model.Payment{}, false, nil
	}
	if err != nil {
		return model.Payment{}, false, wrapUnavailable(err)
	}
	return p, true, nil
}

func (t *Tx) UpdateBookingStatus(ctx context.Context, b *model.Booking) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE bookings
		SET status = $2,
			cancel_reason = $3,
			cancelled_at = $4,
			late_cancellation = $5,
			updated_at = now()
		WHERE id = $1
	`, b.ID, string(b.Status), nullIfEmpty(b.CancelReason), b.CancelledAt, b.LateCancellation)
	return wrapUnavailable(err)
}

// MarkPaymentStatus settles the authoritative payment from a provider
// event inside the caller's transaction.
func (t *Tx) MarkPaymentStatus(ctx context.Context, paymentID string, status model.PaymentStatus, providerRef string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE payments
		SET status = $2,
			provider_ref = COALESCE(NULLIF($3, ''), provider_ref),
			updated_at = now()
		WHERE id = $1
	`, paymentID, string(status), providerRef)
	return wrapUnavailable(err)
}

const bookingSelect = `
	SELECT id::text, reference, patient_id::text, COALESCE(patient_email, ''), COALESCE(patient_phone, ''),
		practitioner_id::text, clinic_id::text,
		COALESCE(treatment_type_id::text, ''), start_time, duration_minutes, status,
		amount_cents, COALESCE(notes, ''), COALESCE(cancel_reason, ''), cancelled_at,
		late_cancellation, created_at, updated_at
	FROM bookings`

func scanBooking(row pgx.Row) (model.Booking, error) {
	var b model.Booking
	var cancelledAt *time.Time
	err := row.Scan(
		&b.ID,
		&b.Reference,
		&b.PatientID,
		&b.PatientEmail,
		&b.PatientPhone,
		&b.PractitionerID,
		&b.ClinicID,
		&b.TreatmentTypeID,
		&b.StartTime,
		&b.DurationMinutes,
		&b.Status,
		&b.AmountCents,
		&b.Notes,
		&b.CancelReason,
		&cancelledAt,
		&b.LateCancellation,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return model.Booking{}, err
	}
	b.CancelledAt = cancelledAt
	return b, nil
}

func scanRules(rows pgx.Rows) ([]schedule.RecurringRule, error) {
	var out []schedule.RecurringRule
	for rows.Next() {
		var r schedule.RecurringRule
		var weekday int
		if err := rows.Scan(&r.ID, &r.PractitionerID, &r.ClinicID, &weekday, &r.StartMinute, &r.EndMinute, &r.Active); err != nil {
			return nil, err
		}
		r.Weekday = time.Weekday(weekday)
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, wrapUnavailable(rows.Err())
	}
	return out, nil
}

func scanOverrides(rows pgx.Rows) ([]schedule.Override, error) {
	var out []schedule.Override
	for rows.Next() {
		var o schedule.Override
		if err := rows.Scan(&o.ID, &o.PractitionerID, &o.ClinicID, &o.Date, &o.StartMinute, &o.EndMinute, &o.Available, &o.Reason); err != nil {
			return nil, err
		}
		o.Date = schedule.Midnight(o.Date)
		out = append(out, o)
	}
	if rows.Err() != nil {
		return nil, wrapUnavailable(rows.Err())
	}
	return out, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func defaultIfEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
