package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/physiobook/physiobook/libs/db"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/model"
)

// BookingRepository is the query side for booking lookups plus the
// idempotency-key ledger guarding the public book endpoint against
// retried submissions.
type BookingRepository struct {
	pool *db.Pool
}

type IdempotencyRecord struct {
	PatientID       string
	IdempotencyKey  string
	BookingID       string
	StatusCode      int
	ResponsePayload []byte
}

func NewBookingRepository(pool *db.Pool) *BookingRepository {
	return &BookingRepository{pool: pool}
}

func (r *BookingRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *BookingRepository) GetByID(ctx context.Context, bookingID string) (model.Booking, bool, error) {
	b, err := scanBooking(r.pool.QueryRow(ctx, bookingSelect+`
		WHERE id = $1
	`, bookingID))
	if IsNotFound(err) {
		return model.Booking{}, false, nil
	}
	if err != nil {
		return model.Booking{}, false, wrapUnavailable(err)
	}
	return b, true, nil
}

func (r *BookingRepository) GetByReference(ctx context.Context, reference string) (model.Booking, bool, error) {
	b, err := scanBooking(r.pool.QueryRow(ctx, bookingSelect+`
		WHERE reference = $1
	`, reference))
	if IsNotFound(err) {
		return model.Booking{}, false, nil
	}
	if err != nil {
		return model.Booking{}, false, wrapUnavailable(err)
	}
	return b, true, nil
}

type ListFilter struct {
	PatientID      string
	PractitionerID string
	Status         string
	From           time.Time
	To             time.Time
	Limit          int
}

// List returns bookings newest-first. Empty filter fields are ignored;
// handlers pin PatientID or PractitionerID to the authenticated actor.
func (r *BookingRepository) List(ctx context.Context, f ListFilter) ([]model.Booking, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	var from, to *time.Time
	if !f.From.IsZero() {
		from = &f.From
	}
	if !f.To.IsZero() {
		to = &f.To
	}
	rows, err := r.pool.Query(ctx, bookingSelect+`
		WHERE ($1 = '' OR patient_id::text = $1)
			AND ($2 = '' OR practitioner_id::text = $2)
			AND ($3 = '' OR status = $3)
			AND ($4::timestamptz IS NULL OR start_time >= $4)
			AND ($5::timestamptz IS NULL OR start_time < $5)
		ORDER BY start_time DESC
		LIMIT $6
	`, f.PatientID, f.PractitionerID, f.Status, from, to, f.Limit)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer rows.Close()

	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if rows.Err() != nil {
		return nil, wrapUnavailable(rows.Err())
	}
	return out, nil
}

// LockIdempotencyKey claims a key under a row lock. The bool reports
// whether the key was seen before; a replay with a finalized record short
// circuits to the stored response.
func (r *BookingRepository) LockIdempotencyKey(ctx context.Context, tx pgx.Tx, patientID, key string) (IdempotencyRecord, bool, error) {
	rec, err := r.selectIdempotencyForUpdate(ctx, tx, patientID, key)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return IdempotencyRecord{}, false, wrapUnavailable(err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (patient_id, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (patient_id, idempotency_key) DO NOTHING
	`, patientID, key)
	if err != nil {
		return IdempotencyRecord{}, false, wrapUnavailable(err)
	}

	rec, err = r.selectIdempotencyForUpdate(ctx, tx, patientID, key)
	if err != nil {
		return IdempotencyRecord{}, false, wrapUnavailable(err)
	}
	return rec, false, nil
}

func (r *BookingRepository) FinalizeIdempotency(ctx context.Context, tx pgx.Tx, patientID, key, bookingID string, statusCode int, response []byte) error {
	_, err := tx.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET booking_id = $3,
			status_code = $4,
			response_payload = $5,
			updated_at = now()
		WHERE patient_id = $1 AND idempotency_key = $2
	`, patientID, key, nullIfEmpty(bookingID), statusCode, response)
	return wrapUnavailable(err)
}

func (r *BookingRepository) selectIdempotencyForUpdate(ctx context.Context, tx pgx.Tx, patientID, key string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var responseText string
	err := tx.QueryRow(ctx, `
		SELECT patient_id::text,
			idempotency_key,
			COALESCE(booking_id::text, ''),
			COALESCE(status_code, 0),
			COALESCE(response_payload::text, '')
		FROM booking_idempotency_keys
		WHERE patient_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, patientID, key).Scan(
		&rec.PatientID,
		&rec.IdempotencyKey,
		&rec.BookingID,
		&rec.StatusCode,
		&responseText,
	)
	if err != nil {
		return IdempotencyRecord{}, err
	}
	if responseText != "" {
		rec.ResponsePayload = []byte(responseText)
	}
	return rec, nil
}
