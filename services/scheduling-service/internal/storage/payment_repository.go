package storage

import (
	"context"
	"errors"

	"github.com/physiobook/physiobook/services/scheduling-service/internal/model"
)

var ErrDuplicateProviderEvent = errors.New("provider event already processed")

// ProviderEvent is one received payment-provider webhook event, recorded
// for replay protection before any side effect is applied.
type ProviderEvent struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
}

func (t *Tx) InsertProviderEvent(ctx context.Context, evt ProviderEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO provider_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
	`, evt.Provider, evt.ProviderEventID, evt.EventType, evt.Payload)
	if IsUniqueViolation(err) {
		return ErrDuplicateProviderEvent
	}
	return wrapUnavailable(err)
}

func (t *Tx) PaymentForUpdateByBooking(ctx context.Context, bookingID string) (model.Payment, bool, error) {
	return t.paymentForUpdate(ctx, `
		SELECT id::text, booking_id::text, amount_cents, status, provider, COALESCE(provider_ref, ''), created_at, updated_at
		FROM payments
		WHERE booking_id = $1 AND status <> 'failed'
		FOR UPDATE
	`, bookingID)
}

func (t *Tx) PaymentForUpdateByProviderRef(ctx context.Context, provider, ref string) (model.Payment, bool, error) {
	return t.paymentForUpdate(ctx, `
		SELECT id::text, booking_id::text, amount_cents, status, provider, COALESCE(provider_ref, ''), created_at, updated_at
		FROM payments
		WHERE provider = $1 AND provider_ref = $2
		FOR UPDATE
	`, provider, ref)
}

func (t *Tx) paymentForUpdate(ctx context.Context, query string, args ...any) (model.Payment, bool, error) {
	var p model.Payment
	err := t.tx.QueryRow(ctx, query, args...).
		Scan(&p.ID, &p.BookingID, &p.AmountCents, &p.Status, &p.Provider, &p.ProviderRef, &p.CreatedAt, &p.UpdatedAt)
	if IsNotFound(err) {
		return model.Payment{}, false, nil
	}
	if err != nil {
		return model.Payment{}, false, wrapUnavailable(err)
	}
	return p, true, nil
}
