package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/physiobook/physiobook/services/scheduling-service/internal/booking"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/model"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/outbox"
)

var (
	ErrInvalidTransition = errors.New("transition not allowed")
	ErrPaymentRequired   = errors.New("completed payment required")
)

// transitions is the closed table; anything absent is rejected. Terminal
// states have no outgoing edges.
var transitions = map[model.BookingStatus][]model.BookingStatus{
	model.StatusPending:   {model.StatusConfirmed, model.StatusCancelled},
	model.StatusConfirmed: {model.StatusCompleted, model.StatusCancelled},
}

// Allowed reports whether from→to appears in the transition table.
func Allowed(from, to model.BookingStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Actor struct {
	ID   string
	Role string
}

// Tx is the transaction-scoped store surface for transitions. The
// postgres implementation lives in internal/storage.
type Tx interface {
	BookingForUpdate(ctx context.Context, bookingID string) (model.Booking, bool, error)
	AuthoritativePayment(ctx context.Context, bookingID string) (model.Payment, bool, error)
	UpdateBookingStatus(ctx context.Context, b *model.Booking) error
	AppendEvent(ctx context.Context, evt outbox.Event) error
}

type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Config struct {
	// CancellationCutoff marks cancellations inside this window before the
	// appointment as late. Informational only; fee computation is external.
	CancellationCutoff time.Duration
	StoreTimeout       time.Duration
}

// Coordinator drives the booking status state machine and fans out the
// cascade effects of each transition as outbox events. Every successful
// transition emits exactly one lifecycle event; cascades (refund request,
// review eligibility) ride in the same transaction.
type Coordinator struct {
	store  Store
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

func NewCoordinator(store Store, logger *slog.Logger, cfg Config) *Coordinator {
	if cfg.CancellationCutoff <= 0 {
		cfg.CancellationCutoff = 24 * time.Hour
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	return &Coordinator{store: store, logger: logger, cfg: cfg, now: time.Now}
}

// StoreTimeout is the per-transaction deadline. Callers of TransitionTx
// own the transaction and must apply it themselves.
func (c *Coordinator) StoreTimeout() time.Duration {
	return c.cfg.StoreTimeout
}

// Transition applies one status change in its own transaction.
func (c *Coordinator) Transition(ctx context.Context, bookingID string, target model.BookingStatus, actor Actor, reason string) (model.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()

	var out model.Booking
	err := c.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		b, err := c.TransitionTx(ctx, tx, bookingID, target, actor, reason)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return model.Booking{}, classify(err)
	}
	return out, nil
}

// TransitionTx applies the transition inside a caller-owned transaction.
// The payment webhook uses this to settle a payment and confirm the
// booking atomically.
func (c *Coordinator) TransitionTx(ctx context.Context, tx Tx, bookingID string, target model.BookingStatus, actor Actor, reason string) (model.Booking, error) {
	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" {
		return model.Booking{}, fmt.Errorf("%w: booking id is required", booking.ErrValidation)
	}
	if !target.Valid() {
		return model.Booking{}, fmt.Errorf("%w: unknown status %q", booking.ErrValidation, target)
	}

	b, ok, err := tx.BookingForUpdate(ctx, bookingID)
	if err != nil {
		return model.Booking{}, err
	}
	if !ok {
		return model.Booking{}, booking.ErrNotFound
	}

	if !Allowed(b.Status, target) {
		return model.Booking{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, target)
	}

	now := c.now().UTC()
	from := b.Status
	var cascades []outbox.Event

	switch target {
	case model.StatusConfirmed:
		pay, ok, err := tx.AuthoritativePayment(ctx, bookingID)
		if err != nil {
			return model.Booking{}, err
		}
		if !ok || pay.Status != model.PaymentCompleted {
			return model.Booking{}, ErrPaymentRequired
		}

	case model.StatusCancelled:
		reason = strings.TrimSpace(reason)
		if reason == "" {
			return model.Booking{}, fmt.Errorf("%w: cancellation reason is required", booking.ErrValidation)
		}
		b.CancelReason = reason
		b.CancelledAt = &now
		b.LateCancellation = b.StartTime.Sub(now) < c.cfg.CancellationCutoff

		if from == model.StatusConfirmed {
			pay, ok, err := tx.AuthoritativePayment(ctx, bookingID)
			if err != nil {
				return model.Booking{}, err
			}
			if ok && pay.Status == model.PaymentCompleted {
				evt, err := refundRequestedEvent(b, pay, now)
				if err != nil {
					return model.Booking{}, err
				}
				cascades = append(cascades, evt)
			}
		}

	case model.StatusCompleted:
		if now.Before(b.StartTime) {
			return model.Booking{}, fmt.Errorf("%w: appointment has not started yet", ErrInvalidTransition)
		}
		evt, err := reviewEligibleEvent(b, now)
		if err != nil {
			return model.Booking{}, err
		}
		cascades = append(cascades, evt)
	}

	b.Status = target
	b.UpdatedAt = now
	if err := tx.UpdateBookingStatus(ctx, &b); err != nil {
		return model.Booking{}, err
	}

	evt, err := lifecycleEvent(b, from, target, actor, reason, now)
	if err != nil {
		return model.Booking{}, err
	}
	if err := tx.AppendEvent(ctx, evt); err != nil {
		return model.Booking{}, err
	}
	for _, cascade := range cascades {
		if err := tx.AppendEvent(ctx, cascade); err != nil {
			return model.Booking{}, err
		}
	}
	return b, nil
}

func lifecycleEvent(b model.Booking, from, to model.BookingStatus, actor Actor, reason string, at time.Time) (outbox.Event, error) {
	body := map[string]any{
		"booking_id":      b.ID,
		"reference":       b.Reference,
		"patient_id":      b.PatientID,
		"patient_email":   b.PatientEmail,
		"patient_phone":   b.PatientPhone,
		"practitioner_id": b.PractitionerID,
		"clinic_id":       b.ClinicID,
		"start_time":      b.StartTime.Format(time.RFC3339),
		"from_status":     string(from),
		"to_status":       string(to),
		"occurred_at":     at.Format(time.RFC3339),
		"actor_id":        actor.ID,
		"actor_role":      actor.Role,
	}
	if reason != "" {
		body["reason"] = reason
	}
	if to == model.StatusCancelled {
		body["late_cancellation"] = b.LateCancellation
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: "booking",
		AggregateID:   b.ID,
		EventType:     fmt.Sprintf("scheduling.booking.%s.v1", to),
		Payload:       payload,
	}, nil
}

func refundRequestedEvent(b model.Booking, pay model.Payment, at time.Time) (outbox.Event, error) {
	payload, err := json.Marshal(map[string]any{
		"booking_id":   b.ID,
		"payment_id":   pay.ID,
		"amount_cents": pay.AmountCents,
		"requested_at": at.Format(time.RFC3339),
	})
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: "payment",
		AggregateID:   pay.ID,
		EventType:     "scheduling.payment.refund_requested.v1",
		Payload:       payload,
	}, nil
}

func reviewEligibleEvent(b model.Booking, at time.Time) (outbox.Event, error) {
	payload, err := json.Marshal(map[string]any{
		"booking_id":      b.ID,
		"patient_id":      b.PatientID,
		"practitioner_id": b.PractitionerID,
		"eligible_at":     at.Format(time.RFC3339),
	})
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: "booking",
		AggregateID:   b.ID,
		EventType:     "scheduling.booking.review_eligible.v1",
		Payload:       payload,
	}, nil
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", booking.ErrStoreUnavailable, err)
	default:
		return err
	}
}
