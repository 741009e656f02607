package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/physiobook/physiobook/services/scheduling-service/internal/booking"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/model"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/outbox"
)

var apptStart = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type memStore struct {
	bookings map[string]model.Booking
	payments map[string]model.Payment
	events   []outbox.Event
}

type memTx struct {
	s *memStore
}

func newMemStore() *memStore {
	return &memStore{
		bookings: map[string]model.Booking{},
		payments: map[string]model.Payment{},
	}
}

func (s *memStore) InTx(_ context.Context, fn func(ctx context.Context, tx Tx) error) error {
	saved := s.events
	if err := fn(context.Background(), &memTx{s: s}); err != nil {
		s.events = saved
		return err
	}
	return nil
}

func (t *memTx) BookingForUpdate(_ context.Context, id string) (model.Booking, bool, error) {
	b, ok := t.s.bookings[id]
	return b, ok, nil
}

func (t *memTx) AuthoritativePayment(_ context.Context, bookingID string) (model.Payment, bool, error) {
	p, ok := t.s.payments[bookingID]
	return p, ok, nil
}

func (t *memTx) UpdateBookingStatus(_ context.Context, b *model.Booking) error {
	t.s.bookings[b.ID] = *b
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, evt outbox.Event) error {
	t.s.events = append(t.s.events, evt)
	return nil
}

func newTestCoordinator(s *memStore, now time.Time) *Coordinator {
	c := NewCoordinator(s, slog.New(slog.DiscardHandler), Config{})
	c.now = func() time.Time { return now }
	return c
}

func seedBooking(s *memStore, status model.BookingStatus) model.Booking {
	b := model.Booking{
		ID:              "bkg-1",
		Reference:       "PB-TESTREF1",
		PatientID:       "pat-1",
		PractitionerID:  "prac-1",
		ClinicID:        "clinic-1",
		StartTime:       apptStart,
		DurationMinutes: 60,
		Status:          status,
	}
	s.bookings[b.ID] = b
	return b
}

func eventTypes(events []outbox.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventType)
	}
	return out
}

func TestTransition_ConfirmRequiresCompletedPayment(t *testing.T) {
	s := newMemStore()
	seedBooking(s, model.StatusPending)
	c := newTestCoordinator(s, apptStart.Add(-48*time.Hour))

	_, err := c.Transition(context.Background(), "bkg-1", model.StatusConfirmed, Actor{ID: "admin-1", Role: "admin"}, "")
	if !errors.Is(err, ErrPaymentRequired) {
		t.Fatalf("expected ErrPaymentRequired, got %v", err)
	}

	s.payments["bkg-1"] = model.Payment{ID: "pay-1", BookingID: "bkg-1", Status: model.PaymentPending}
	_, err = c.Transition(context.Background(), "bkg-1", model.StatusConfirmed, Actor{ID: "admin-1", Role: "admin"}, "")
	if !errors.Is(err, ErrPaymentRequired) {
		t.Fatalf("expected ErrPaymentRequired for pending payment, got %v", err)
	}

	s.payments["bkg-1"] = model.Payment{ID: "pay-1", BookingID: "bkg-1", Status: model.PaymentCompleted, AmountCents: 8000}
	b, err := c.Transition(context.Background(), "bkg-1", model.StatusConfirmed, Actor{ID: "admin-1", Role: "admin"}, "")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if b.Status != model.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", b.Status)
	}
	got := eventTypes(s.events)
	if len(got) != 1 || got[0] != "scheduling.booking.confirmed.v1" {
		t.Fatalf("events = %v, want one confirmed event", got)
	}
}

func TestTransition_TerminalStatesAreFrozen(t *testing.T) {
	for _, terminal := range []model.BookingStatus{model.StatusCompleted, model.StatusCancelled} {
		for _, target := range []model.BookingStatus{model.StatusPending, model.StatusConfirmed, model.StatusCompleted, model.StatusCancelled} {
			s := newMemStore()
			b := seedBooking(s, terminal)
			c := newTestCoordinator(s, apptStart.Add(time.Hour))

			_, err := c.Transition(context.Background(), b.ID, target, Actor{ID: "admin-1", Role: "admin"}, "because")
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", terminal, target, err)
			}
			if len(s.events) != 0 {
				t.Fatalf("%s -> %s: emitted events %v", terminal, target, eventTypes(s.events))
			}
		}
	}
}

func TestTransition_CancelRequiresReason(t *testing.T) {
	s := newMemStore()
	seedBooking(s, model.StatusPending)
	c := newTestCoordinator(s, apptStart.Add(-48*time.Hour))

	_, err := c.Transition(context.Background(), "bkg-1", model.StatusCancelled, Actor{ID: "pat-1", Role: "patient"}, "  ")
	if !errors.Is(err, booking.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if s.bookings["bkg-1"].Status != model.StatusPending {
		t.Fatalf("booking mutated on failed cancel")
	}
}

func TestTransition_LateCancellationFlag(t *testing.T) {
	cases := []struct {
		name string
		now  time.Time
		late bool
	}{
		{"well before cutoff", apptStart.Add(-30 * time.Hour), false},
		{"inside cutoff", apptStart.Add(-2 * time.Hour), true},
		{"exactly at cutoff", apptStart.Add(-24 * time.Hour), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newMemStore()
			seedBooking(s, model.StatusPending)
			c := newTestCoordinator(s, tc.now)

			b, err := c.Transition(context.Background(), "bkg-1", model.StatusCancelled, Actor{ID: "pat-1", Role: "patient"}, "cannot make it")
			if err != nil {
				t.Fatalf("cancel: %v", err)
			}
			if b.LateCancellation != tc.late {
				t.Fatalf("late = %v, want %v", b.LateCancellation, tc.late)
			}
			if b.CancelReason != "cannot make it" || b.CancelledAt == nil {
				t.Fatalf("cancel metadata not recorded: %+v", b)
			}
		})
	}
}

func TestTransition_CancelConfirmedWithPaymentRequestsRefund(t *testing.T) {
	s := newMemStore()
	seedBooking(s, model.StatusConfirmed)
	s.payments["bkg-1"] = model.Payment{ID: "pay-1", BookingID: "bkg-1", Status: model.PaymentCompleted, AmountCents: 8000}
	c := newTestCoordinator(s, apptStart.Add(-2*time.Hour))

	b, err := c.Transition(context.Background(), "bkg-1", model.StatusCancelled, Actor{ID: "pat-1", Role: "patient"}, "emergency")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !b.LateCancellation {
		t.Fatalf("expected late cancellation inside cutoff")
	}
	got := eventTypes(s.events)
	want := map[string]bool{
		"scheduling.booking.cancelled.v1":        false,
		"scheduling.payment.refund_requested.v1": false,
	}
	for _, et := range got {
		if _, ok := want[et]; !ok {
			t.Fatalf("unexpected event %s in %v", et, got)
		}
		want[et] = true
	}
	for et, seen := range want {
		if !seen {
			t.Fatalf("missing event %s, got %v", et, got)
		}
	}
}

func TestTransition_CancelPendingDoesNotRequestRefund(t *testing.T) {
	s := newMemStore()
	seedBooking(s, model.StatusPending)
	s.payments["bkg-1"] = model.Payment{ID: "pay-1", BookingID: "bkg-1", Status: model.PaymentCompleted}
	c := newTestCoordinator(s, apptStart.Add(-48*time.Hour))

	if _, err := c.Transition(context.Background(), "bkg-1", model.StatusCancelled, Actor{ID: "pat-1", Role: "patient"}, "changed plans"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got := eventTypes(s.events)
	if len(got) != 1 || got[0] != "scheduling.booking.cancelled.v1" {
		t.Fatalf("events = %v, want only the cancelled event", got)
	}
}

func TestTransition_CompleteBeforeStartRejected(t *testing.T) {
	s := newMemStore()
	seedBooking(s, model.StatusConfirmed)
	c := newTestCoordinator(s, apptStart.Add(-time.Minute))

	_, err := c.Transition(context.Background(), "bkg-1", model.StatusCompleted, Actor{ID: "prac-1", Role: "practitioner"}, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition before start, got %v", err)
	}
}

func TestTransition_CompleteEmitsReviewEligibility(t *testing.T) {
	s := newMemStore()
	seedBooking(s, model.StatusConfirmed)
	c := newTestCoordinator(s, apptStart.Add(90*time.Minute))

	b, err := c.Transition(context.Background(), "bkg-1", model.StatusCompleted, Actor{ID: "prac-1", Role: "practitioner"}, "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if b.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", b.Status)
	}
	got := eventTypes(s.events)
	if len(got) != 2 {
		t.Fatalf("events = %v, want lifecycle + review eligibility", got)
	}
	seen := map[string]bool{}
	for _, et := range got {
		seen[et] = true
	}
	if !seen["scheduling.booking.completed.v1"] || !seen["scheduling.booking.review_eligible.v1"] {
		t.Fatalf("events = %v", got)
	}
}

type stalledStore struct{}

func (stalledStore) InTx(ctx context.Context, _ func(context.Context, Tx) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestTransition_StoreTimeout(t *testing.T) {
	c := NewCoordinator(stalledStore{}, slog.New(slog.DiscardHandler), Config{StoreTimeout: 10 * time.Millisecond})

	if got := c.StoreTimeout(); got != 10*time.Millisecond {
		t.Fatalf("store timeout = %v, want 10ms", got)
	}
	_, err := c.Transition(context.Background(), "bkg-1", model.StatusCancelled, Actor{ID: "admin-1", Role: "admin"}, "x")
	if !errors.Is(err, booking.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable from a stalled store, got %v", err)
	}
}

func TestTransition_UnknownBooking(t *testing.T) {
	s := newMemStore()
	c := newTestCoordinator(s, apptStart)

	_, err := c.Transition(context.Background(), "bkg-missing", model.StatusCancelled, Actor{ID: "admin-1", Role: "admin"}, "x")
	if !errors.Is(err, booking.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
