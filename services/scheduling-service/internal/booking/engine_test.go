package booking

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/physiobook/physiobook/services/scheduling-service/internal/availability"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/model"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/outbox"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/schedule"
)

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

// memStore is an in-memory Store with transactional semantics: mutations
// run under a lock and are rolled back when the function errors, which
// mirrors the serialization the postgres store provides per practitioner
// day.
type memStore struct {
	mu            sync.Mutex
	rules         []schedule.RecurringRule
	overrides     []schedule.Override
	bookings      []model.Booking
	payments      []model.Payment
	events        []outbox.Event
	practitioners map[string]bool
	clinics       map[string]bool
	treatments    map[string]model.TreatmentType
	nextID        int
}

type memTx struct {
	s *memStore
}

func newMemStore() *memStore {
	return &memStore{
		practitioners: map[string]bool{"prac-1": true},
		clinics:       map[string]bool{"clinic-1": true},
		treatments:    map[string]model.TreatmentType{},
	}
}

func (s *memStore) InTx(_ context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bookings := append([]model.Booking(nil), s.bookings...)
	payments := append([]model.Payment(nil), s.payments...)
	events := append([]outbox.Event(nil), s.events...)

	if err := fn(context.Background(), &memTx{s: s}); err != nil {
		s.bookings, s.payments, s.events = bookings, payments, events
		return err
	}
	return nil
}

func (t *memTx) PractitionerActive(_ context.Context, id string) (bool, error) {
	return t.s.practitioners[id], nil
}

func (t *memTx) ClinicActive(_ context.Context, id string) (bool, error) {
	return t.s.clinics[id], nil
}

func (t *memTx) ActiveRules(_ context.Context, _ string) ([]schedule.RecurringRule, error) {
	return t.s.rules, nil
}

func (t *memTx) OverridesInRange(_ context.Context, _ string, _, _ time.Time) ([]schedule.Override, error) {
	return t.s.overrides, nil
}

func (t *memTx) BookedIntervalsForUpdate(_ context.Context, practitionerID string, from, to time.Time) ([]availability.Interval, error) {
	var out []availability.Interval
	for _, b := range t.s.bookings {
		if b.PractitionerID != practitionerID {
			continue
		}
		if b.Status != model.StatusPending && b.Status != model.StatusConfirmed {
			continue
		}
		if b.StartTime.Before(to) && b.EndTime().After(from) {
			out = append(out, availability.Interval{Start: b.StartTime, End: b.EndTime()})
		}
	}
	return out, nil
}

func (t *memTx) TreatmentType(_ context.Context, id string) (model.TreatmentType, bool, error) {
	tt, ok := t.s.treatments[id]
	return tt, ok, nil
}

func (t *memTx) ReferenceExists(_ context.Context, ref string) (bool, error) {
	for _, b := range t.s.bookings {
		if b.Reference == ref {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertBooking(_ context.Context, b *model.Booking) error {
	t.s.nextID++
	b.ID = fmt.Sprintf("bkg-%d", t.s.nextID)
	b.CreatedAt = time.Now().UTC()
	t.s.bookings = append(t.s.bookings, *b)
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, p *model.Payment) error {
	t.s.nextID++
	p.ID = fmt.Sprintf("pay-%d", t.s.nextID)
	t.s.payments = append(t.s.payments, *p)
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, evt outbox.Event) error {
	t.s.events = append(t.s.events, evt)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func mondayRule() schedule.RecurringRule {
	return schedule.RecurringRule{
		ID:             "r1",
		PractitionerID: "prac-1",
		Weekday:        time.Monday,
		StartMinute:    9 * 60,
		EndMinute:      17 * 60,
		Active:         true,
	}
}

func commitReq(h, m, duration int) CommitRequest {
	return CommitRequest{
		PatientID:       "pat-1",
		PractitionerID:  "prac-1",
		ClinicID:        "clinic-1",
		Start:           monday.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute),
		DurationMinutes: duration,
	}
}

func TestCommit_Succeeds(t *testing.T) {
	store := newMemStore()
	store.rules = []schedule.RecurringRule{mondayRule()}
	var logBuf bytes.Buffer
	engine := NewEngine(store, slog.New(slog.NewTextHandler(&logBuf, nil)), Config{DefaultAmountCents: 8000})

	b, err := engine.Commit(context.Background(), commitReq(10, 0, 60))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if logBuf.Len() != 0 {
		t.Fatalf("success logging belongs to the caller, engine wrote: %s", logBuf.String())
	}
	if b.Status != model.StatusPending {
		t.Fatalf("expected pending, got %s", b.Status)
	}
	if !strings.HasPrefix(b.Reference, "PB-") || len(b.Reference) != 11 {
		t.Fatalf("unexpected reference %q", b.Reference)
	}
	if len(store.payments) != 1 || store.payments[0].Status != model.PaymentPending {
		t.Fatalf("expected one pending payment, got %v", store.payments)
	}
	if store.payments[0].AmountCents != 8000 {
		t.Fatalf("expected default amount, got %d", store.payments[0].AmountCents)
	}
	if len(store.events) != 1 || store.events[0].EventType != "scheduling.booking.created.v1" {
		t.Fatalf("expected created event, got %v", store.events)
	}
}

func TestCommit_DefaultDuration(t *testing.T) {
	store := newMemStore()
	store.rules = []schedule.RecurringRule{mondayRule()}
	engine := NewEngine(store, testLogger(), Config{})

	b, err := engine.Commit(context.Background(), commitReq(10, 0, 0))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if b.DurationMinutes != 60 {
		t.Fatalf("expected 60 minute default, got %d", b.DurationMinutes)
	}
}

func TestCommit_TreatmentTypePricing(t *testing.T) {
	store := newMemStore()
	store.rules = []schedule.RecurringRule{mondayRule()}
	store.treatments["tt-1"] = model.TreatmentType{ID: "tt-1", Name: "Deep tissue", PriceCents: 12500}
	engine := NewEngine(store, testLogger(), Config{DefaultAmountCents: 8000})

	req := commitReq(10, 0, 60)
	req.TreatmentTypeID = "tt-1"
	b, err := engine.Commit(context.Background(), req)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if b.AmountCents != 12500 {
		t.Fatalf("expected treatment price, got %d", b.AmountCents)
	}
}

func TestCommit_OutsideWindow(t *testing.T) {
	store := newMemStore()
	store.rules = []schedule.RecurringRule{mondayRule()}
	engine := NewEngine(store, testLogger(), Config{})

	_, err := engine.Commit(context.Background(), commitReq(18, 0, 60))
	if !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable, got %v", err)
	}
	if len(store.bookings) != 0 {
		t.Fatal("failed commit must not persist a booking")
	}
}

func TestCommit_BlockedByOverride(t *testing.T) {
	store := newMemStore()
	store.rules = []schedule.RecurringRule{mondayRule()}
	store.overrides = []schedule.Override{{
		PractitionerID: "prac-1",
		Date:           monday,
		StartMinute:    12 * 60,
		EndMinute:      13 * 60,
		Available:      false,
		Reason:         "CPD seminar",
	}}
	engine := NewEngine(store, testLogger(), Config{})

	_, err := engine.Commit(context.Background(), commitReq(12, 0, 60))
	if !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable, got %v", err)
	}
}

func TestCommit_ConflictWithExistingBooking(t *testing.T) {
	store := newMemStore()
	store.rules = []schedule.RecurringRule{mondayRule()}
	engine := NewEngine(store, testLogger(), Config{})

	if _, err := engine.Commit(context.Background(), commitReq(10, 0, 60)); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	_, err := engine.Commit(context.Background(), commitReq(10, 30, 60))
	if !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("expected ErrSlotConflict, got %v", err)
	}
}

func TestCommit_ConcurrentIdenticalInterval(t *testing.T) {
	store := newMemStore()
	store.rules = []schedule.RecurringRule{mondayRule()}
	engine := NewEngine(store, testLogger(), Config{})

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Commit(context.Background(), commitReq(14, 0, 60))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, conflict int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrSlotConflict):
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("expected exactly one winner, got ok=%d conflict=%d", ok, conflict)
	}
	if len(store.bookings) != 1 {
		t.Fatalf("expected a single persisted booking, got %d", len(store.bookings))
	}
}

func TestCommit_CancelledBookingDoesNotBlock(t *testing.T) {
	store := newMemStore()
	store.rules = []schedule.RecurringRule{mondayRule()}
	store.bookings = []model.Booking{{
		ID:              "bkg-old",
		PractitionerID:  "prac-1",
		ClinicID:        "clinic-1",
		StartTime:       monday.Add(10 * time.Hour),
		DurationMinutes: 60,
		Status:          model.StatusCancelled,
	}}
	engine := NewEngine(store, testLogger(), Config{})

	if _, err := engine.Commit(context.Background(), commitReq(10, 0, 60)); err != nil {
		t.Fatalf("cancelled booking should not block: %v", err)
	}
}

func TestCommit_InvalidInput(t *testing.T) {
	engine := NewEngine(newMemStore(), testLogger(), Config{})

	req := commitReq(10, 0, 60)
	req.PatientID = " "
	if _, err := engine.Commit(context.Background(), req); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	if _, err := engine.Commit(context.Background(), commitReq(10, 0, -30)); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration, got %v", err)
	}
	if _, err := engine.Commit(context.Background(), commitReq(10, 0, 600)); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration for oversized booking, got %v", err)
	}
}

// stalledStore never reaches the commit callback; it blocks until the
// engine's deadline fires.
type stalledStore struct{}

func (stalledStore) InTx(ctx context.Context, _ func(context.Context, Tx) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestCommit_StoreTimeout(t *testing.T) {
	engine := NewEngine(stalledStore{}, testLogger(), Config{StoreTimeout: 10 * time.Millisecond})

	if got := engine.StoreTimeout(); got != 10*time.Millisecond {
		t.Fatalf("store timeout = %v, want 10ms", got)
	}
	_, err := engine.Commit(context.Background(), commitReq(10, 0, 60))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable from a stalled store, got %v", err)
	}
}

func TestCommit_InactiveEntities(t *testing.T) {
	store := newMemStore()
	store.rules = []schedule.RecurringRule{mondayRule()}
	store.practitioners["prac-1"] = false
	engine := NewEngine(store, testLogger(), Config{})

	if _, err := engine.Commit(context.Background(), commitReq(10, 0, 60)); !errors.Is(err, ErrPractitionerInactive) {
		t.Fatalf("expected ErrPractitionerInactive, got %v", err)
	}

	store.practitioners["prac-1"] = true
	store.clinics["clinic-1"] = false
	if _, err := engine.Commit(context.Background(), commitReq(10, 0, 60)); !errors.Is(err, ErrClinicInactive) {
		t.Fatalf("expected ErrClinicInactive, got %v", err)
	}
}
