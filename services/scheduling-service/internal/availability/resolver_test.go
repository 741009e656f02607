package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/physiobook/physiobook/services/scheduling-service/internal/schedule"
)

type fakeStore struct {
	rules     []schedule.RecurringRule
	overrides []schedule.Override
	booked    []Interval
}

func (f *fakeStore) ActiveRules(_ context.Context, _ string) ([]schedule.RecurringRule, error) {
	return f.rules, nil
}

func (f *fakeStore) OverridesInRange(_ context.Context, _ string, _, _ time.Time) ([]schedule.Override, error) {
	return f.overrides, nil
}

func (f *fakeStore) BookedIntervals(_ context.Context, _ string, _, _ time.Time) ([]Interval, error) {
	return f.booked, nil
}

func newTestResolver(store Store) *Resolver {
	return NewResolver(store, 90).WithClock(func() time.Time { return day.Add(-24 * time.Hour) })
}

func TestOpenSlots_MondayScenario(t *testing.T) {
	// Recurring Mon 09:00-12:00, existing booking 10:00-11:00,
	// 30-minute slots: expect 09:00, 09:30, 11:00, 11:30.
	store := &fakeStore{
		rules: []schedule.RecurringRule{{
			ID:             "r1",
			PractitionerID: "prac-1",
			Weekday:        time.Monday,
			StartMinute:    9 * 60,
			EndMinute:      12 * 60,
			Active:         true,
		}},
		booked: []Interval{{Start: at(10, 0), End: at(11, 0)}},
	}

	slots, err := newTestResolver(store).OpenSlots(context.Background(), "prac-1", "clinic-1", day, day, 30)
	if err != nil {
		t.Fatalf("open slots: %v", err)
	}

	want := []time.Time{at(9, 0), at(9, 30), at(11, 0), at(11, 30)}
	if len(slots) != len(want) {
		t.Fatalf("expected %d slots, got %d (%v)", len(want), len(slots), slots)
	}
	for i, w := range want {
		if !slots[i].Start.Equal(w) {
			t.Fatalf("slot %d: expected %s, got %s", i, w.Format("15:04"), slots[i].Start.Format("15:04"))
		}
	}
	for _, s := range slots {
		if Overlaps(s.Start, s.End, store.booked) {
			t.Fatalf("slot %v overlaps a booking", s)
		}
	}
}

func TestOpenSlots_RejectsExcessiveRange(t *testing.T) {
	r := newTestResolver(&fakeStore{})

	_, err := r.OpenSlots(context.Background(), "prac-1", "", day, day.AddDate(0, 0, 91), 30)
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}

	_, err = r.OpenSlots(context.Background(), "prac-1", "", day, day.AddDate(0, 0, -1), 30)
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange for inverted range, got %v", err)
	}
}

func TestOpenSlots_LookaheadAnchoredAtToday(t *testing.T) {
	// A one-day range is still out of bounds when it starts beyond the
	// lookahead horizon.
	r := newTestResolver(&fakeStore{})
	far := day.AddDate(1, 0, 0)

	_, err := r.OpenSlots(context.Background(), "prac-1", "", far, far, 30)
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange beyond the lookahead horizon, got %v", err)
	}
}

func TestOpenSlots_RejectsBadSlotDuration(t *testing.T) {
	r := newTestResolver(&fakeStore{})

	for _, mins := range []int{0, -30, 9 * 60} {
		if _, err := r.OpenSlots(context.Background(), "prac-1", "", day, day, mins); !errors.Is(err, ErrInvalidSlotDuration) {
			t.Fatalf("slot minutes %d: expected ErrInvalidSlotDuration, got %v", mins, err)
		}
	}
}

func TestOpenSlots_BookingBlocksAcrossClinics(t *testing.T) {
	// The booked interval belongs to another clinic, but the practitioner
	// is still unavailable everywhere during it.
	store := &fakeStore{
		rules: []schedule.RecurringRule{{
			ID:             "r1",
			PractitionerID: "prac-1",
			ClinicID:       "clinic-a",
			Weekday:        time.Monday,
			StartMinute:    9 * 60,
			EndMinute:      11 * 60,
			Active:         true,
		}},
		booked: []Interval{{Start: at(9, 0), End: at(10, 0)}},
	}

	slots, err := newTestResolver(store).OpenSlots(context.Background(), "prac-1", "clinic-a", day, day, 60)
	if err != nil {
		t.Fatalf("open slots: %v", err)
	}
	if len(slots) != 1 || !slots[0].Start.Equal(at(10, 0)) {
		t.Fatalf("expected only the 10:00 slot, got %v", slots)
	}
}

func TestOpenSlots_MultipleDaysChronological(t *testing.T) {
	store := &fakeStore{
		rules: []schedule.RecurringRule{
			{ID: "r1", PractitionerID: "prac-1", Weekday: time.Monday, StartMinute: 9 * 60, EndMinute: 10 * 60, Active: true},
			{ID: "r2", PractitionerID: "prac-1", Weekday: time.Tuesday, StartMinute: 9 * 60, EndMinute: 10 * 60, Active: true},
		},
	}

	slots, err := newTestResolver(store).OpenSlots(context.Background(), "prac-1", "", day, day.AddDate(0, 0, 1), 60)
	if err != nil {
		t.Fatalf("open slots: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}
	if !slots[1].Start.After(slots[0].Start) {
		t.Fatalf("slots out of order: %v", slots)
	}
}
