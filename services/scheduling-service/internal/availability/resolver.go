package availability

import (
	"context"
	"errors"
	"time"

	"github.com/physiobook/physiobook/services/scheduling-service/internal/schedule"
)

var (
	// ErrInvalidRange rejects inverted ranges and ranges beyond the
	// configured lookahead; unbounded resolution is never attempted.
	ErrInvalidRange = errors.New("invalid date range")

	// ErrInvalidSlotDuration rejects non-positive or oversized slot sizes.
	ErrInvalidSlotDuration = errors.New("invalid slot duration")
)

// Slot is a bookable candidate interval.
type Slot struct {
	Start time.Time
	End   time.Time
}

// Store is the read-side persistence the resolver needs. Cancelled
// bookings never appear in BookedIntervals.
type Store interface {
	ActiveRules(ctx context.Context, practitionerID string) ([]schedule.RecurringRule, error)
	OverridesInRange(ctx context.Context, practitionerID string, from, to time.Time) ([]schedule.Override, error)
	BookedIntervals(ctx context.Context, practitionerID string, from, to time.Time) ([]Interval, error)
}

const maxSlotDuration = 8 * time.Hour

// Resolver computes open slots from recurring rules, date overrides and
// existing bookings. Every call recomputes from current persisted state;
// callers re-resolve immediately before committing.
type Resolver struct {
	store     Store
	lookahead time.Duration
	now       func() time.Time
}

func NewResolver(store Store, lookaheadDays int) *Resolver {
	if lookaheadDays <= 0 {
		lookaheadDays = 90
	}
	return &Resolver{
		store:     store,
		lookahead: time.Duration(lookaheadDays) * 24 * time.Hour,
		now:       time.Now,
	}
}

// WithClock overrides the time source used for past-slot filtering and
// the lookahead bound; nil restores time.Now.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	r.now = now
	return r
}

// OpenSlots returns the chronologically ordered bookable slots for the
// practitioner at the clinic over [from, to] (calendar dates, inclusive).
// Bookings block across all clinics: a practitioner cannot be in two
// places at once.
func (r *Resolver) OpenSlots(ctx context.Context, practitionerID, clinicID string, from, to time.Time, slotMinutes int) ([]Slot, error) {
	if slotMinutes <= 0 || time.Duration(slotMinutes)*time.Minute > maxSlotDuration {
		return nil, ErrInvalidSlotDuration
	}

	now := r.now().UTC()

	first := schedule.Midnight(from)
	last := schedule.Midnight(to)
	if last.Before(first) {
		return nil, ErrInvalidRange
	}
	// Lookahead is anchored at the current date, so a short range far in
	// the future is rejected just like a long one.
	if last.Sub(schedule.Midnight(now)) > r.lookahead {
		return nil, ErrInvalidRange
	}
	rangeEnd := last.AddDate(0, 0, 1)

	rules, err := r.store.ActiveRules(ctx, practitionerID)
	if err != nil {
		return nil, err
	}
	overrides, err := r.store.OverridesInRange(ctx, practitionerID, first, rangeEnd)
	if err != nil {
		return nil, err
	}
	booked, err := r.store.BookedIntervals(ctx, practitionerID, first, rangeEnd)
	if err != nil {
		return nil, err
	}

	duration := time.Duration(slotMinutes) * time.Minute

	var slots []Slot
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		windows := schedule.WindowsForDate(rules, overrides, day, clinicID)
		if len(windows) == 0 {
			continue
		}
		free := SubtractBusy(windows, booked)
		for _, s := range TileSlots(free, duration, now) {
			slots = append(slots, Slot(s))
		}
	}
	return slots, nil
}
