package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/physiobook/physiobook/libs/auth"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/availability"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/booking"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/lifecycle"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/schedule"
)

type fakeAvailabilityStore struct {
	rules []schedule.RecurringRule
	busy  []availability.Interval
}

func (f *fakeAvailabilityStore) ActiveRules(context.Context, string) ([]schedule.RecurringRule, error) {
	return f.rules, nil
}

func (f *fakeAvailabilityStore) OverridesInRange(context.Context, string, time.Time, time.Time) ([]schedule.Override, error) {
	return nil, nil
}

func (f *fakeAvailabilityStore) BookedIntervals(context.Context, string, time.Time, time.Time) ([]availability.Interval, error) {
	return f.busy, nil
}

func TestSlotsEndpoint(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) // a Monday
	store := &fakeAvailabilityStore{
		rules: []schedule.RecurringRule{
			{ID: "r1", PractitionerID: "prac-1", Weekday: time.Monday, StartMinute: 9 * 60, EndMinute: 12 * 60, Active: true},
		},
		busy: []availability.Interval{
			{Start: day.Add(10 * time.Hour), End: day.Add(11 * time.Hour)},
		},
	}
	resolver := availability.NewResolver(store, 90).WithClock(func() time.Time { return day })
	h := NewBookingHandler(resolver, nil, nil, nil, nil, nil, slog.New(slog.DiscardHandler), NewVerifier("secret", "", 0))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/public/slots?practitioner_id=prac-1&from=2026-03-02&slot_minutes=30", nil)
	rec := httptest.NewRecorder()
	h.Slots(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var items []slotItem
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []string{"2026-03-02T09:00:00Z", "2026-03-02T09:30:00Z", "2026-03-02T11:00:00Z", "2026-03-02T11:30:00Z"}
	if len(items) != len(want) {
		t.Fatalf("got %d slots, want %d: %v", len(items), len(want), items)
	}
	for i, w := range want {
		if items[i].StartTime != w {
			t.Fatalf("slot %d = %s, want %s", i, items[i].StartTime, w)
		}
	}
}

func TestSlotsEndpoint_RejectsBadParams(t *testing.T) {
	h := NewBookingHandler(availability.NewResolver(&fakeAvailabilityStore{}, 90), nil, nil, nil, nil, nil, slog.New(slog.DiscardHandler), NewVerifier("secret", "", 0))

	for _, target := range []string{
		"/api/v1/public/slots?from=2026-03-02",                                      // missing practitioner
		"/api/v1/public/slots?practitioner_id=p&from=not-a-date",                    // bad date
		"/api/v1/public/slots?practitioner_id=p&from=2026-03-02&slot_minutes=0",     // bad duration
		"/api/v1/public/slots?practitioner_id=p&from=2026-03-02&to=2026-01-01",      // inverted range
		"/api/v1/public/slots?practitioner_id=p&from=2026-03-02&slot_minutes=10000", // oversized slot
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		h.Slots(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", target, rec.Code)
		}
	}
}

func TestVerifierClaims(t *testing.T) {
	token, err := auth.SignHS256(auth.Claims{
		Sub:  "pat-1",
		Role: "patient",
		Exp:  time.Now().Add(time.Hour).Unix(),
		Iat:  time.Now().Unix(),
	}, "secret")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bookings", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	claims, err := NewVerifier("secret", "", 0).Claims(req)
	if err != nil {
		t.Fatalf("claims: %v", err)
	}
	if claims.Sub != "pat-1" || claims.Role != "patient" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	if _, err := NewVerifier("other-secret", "", 0).Claims(req); err == nil {
		t.Fatal("expected verification failure with wrong secret")
	}

	req.Header.Del("Authorization")
	if _, err := NewVerifier("secret", "", 0).Claims(req); err == nil {
		t.Fatal("expected failure without Authorization header")
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{booking.ErrValidation, http.StatusBadRequest},
		{booking.ErrInvalidDuration, http.StatusBadRequest},
		{booking.ErrNotFound, http.StatusNotFound},
		{booking.ErrSlotConflict, http.StatusConflict},
		{lifecycle.ErrInvalidTransition, http.StatusConflict},
		{lifecycle.ErrPaymentRequired, http.StatusPaymentRequired},
		{booking.ErrSlotUnavailable, http.StatusUnprocessableEntity},
		{booking.ErrPractitionerInactive, http.StatusUnprocessableEntity},
		{booking.ErrStoreUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		if got := statusForError(tc.err); got != tc.want {
			t.Fatalf("statusForError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
