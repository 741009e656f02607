package message

import (
	"strings"
	"testing"
)

func sampleEvent() BookingEvent {
	return BookingEvent{
		BookingID:    "b-1",
		Reference:    "PB-20260302-XY12",
		PatientEmail: "pat@example.com",
		StartTime:    "2026-03-02T10:00:00Z",
	}
}

func TestComposeConfirmed(t *testing.T) {
	msg, err := Compose("scheduling.booking.confirmed.v1", sampleEvent())
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if !strings.Contains(msg.Subject, "PB-20260302-XY12") {
		t.Fatalf("subject missing reference: %q", msg.Subject)
	}
	if !strings.Contains(msg.Body, "Mon, 02 Mar 2026 at 10:00 UTC") {
		t.Fatalf("body missing formatted start time: %q", msg.Body)
	}
	if msg.SMS == "" {
		t.Fatal("expected sms variant")
	}
}

func TestComposeCancelledIncludesReasonAndLateFlag(t *testing.T) {
	evt := sampleEvent()
	evt.ToStatus = "cancelled"
	evt.Reason = "patient unwell"
	evt.LateCancellation = true

	msg, err := Compose("scheduling.booking.cancelled.v1", evt)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if !strings.Contains(msg.Body, "patient unwell") {
		t.Fatalf("body missing reason: %q", msg.Body)
	}
	if !strings.Contains(msg.Body, "late-cancellation policy") {
		t.Fatalf("body missing late cancellation note: %q", msg.Body)
	}
}

func TestComposeCancelledWithoutReason(t *testing.T) {
	evt := sampleEvent()
	evt.ToStatus = "cancelled"

	msg, err := Compose("scheduling.booking.cancelled.v1", evt)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if strings.Contains(msg.Body, "Reason:") {
		t.Fatalf("unexpected reason line: %q", msg.Body)
	}
}

func TestComposeUnknownEventType(t *testing.T) {
	if _, err := Compose("scheduling.booking.rescheduled.v1", sampleEvent()); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestStagePrefersToStatus(t *testing.T) {
	evt := BookingEvent{Status: "pending", ToStatus: "confirmed"}
	if got := evt.Stage(); got != "confirmed" {
		t.Fatalf("stage = %q, want confirmed", got)
	}
	evt = BookingEvent{Status: "pending"}
	if got := evt.Stage(); got != "pending" {
		t.Fatalf("stage = %q, want pending", got)
	}
}

func TestFormatStartFallsBackToRaw(t *testing.T) {
	if got := formatStart("not-a-time"); got != "not-a-time" {
		t.Fatalf("formatStart = %q", got)
	}
}
