package message

import (
	"fmt"
	"strings"
	"time"
)

// BookingEvent mirrors the payload of the scheduling.booking.*.v1 topics.
// The created event carries "status", lifecycle transitions carry
// "to_status"; Stage() hides the difference.
type BookingEvent struct {
	BookingID        string `json:"booking_id"`
	Reference        string `json:"reference"`
	PatientID        string `json:"patient_id"`
	PatientEmail     string `json:"patient_email"`
	PatientPhone     string `json:"patient_phone"`
	PractitionerID   string `json:"practitioner_id"`
	ClinicID         string `json:"clinic_id"`
	StartTime        string `json:"start_time"`
	Status           string `json:"status"`
	ToStatus         string `json:"to_status"`
	Reason           string `json:"reason"`
	LateCancellation bool   `json:"late_cancellation"`
}

func (e BookingEvent) Stage() string {
	if e.ToStatus != "" {
		return e.ToStatus
	}
	return e.Status
}

// Message is the rendered content for one booking event. Body is the
// email body; SMS is a shorter single-line variant.
type Message struct {
	Subject string
	Body    string
	SMS     string
}

// Compose renders patient-facing copy for one lifecycle event.
// Unknown event types return an error so the caller can record the
// event as unhandled instead of sending something empty.
func Compose(eventType string, evt BookingEvent) (Message, error) {
	when := formatStart(evt.StartTime)

	switch eventType {
	case "scheduling.booking.created.v1":
		return Message{
			Subject: fmt.Sprintf("Booking request %s received", evt.Reference),
			Body: fmt.Sprintf(
				"We received your booking %s for %s.\n\nYour appointment is held while payment completes. You will get a confirmation as soon as it does.",
				evt.Reference, when),
			SMS: fmt.Sprintf("Booking %s received for %s. Awaiting payment.", evt.Reference, when),
		}, nil
	case "scheduling.booking.confirmed.v1":
		return Message{
			Subject: fmt.Sprintf("Booking %s confirmed", evt.Reference),
			Body: fmt.Sprintf(
				"Your booking %s is confirmed for %s.\n\nIf you need to reschedule, please cancel at least 24 hours before the appointment.",
				evt.Reference, when),
			SMS: fmt.Sprintf("Booking %s confirmed for %s.", evt.Reference, when),
		}, nil
	case "scheduling.booking.cancelled.v1":
		body := fmt.Sprintf("Your booking %s for %s has been cancelled.", evt.Reference, when)
		if reason := strings.TrimSpace(evt.Reason); reason != "" {
			body += "\n\nReason: " + reason
		}
		if evt.LateCancellation {
			body += "\n\nThis cancellation was inside the 24-hour window, so the late-cancellation policy applies to any refund."
		}
		return Message{
			Subject: fmt.Sprintf("Booking %s cancelled", evt.Reference),
			Body:    body,
			SMS:     fmt.Sprintf("Booking %s for %s was cancelled.", evt.Reference, when),
		}, nil
	case "scheduling.booking.completed.v1":
		return Message{
			Subject: "Thanks for your visit",
			Body: fmt.Sprintf(
				"Thanks for attending your appointment %s on %s.\n\nWe would love to hear how it went — a reply to this email reaches the clinic directly.",
				evt.Reference, when),
			SMS: fmt.Sprintf("Thanks for attending appointment %s. We'd love your feedback.", evt.Reference),
		}, nil
	}

	return Message{}, fmt.Errorf("no template for event type %q", eventType)
}

func formatStart(raw string) string {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return raw
	}
	return t.Format("Mon, 02 Jan 2006 at 15:04 MST")
}
