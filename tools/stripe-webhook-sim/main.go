// Command stripe-webhook-sim sends a signed Stripe test event to the
// scheduling service, for exercising the webhook path without a real
// Stripe account.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"
)

func main() {
	var (
		baseURL = flag.String("base-url", getenv("BASE_URL", "http://localhost:8084"), "scheduling service base url")
		evtType = flag.String("type", getenv("STRIPE_EVENT_TYPE", "payment_intent.succeeded"), "stripe event type")
		booking = flag.String("booking-id", getenv("BOOKING_ID", ""), "booking_id metadata")
		intent  = flag.String("intent", getenv("PAYMENT_INTENT_ID", "pi_test_123"), "payment intent id")
		amount  = flag.Int64("amount", 8000, "amount in cents")
		secret  = flag.String("secret", getenv("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(*booking) == "" && *evtType != "charge.refunded" {
		fatal("BOOKING_ID is required")
	}

	now := time.Now().UTC()
	eventID := fmt.Sprintf("evt_test_%d", now.UnixNano())

	payload, err := buildEventJSON(eventID, *evtType, now, *booking, *intent, *amount)
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/payments/webhooks/stripe", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	fmt.Printf("status=%d\n", resp.StatusCode)
}

func buildEventJSON(eventID, eventType string, t time.Time, bookingID, intentID string, amount int64) ([]byte, error) {
	created := t.Unix()
	switch eventType {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		return json.Marshal(map[string]any{
			"id":          eventID,
			"object":      "event",
			"created":     created,
			"type":        eventType,
			"api_version": "2020-08-27",
			"data": map[string]any{
				"object": map[string]any{
					"id":     intentID,
					"object": "payment_intent",
					"amount": amount,
					"metadata": map[string]any{
						"booking_id": bookingID,
					},
				},
			},
		})
	case "charge.refunded":
		return json.Marshal(map[string]any{
			"id":          eventID,
			"object":      "event",
			"created":     created,
			"type":        eventType,
			"api_version": "2020-08-27",
			"data": map[string]any{
				"object": map[string]any{
					"id":             "ch_test_123",
					"object":         "charge",
					"amount":         amount,
					"refunded":       true,
					"payment_intent": intentID,
				},
			},
		})
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
