package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/physiobook/physiobook/services/scheduling-service/internal/lifecycle"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/model"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/storage"
)

// PaymentHandler processes Stripe webhooks (no JWT auth; the signature
// is the auth). Settling a payment and confirming its booking happen in
// one transaction, so the confirmation cascade never observes a
// half-settled payment.
type PaymentHandler struct {
	store       *storage.Store
	coordinator *lifecycle.Coordinator
	logger      *slog.Logger

	webhookSecret    string
	webhookTolerance time.Duration
}

func NewPaymentHandler(store *storage.Store, coordinator *lifecycle.Coordinator, logger *slog.Logger, webhookSecret string, tolerance time.Duration) *PaymentHandler {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &PaymentHandler{
		store:            store,
		coordinator:      coordinator,
		logger:           logger,
		webhookSecret:    strings.TrimSpace(webhookSecret),
		webhookTolerance: tolerance,
	}
}

func (h *PaymentHandler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.webhookSecret == "" {
		http.Error(w, "stripe webhook not configured", http.StatusServiceUnavailable)
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	evt, err := webhook.ConstructEventWithTolerance(body, sigHeader, h.webhookSecret, h.webhookTolerance)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	evtType := string(evt.Type)
	h.logger.Info("payment provider event received",
		"provider", "stripe",
		"provider_event_id", evt.ID,
		"event_type", evtType,
	)

	// Same per-transaction deadline the coordinator applies to its own
	// transactions; Stripe retries on timeout.
	ctx, cancel := context.WithTimeout(r.Context(), h.coordinator.StoreTimeout())
	defer cancel()

	pgtx, err := h.store.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = pgtx.Rollback(ctx) }()
	tx := h.store.WrapTx(pgtx)

	// Replay protection: Stripe retries events until acknowledged.
	if err := tx.InsertProviderEvent(ctx, storage.ProviderEvent{
		Provider:        "stripe",
		ProviderEventID: evt.ID,
		EventType:       evtType,
		Payload:         body,
	}); err != nil {
		if errors.Is(err, storage.ErrDuplicateProviderEvent) {
			h.logger.Info("payment provider event duplicate ignored", "provider", "stripe", "provider_event_id", evt.ID)
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			_ = pgtx.Commit(ctx)
			return
		}
		http.Error(w, "failed to record provider event", http.StatusInternalServerError)
		return
	}

	switch evtType {
	case "payment_intent.succeeded":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &intent); err != nil {
			h.logger.Error("stripe: invalid payment intent payload", "err", err)
			break
		}
		if err := h.settle(ctx, tx, &intent, model.PaymentCompleted); err != nil {
			http.Error(w, "failed to settle payment", http.StatusInternalServerError)
			return
		}

	case "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &intent); err != nil {
			h.logger.Error("stripe: invalid payment intent payload", "err", err)
			break
		}
		if err := h.settle(ctx, tx, &intent, model.PaymentFailed); err != nil {
			http.Error(w, "failed to record payment failure", http.StatusInternalServerError)
			return
		}

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &charge); err != nil {
			h.logger.Error("stripe: invalid charge payload", "err", err)
			break
		}
		ref := ""
		if charge.PaymentIntent != nil {
			ref = charge.PaymentIntent.ID
		}
		if ref == "" {
			h.logger.Warn("stripe: refunded charge without payment intent", "charge_id", charge.ID)
			break
		}
		pay, ok, err := tx.PaymentForUpdateByProviderRef(ctx, "stripe", ref)
		if err != nil {
			http.Error(w, "failed to load payment", http.StatusInternalServerError)
			return
		}
		if !ok {
			h.logger.Warn("stripe: refund for unknown payment", "provider_ref", ref)
			break
		}
		if err := tx.MarkPaymentStatus(ctx, pay.ID, model.PaymentRefunded, ref); err != nil {
			http.Error(w, "failed to mark refund", http.StatusInternalServerError)
			return
		}
	}

	if err := pgtx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// settle records the payment outcome and, on success, confirms a still
// pending booking in the same transaction.
func (h *PaymentHandler) settle(ctx context.Context, tx *storage.Tx, intent *stripe.PaymentIntent, status model.PaymentStatus) error {
	bookingID := strings.TrimSpace(intent.Metadata["booking_id"])
	if bookingID == "" {
		h.logger.Warn("stripe: payment intent without booking_id metadata", "payment_intent_id", intent.ID)
		return nil
	}

	pay, ok, err := tx.PaymentForUpdateByBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if !ok {
		h.logger.Warn("stripe: payment intent for unknown booking", "booking_id", bookingID)
		return nil
	}
	if pay.Status == status {
		return nil
	}
	if err := tx.MarkPaymentStatus(ctx, pay.ID, status, intent.ID); err != nil {
		return err
	}

	if status != model.PaymentCompleted {
		return nil
	}
	b, ok, err := tx.BookingForUpdate(ctx, bookingID)
	if err != nil {
		return err
	}
	if !ok || b.Status != model.StatusPending {
		return nil
	}
	actor := lifecycle.Actor{ID: "stripe", Role: "system"}
	if _, err := h.coordinator.TransitionTx(ctx, tx, bookingID, model.StatusConfirmed, actor, ""); err != nil {
		// A cancelled booking can no longer confirm; the completed payment
		// stays on record for the refund path.
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			h.logger.Warn("stripe: booking not confirmable", "booking_id", bookingID, "err", err)
			return nil
		}
		return err
	}
	h.logger.Info("booking confirmed by payment", "booking_id", bookingID, "payment_id", pay.ID)
	return nil
}
