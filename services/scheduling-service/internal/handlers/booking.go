package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/physiobook/physiobook/libs/auth"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/availability"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/booking"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/directory"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/lifecycle"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/model"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/storage"
)

const dateLayout = "2006-01-02"

type BookingHandler struct {
	resolver    *availability.Resolver
	engine      *booking.Engine
	coordinator *lifecycle.Coordinator
	store       *storage.Store
	repo        *storage.BookingRepository
	directory   directory.Provider
	logger      *slog.Logger
	verifier    *Verifier
}

func NewBookingHandler(resolver *availability.Resolver, engine *booking.Engine, coordinator *lifecycle.Coordinator, store *storage.Store, repo *storage.BookingRepository, directoryProvider directory.Provider, logger *slog.Logger, verifier *Verifier) *BookingHandler {
	return &BookingHandler{
		resolver:    resolver,
		engine:      engine,
		coordinator: coordinator,
		store:       store,
		repo:        repo,
		directory:   directoryProvider,
		logger:      logger,
		verifier:    verifier,
	}
}

type slotItem struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type bookingItem struct {
	BookingID        string `json:"booking_id"`
	Reference        string `json:"reference"`
	PatientID        string `json:"patient_id"`
	PractitionerID   string `json:"practitioner_id"`
	ClinicID         string `json:"clinic_id"`
	TreatmentTypeID  string `json:"treatment_type_id,omitempty"`
	StartTime        string `json:"start_time"`
	EndTime          string `json:"end_time"`
	DurationMinutes  int    `json:"duration_minutes"`
	Status           string `json:"status"`
	AmountCents      int64  `json:"amount_cents"`
	Notes            string `json:"notes,omitempty"`
	CancelReason     string `json:"cancel_reason,omitempty"`
	CancelledAt      string `json:"cancelled_at,omitempty"`
	LateCancellation bool   `json:"late_cancellation,omitempty"`
	CreatedAt        string `json:"created_at"`
}

func toBookingItem(b model.Booking) bookingItem {
	item := bookingItem{
		BookingID:        b.ID,
		Reference:        b.Reference,
		PatientID:        b.PatientID,
		PractitionerID:   b.PractitionerID,
		ClinicID:         b.ClinicID,
		TreatmentTypeID:  b.TreatmentTypeID,
		StartTime:        b.StartTime.UTC().Format(time.RFC3339),
		EndTime:          b.EndTime().UTC().Format(time.RFC3339),
		DurationMinutes:  b.DurationMinutes,
		Status:           string(b.Status),
		AmountCents:      b.AmountCents,
		Notes:            b.Notes,
		CancelReason:     b.CancelReason,
		LateCancellation: b.LateCancellation,
		CreatedAt:        b.CreatedAt.UTC().Format(time.RFC3339),
	}
	if b.CancelledAt != nil {
		item.CancelledAt = b.CancelledAt.UTC().Format(time.RFC3339)
	}
	return item
}

// Slots serves GET /api/v1/public/slots. No auth; the response holds no
// patient data.
func (h *BookingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	practitionerID := strings.TrimSpace(q.Get("practitioner_id"))
	clinicID := strings.TrimSpace(q.Get("clinic_id"))
	if practitionerID == "" {
		http.Error(w, "practitioner_id required", http.StatusBadRequest)
		return
	}

	// With a remote directory configured, reject unknown or retired
	// practitioners before touching the schedule store.
	if h.directory != nil {
		info, found, err := h.directory.Practitioner(r.Context(), practitionerID)
		if err != nil {
			h.logger.Error("directory lookup failed", "err", err, "practitioner_id", practitionerID)
			http.Error(w, "directory unavailable", http.StatusServiceUnavailable)
			return
		}
		if !found {
			http.Error(w, "practitioner not found", http.StatusNotFound)
			return
		}
		if !info.Active {
			http.Error(w, "practitioner is not accepting bookings", http.StatusUnprocessableEntity)
			return
		}
	}

	from, err := time.Parse(dateLayout, strings.TrimSpace(q.Get("from")))
	if err != nil {
		http.Error(w, "invalid from date", http.StatusBadRequest)
		return
	}
	to := from
	if raw := strings.TrimSpace(q.Get("to")); raw != "" {
		to, err = time.Parse(dateLayout, raw)
		if err != nil {
			http.Error(w, "invalid to date", http.StatusBadRequest)
			return
		}
	}

	slotMinutes := 30
	if raw := strings.TrimSpace(q.Get("slot_minutes")); raw != "" {
		slotMinutes, err = strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid slot_minutes", http.StatusBadRequest)
			return
		}
	}

	slots, err := h.resolver.OpenSlots(r.Context(), practitionerID, clinicID, from, to, slotMinutes)
	if err != nil {
		switch {
		case errors.Is(err, availability.ErrInvalidRange), errors.Is(err, availability.ErrInvalidSlotDuration):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.logger.Error("slot resolution failed", "err", err, "practitioner_id", practitionerID)
			http.Error(w, "failed to resolve slots", http.StatusInternalServerError)
		}
		return
	}

	items := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		items = append(items, slotItem{
			StartTime: s.Start.UTC().Format(time.RFC3339),
			EndTime:   s.End.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, items)
}

type bookRequest struct {
	PatientID       string `json:"patient_id"`
	PatientEmail    string `json:"patient_email"`
	PatientPhone    string `json:"patient_phone"`
	PractitionerID  string `json:"practitioner_id"`
	ClinicID        string `json:"clinic_id"`
	TreatmentTypeID string `json:"treatment_type_id"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes"`
	Notes           string `json:"notes"`
}

// Book serves POST /api/v1/public/book. The Idempotency-Key lock, the
// commit and the outbox event share one transaction: a retried request
// replays the stored response instead of re-running the commit.
func (h *BookingHandler) Book(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	start, err := time.Parse(time.RFC3339, strings.TrimSpace(req.StartTime))
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}

	commitReq := booking.CommitRequest{
		PatientID:       req.PatientID,
		PatientEmail:    req.PatientEmail,
		PatientPhone:    req.PatientPhone,
		PractitionerID:  req.PractitionerID,
		ClinicID:        req.ClinicID,
		Start:           start,
		DurationMinutes: req.DurationMinutes,
		TreatmentTypeID: req.TreatmentTypeID,
		Notes:           req.Notes,
	}

	// The caller-owned transaction carries the same store deadline that
	// Engine.Commit applies; a stalled store surfaces as 503, not a hang.
	ctx, cancel := context.WithTimeout(r.Context(), h.engine.StoreTimeout())
	defer cancel()

	pgtx, err := h.store.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = pgtx.Rollback(ctx) }()

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	patientID := strings.TrimSpace(req.PatientID)
	if idempotencyKey != "" && patientID != "" {
		rec, seen, err := h.repo.LockIdempotencyKey(ctx, pgtx, patientID, idempotencyKey)
		if err != nil {
			http.Error(w, "failed to lock idempotency key", http.StatusInternalServerError)
			return
		}
		if seen && rec.StatusCode > 0 && len(rec.ResponsePayload) > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(rec.StatusCode)
			_, _ = w.Write(rec.ResponsePayload)
			return
		}
	}

	b, err := h.engine.CommitTx(ctx, h.store.WrapTx(pgtx), commitReq)
	if err != nil {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("booking commit failed", "err", err)
		}
		http.Error(w, err.Error(), status)
		return
	}

	respBody, err := json.Marshal(toBookingItem(b))
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	if idempotencyKey != "" && patientID != "" {
		if err := h.repo.FinalizeIdempotency(ctx, pgtx, patientID, idempotencyKey, b.ID, http.StatusCreated, respBody); err != nil {
			http.Error(w, "failed to finalize idempotency key", http.StatusInternalServerError)
			return
		}
	}
	if err := pgtx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}

	h.logger.Info("booking committed",
		"booking_id", b.ID,
		"reference", b.Reference,
		"practitioner_id", b.PractitionerID,
		"start_time", b.StartTime.Format(time.RFC3339),
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(respBody)
}

// List serves GET /api/v1/bookings. Patients see their own bookings;
// practitioners their own calendar; admins anything.
func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	claims, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	filter := storage.ListFilter{
		PatientID:      strings.TrimSpace(q.Get("patient_id")),
		PractitionerID: strings.TrimSpace(q.Get("practitioner_id")),
		Status:         strings.TrimSpace(q.Get("status")),
	}
	switch claims.Role {
	case "patient":
		filter.PatientID = claims.Sub
	case "practitioner":
		filter.PractitionerID = claims.Sub
	case "admin":
	default:
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if raw := strings.TrimSpace(q.Get("from")); raw != "" {
		from, err := time.Parse(dateLayout, raw)
		if err != nil {
			http.Error(w, "invalid from date", http.StatusBadRequest)
			return
		}
		filter.From = from
	}
	if raw := strings.TrimSpace(q.Get("to")); raw != "" {
		to, err := time.Parse(dateLayout, raw)
		if err != nil {
			http.Error(w, "invalid to date", http.StatusBadRequest)
			return
		}
		filter.To = to.AddDate(0, 0, 1)
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			filter.Limit = n
		}
	}

	bookings, err := h.repo.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("booking list failed", "err", err)
		http.Error(w, "failed to list bookings", http.StatusInternalServerError)
		return
	}

	items := make([]bookingItem, 0, len(bookings))
	for _, b := range bookings {
		items = append(items, toBookingItem(b))
	}
	writeJSON(w, http.StatusOK, items)
}

type transitionRequest struct {
	BookingID    string `json:"booking_id"`
	TargetStatus string `json:"target_status"`
	Reason       string `json:"reason"`
}

// Transition serves POST /api/v1/bookings/transition. Patients may only
// cancel their own bookings; confirm and complete are staff operations.
func (h *BookingHandler) Transition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	claims, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.BookingID = strings.TrimSpace(req.BookingID)
	target := model.BookingStatus(strings.TrimSpace(req.TargetStatus))

	switch claims.Role {
	case "patient":
		if target != model.StatusCancelled {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		b, ok, err := h.repo.GetByID(r.Context(), req.BookingID)
		if err != nil {
			http.Error(w, "failed to load booking", http.StatusInternalServerError)
			return
		}
		if !ok || b.PatientID != claims.Sub {
			http.Error(w, "booking not found", http.StatusNotFound)
			return
		}
	case "practitioner", "admin":
	default:
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	actor := lifecycle.Actor{ID: claims.Sub, Role: claims.Role}
	b, err := h.coordinator.Transition(r.Context(), req.BookingID, target, actor, req.Reason)
	if err != nil {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("booking transition failed", "err", err, "booking_id", req.BookingID, "target", string(target))
		}
		http.Error(w, err.Error(), status)
		return
	}

	h.logger.Info("booking transitioned",
		"booking_id", b.ID,
		"status", string(b.Status),
		"actor_id", actor.ID,
		"actor_role", actor.Role,
	)
	writeJSON(w, http.StatusOK, toBookingItem(b))
}

func (h *BookingHandler) authenticate(r *http.Request) (*auth.Claims, error) {
	return h.verifier.Claims(r)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, booking.ErrValidation), errors.Is(err, booking.ErrInvalidDuration):
		return http.StatusBadRequest
	case errors.Is(err, booking.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, booking.ErrSlotConflict), errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrPaymentRequired):
		return http.StatusPaymentRequired
	case errors.Is(err, booking.ErrSlotUnavailable),
		errors.Is(err, booking.ErrPractitionerInactive),
		errors.Is(err, booking.ErrClinicInactive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, booking.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
