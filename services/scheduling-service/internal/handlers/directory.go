package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/physiobook/physiobook/services/scheduling-service/internal/directory"
)

// DirectoryHandler is the admin surface for the clinic/practitioner/
// treatment registry.
type DirectoryHandler struct {
	repo     *directory.Repository
	logger   *slog.Logger
	verifier *Verifier
}

func NewDirectoryHandler(repo *directory.Repository, logger *slog.Logger, verifier *Verifier) *DirectoryHandler {
	return &DirectoryHandler{repo: repo, logger: logger, verifier: verifier}
}

type clinicItem struct {
	ClinicID string `json:"clinic_id"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
	Active   bool   `json:"active"`
}

type practitionerItem struct {
	PractitionerID string `json:"practitioner_id"`
	ClinicID       string `json:"clinic_id"`
	Name           string `json:"name"`
	Active         bool   `json:"active"`
}

type treatmentItem struct {
	TreatmentTypeID string `json:"treatment_type_id"`
	Name            string `json:"name"`
	DurationMinutes int    `json:"duration_minutes"`
	PriceCents      int64  `json:"price_cents"`
	Active          bool   `json:"active"`
}

func (h *DirectoryHandler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	claims, err := h.verifier.Claims(r)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return false
	}
	if claims.Role != "admin" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

// Clinics serves GET and POST on /api/v1/directory/clinics.
func (h *DirectoryHandler) Clinics(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		clinics, err := h.repo.ListClinics(r.Context(), queryLimit(r))
		if err != nil {
			h.logger.Error("clinic list failed", "err", err)
			http.Error(w, "failed to list clinics", http.StatusInternalServerError)
			return
		}
		items := make([]clinicItem, 0, len(clinics))
		for _, c := range clinics {
			items = append(items, clinicItem{ClinicID: c.ID, Name: c.Name, Timezone: c.Timezone, Active: c.Active})
		}
		writeJSON(w, http.StatusOK, items)

	case http.MethodPost:
		var req struct {
			Name     string `json:"name"`
			Timezone string `json:"timezone"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		id, err := h.repo.CreateClinic(r.Context(), req.Name, strings.TrimSpace(req.Timezone))
		if err != nil {
			h.logger.Error("clinic create failed", "err", err)
			http.Error(w, "failed to create clinic", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"clinic_id": id})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// Practitioners serves GET, POST and PATCH on /api/v1/directory/practitioners.
func (h *DirectoryHandler) Practitioners(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		clinicID := strings.TrimSpace(r.URL.Query().Get("clinic_id"))
		practitioners, err := h.repo.ListPractitioners(r.Context(), clinicID, queryLimit(r))
		if err != nil {
			h.logger.Error("practitioner list failed", "err", err)
			http.Error(w, "failed to list practitioners", http.StatusInternalServerError)
			return
		}
		items := make([]practitionerItem, 0, len(practitioners))
		for _, p := range practitioners {
			items = append(items, practitionerItem{PractitionerID: p.ID, ClinicID: p.ClinicID, Name: p.Name, Active: p.Active})
		}
		writeJSON(w, http.StatusOK, items)

	case http.MethodPost:
		var req struct {
			ClinicID string `json:"clinic_id"`
			Name     string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		req.ClinicID = strings.TrimSpace(req.ClinicID)
		req.Name = strings.TrimSpace(req.Name)
		if req.ClinicID == "" || req.Name == "" {
			http.Error(w, "clinic_id and name are required", http.StatusBadRequest)
			return
		}
		id, err := h.repo.CreatePractitioner(r.Context(), req.ClinicID, req.Name)
		if err != nil {
			h.logger.Error("practitioner create failed", "err", err)
			http.Error(w, "failed to create practitioner", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"practitioner_id": id})

	case http.MethodPatch:
		var req struct {
			PractitionerID string `json:"practitioner_id"`
			Active         *bool  `json:"active"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.PractitionerID) == "" || req.Active == nil {
			http.Error(w, "practitioner_id and active are required", http.StatusBadRequest)
			return
		}
		found, err := h.repo.SetPractitionerActive(r.Context(), req.PractitionerID, *req.Active)
		if err != nil {
			h.logger.Error("practitioner update failed", "err", err)
			http.Error(w, "failed to update practitioner", http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "practitioner not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// Treatments serves GET and POST on /api/v1/directory/treatments.
func (h *DirectoryHandler) Treatments(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		treatments, err := h.repo.ListTreatmentTypes(r.Context(), queryLimit(r))
		if err != nil {
			h.logger.Error("treatment list failed", "err", err)
			http.Error(w, "failed to list treatments", http.StatusInternalServerError)
			return
		}
		items := make([]treatmentItem, 0, len(treatments))
		for _, t := range treatments {
			items = append(items, treatmentItem{
				TreatmentTypeID: t.ID,
				Name:            t.Name,
				DurationMinutes: t.DurationMinutes,
				PriceCents:      t.PriceCents,
				Active:          t.Active,
			})
		}
		writeJSON(w, http.StatusOK, items)

	case http.MethodPost:
		var req struct {
			Name            string `json:"name"`
			DurationMinutes int    `json:"duration_minutes"`
			PriceCents      int64  `json:"price_cents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" || req.DurationMinutes <= 0 || req.PriceCents < 0 {
			http.Error(w, "name, positive duration_minutes and non-negative price_cents are required", http.StatusBadRequest)
			return
		}
		id, err := h.repo.CreateTreatmentType(r.Context(), req.Name, req.DurationMinutes, req.PriceCents)
		if err != nil {
			h.logger.Error("treatment create failed", "err", err)
			http.Error(w, "failed to create treatment", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"treatment_type_id": id})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func queryLimit(r *http.Request) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
