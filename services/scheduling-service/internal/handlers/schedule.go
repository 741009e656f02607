package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/physiobook/physiobook/services/scheduling-service/internal/schedule"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/storage"
)

const minutesPerDay = 24 * 60

// ScheduleHandler is the staff-facing CRUD surface for recurring rules
// and date overrides. Changes take effect on the next resolution; they
// never touch existing bookings.
type ScheduleHandler struct {
	repo     *storage.ScheduleRepository
	logger   *slog.Logger
	verifier *Verifier
}

func NewScheduleHandler(repo *storage.ScheduleRepository, logger *slog.Logger, verifier *Verifier) *ScheduleHandler {
	return &ScheduleHandler{repo: repo, logger: logger, verifier: verifier}
}

type ruleItem struct {
	RuleID         string `json:"rule_id"`
	PractitionerID string `json:"practitioner_id"`
	ClinicID       string `json:"clinic_id,omitempty"`
	Weekday        int    `json:"weekday"`
	StartMinute    int    `json:"start_minute"`
	EndMinute      int    `json:"end_minute"`
	Active         bool   `json:"active"`
}

type overrideItem struct {
	OverrideID     string `json:"override_id"`
	PractitionerID string `json:"practitioner_id"`
	ClinicID       string `json:"clinic_id,omitempty"`
	Date           string `json:"date"`
	StartMinute    int    `json:"start_minute"`
	EndMinute      int    `json:"end_minute"`
	Available      bool   `json:"available"`
	Reason         string `json:"reason,omitempty"`
}

func toRuleItem(r schedule.RecurringRule) ruleItem {
	return ruleItem{
		RuleID:         r.ID,
		PractitionerID: r.PractitionerID,
		ClinicID:       r.ClinicID,
		Weekday:        int(r.Weekday),
		StartMinute:    r.StartMinute,
		EndMinute:      r.EndMinute,
		Active:         r.Active,
	}
}

func toOverrideItem(o schedule.Override) overrideItem {
	return overrideItem{
		OverrideID:     o.ID,
		PractitionerID: o.PractitionerID,
		ClinicID:       o.ClinicID,
		Date:           o.Date.Format(dateLayout),
		StartMinute:    o.StartMinute,
		EndMinute:      o.EndMinute,
		Available:      o.Available,
		Reason:         o.Reason,
	}
}

func (h *ScheduleHandler) requireStaff(w http.ResponseWriter, r *http.Request) (practitionerID string, ok bool) {
	claims, err := h.verifier.Claims(r)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return "", false
	}
	switch claims.Role {
	case "practitioner":
		// Practitioners manage only their own schedule.
		return claims.Sub, true
	case "admin":
		id := strings.TrimSpace(r.URL.Query().Get("practitioner_id"))
		if id == "" {
			http.Error(w, "practitioner_id required", http.StatusBadRequest)
			return "", false
		}
		return id, true
	default:
		http.Error(w, "forbidden", http.StatusForbidden)
		return "", false
	}
}

// Rules serves GET and POST on /api/v1/schedule/rules.
func (h *ScheduleHandler) Rules(w http.ResponseWriter, r *http.Request) {
	practitionerID, ok := h.requireStaff(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		rules, err := h.repo.ListRules(r.Context(), practitionerID)
		if err != nil {
			h.logger.Error("rule list failed", "err", err)
			http.Error(w, "failed to list rules", http.StatusInternalServerError)
			return
		}
		items := make([]ruleItem, 0, len(rules))
		for _, rule := range rules {
			items = append(items, toRuleItem(rule))
		}
		writeJSON(w, http.StatusOK, items)

	case http.MethodPost:
		var req ruleItem
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		rule := schedule.RecurringRule{
			PractitionerID: practitionerID,
			ClinicID:       strings.TrimSpace(req.ClinicID),
			Weekday:        time.Weekday(req.Weekday),
			StartMinute:    req.StartMinute,
			EndMinute:      req.EndMinute,
			Active:         true,
		}
		if msg, ok := validateWindowMinutes(req.Weekday, req.StartMinute, req.EndMinute); !ok {
			http.Error(w, msg, http.StatusBadRequest)
			return
		}

		existing, err := h.repo.ActiveRules(r.Context(), practitionerID)
		if err != nil {
			h.logger.Error("rule read failed", "err", err)
			http.Error(w, "failed to validate rule", http.StatusInternalServerError)
			return
		}
		if schedule.RuleConflicts(existing, rule) {
			http.Error(w, "rule overlaps an existing rule for that weekday", http.StatusConflict)
			return
		}

		if err := h.repo.CreateRule(r.Context(), &rule); err != nil {
			h.logger.Error("rule create failed", "err", err)
			http.Error(w, "failed to create rule", http.StatusInternalServerError)
			return
		}
		h.logger.Info("recurring rule created", "rule_id", rule.ID, "practitioner_id", practitionerID, "weekday", req.Weekday)
		writeJSON(w, http.StatusCreated, toRuleItem(rule))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type updateRuleRequest struct {
	RuleID      string `json:"rule_id"`
	ClinicID    string `json:"clinic_id"`
	Weekday     int    `json:"weekday"`
	StartMinute int    `json:"start_minute"`
	EndMinute   int    `json:"end_minute"`
	Active      *bool  `json:"active"`
}

// UpdateRule serves PUT /api/v1/schedule/rules/update. Setting active to
// false retires the rule.
func (h *ScheduleHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	practitionerID, ok := h.requireStaff(w, r)
	if !ok {
		return
	}

	var req updateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.RuleID = strings.TrimSpace(req.RuleID)
	if req.RuleID == "" {
		http.Error(w, "rule_id required", http.StatusBadRequest)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	if !active {
		found, err := h.repo.DeactivateRule(r.Context(), practitionerID, req.RuleID)
		if err != nil {
			h.logger.Error("rule deactivate failed", "err", err)
			http.Error(w, "failed to update rule", http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "rule not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if msg, ok := validateWindowMinutes(req.Weekday, req.StartMinute, req.EndMinute); !ok {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	rule := schedule.RecurringRule{
		ID:             req.RuleID,
		PractitionerID: practitionerID,
		ClinicID:       strings.TrimSpace(req.ClinicID),
		Weekday:        time.Weekday(req.Weekday),
		StartMinute:    req.StartMinute,
		EndMinute:      req.EndMinute,
		Active:         true,
	}

	existing, err := h.repo.ActiveRules(r.Context(), practitionerID)
	if err != nil {
		h.logger.Error("rule read failed", "err", err)
		http.Error(w, "failed to validate rule", http.StatusInternalServerError)
		return
	}
	if schedule.RuleConflicts(existing, rule) {
		http.Error(w, "rule overlaps an existing rule for that weekday", http.StatusConflict)
		return
	}

	found, err := h.repo.UpdateRule(r.Context(), rule)
	if err != nil {
		h.logger.Error("rule update failed", "err", err)
		http.Error(w, "failed to update rule", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "rule not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toRuleItem(rule))
}

// Overrides serves GET and POST on /api/v1/schedule/overrides.
func (h *ScheduleHandler) Overrides(w http.ResponseWriter, r *http.Request) {
	practitionerID, ok := h.requireStaff(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		from, to, ok := overrideRange(w, r)
		if !ok {
			return
		}
		overrides, err := h.repo.OverridesInRange(r.Context(), practitionerID, from, to)
		if err != nil {
			h.logger.Error("override list failed", "err", err)
			http.Error(w, "failed to list overrides", http.StatusInternalServerError)
			return
		}
		items := make([]overrideItem, 0, len(overrides))
		for _, o := range overrides {
			items = append(items, toOverrideItem(o))
		}
		writeJSON(w, http.StatusOK, items)

	case http.MethodPost:
		var req overrideItem
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		date, err := time.Parse(dateLayout, strings.TrimSpace(req.Date))
		if err != nil {
			http.Error(w, "invalid date", http.StatusBadRequest)
			return
		}
		if msg, ok := validateWindowMinutes(0, req.StartMinute, req.EndMinute); !ok {
			http.Error(w, msg, http.StatusBadRequest)
			return
		}
		o := schedule.Override{
			PractitionerID: practitionerID,
			ClinicID:       strings.TrimSpace(req.ClinicID),
			Date:           schedule.Midnight(date),
			StartMinute:    req.StartMinute,
			EndMinute:      req.EndMinute,
			Available:      req.Available,
			Reason:         strings.TrimSpace(req.Reason),
		}
		if err := h.repo.CreateOverride(r.Context(), &o); err != nil {
			h.logger.Error("override create failed", "err", err)
			http.Error(w, "failed to create override", http.StatusInternalServerError)
			return
		}
		h.logger.Info("schedule override created", "override_id", o.ID, "practitioner_id", practitionerID, "date", req.Date, "available", o.Available)
		writeJSON(w, http.StatusCreated, toOverrideItem(o))

	case http.MethodDelete:
		overrideID := strings.TrimSpace(r.URL.Query().Get("override_id"))
		if overrideID == "" {
			http.Error(w, "override_id required", http.StatusBadRequest)
			return
		}
		found, err := h.repo.DeleteOverride(r.Context(), practitionerID, overrideID)
		if err != nil {
			h.logger.Error("override delete failed", "err", err)
			http.Error(w, "failed to delete override", http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "override not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func validateWindowMinutes(weekday, startMinute, endMinute int) (string, bool) {
	if weekday < 0 || weekday > 6 {
		return "weekday must be 0 (Sunday) through 6 (Saturday)", false
	}
	if startMinute < 0 || endMinute > minutesPerDay || startMinute >= endMinute {
		return "start_minute and end_minute must form a window within one day", false
	}
	return "", true
}

func overrideRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	q := r.URL.Query()
	from, err := time.Parse(dateLayout, strings.TrimSpace(q.Get("from")))
	if err != nil {
		http.Error(w, "invalid from date", http.StatusBadRequest)
		return time.Time{}, time.Time{}, false
	}
	to := from
	if raw := strings.TrimSpace(q.Get("to")); raw != "" {
		to, err = time.Parse(dateLayout, raw)
		if err != nil {
			http.Error(w, "invalid to date", http.StatusBadRequest)
			return time.Time{}, time.Time{}, false
		}
	}
	return from, to.AddDate(0, 0, 1), true
}
