package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/loghive/backend/internal/database"
	"github.com/loghive/backend/internal/detection"
)

// RuleHandlers manages Sigma detection rules and threshold alert rules.
type RuleHandlers struct {
	db *database.DB
}

func NewRuleHandlers(db *database.DB) *RuleHandlers {
	return &RuleHandlers{db: db}
}

func (h *RuleHandlers) Register(r *mux.Router) {
	r.HandleFunc("/organizations/{id}/sigma-rules", h.ListSigmaRules).Methods("GET")
	r.HandleFunc("/organizations/{id}/sigma-rules", h.CreateSigmaRule).Methods("POST")
	r.HandleFunc("/organizations/{id}/sigma-rules/import", h.ImportSigmaRule).Methods("POST")
	r.HandleFunc("/organizations/{id}/sigma-rules/{ruleId}", h.ToggleSigmaRule).Methods("PATCH")
	r.HandleFunc("/organizations/{id}/sigma-rules/{ruleId}", h.DeleteSigmaRule).Methods("DELETE")
	r.HandleFunc("/organizations/{id}/alert-rules", h.ListAlertRules).Methods("GET")
	r.HandleFunc("/organizations/{id}/alert-rules", h.CreateAlertRule).Methods("POST")
	r.HandleFunc("/organizations/{id}/alert-rules/{ruleId}", h.DeleteAlertRule).Methods("DELETE")
}

// orgScope authenticates the caller and checks organization membership.
func (h *RuleHandlers) orgScope(w http.ResponseWriter, r *http.Request) (string, bool) {
	user, ok := requireUser(w, r)
	if !ok {
		return "", false
	}
	orgID := mux.Vars(r)["id"]
	if !requireOrgMember(w, r, h.db, user, orgID) {
		return "", false
	}
	return orgID, true
}

// ============================================================================
// SIGMA RULES
// ============================================================================

func (h *RuleHandlers) ListSigmaRules(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgScope(w, r)
	if !ok {
		return
	}
	rules, err := h.db.SigmaRules.ListByOrg(r.Context(), orgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing rules failed")
		return
	}
	if rules == nil {
		rules = []*database.SigmaRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (h *RuleHandlers) CreateSigmaRule(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgScope(w, r)
	if !ok {
		return
	}
	var rule database.SigmaRule
	if !decodeBody(w, r, &rule) {
		return
	}
	if strings.TrimSpace(rule.Title) == "" || len(rule.Detection) == 0 {
		writeError(w, http.StatusBadRequest, "title and detection are required")
		return
	}
	// Reject trees the engine cannot evaluate before they reach the worker.
	if _, err := detection.MatchRule(&rule, detection.Event{}); err != nil {
		writeError(w, http.StatusBadRequest, "invalid detection tree: "+err.Error())
		return
	}
	rule.OrganizationID = orgID
	if err := h.db.SigmaRules.Create(r.Context(), &rule); err != nil {
		writeError(w, http.StatusInternalServerError, "creating rule failed")
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// ImportSigmaRule accepts a raw Sigma YAML document.
func (h *RuleHandlers) ImportSigmaRule(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgScope(w, r)
	if !ok {
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 256*1024))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body failed")
		return
	}
	rule, err := detection.ParseSigmaYAML(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule.OrganizationID = orgID
	if projectID := r.URL.Query().Get("projectId"); projectID != "" {
		rule.ProjectID = &projectID
	}
	if err := h.db.SigmaRules.Create(r.Context(), rule); err != nil {
		writeError(w, http.StatusInternalServerError, "creating rule failed")
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *RuleHandlers) ToggleSigmaRule(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgScope(w, r)
	if !ok {
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	rule, ok := h.sigmaRuleInOrg(w, r, orgID)
	if !ok {
		return
	}
	if err := h.db.SigmaRules.SetEnabled(r.Context(), rule.ID, *body.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, "updating rule failed")
		return
	}
	rule.Enabled = *body.Enabled
	writeJSON(w, http.StatusOK, rule)
}

func (h *RuleHandlers) DeleteSigmaRule(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgScope(w, r)
	if !ok {
		return
	}
	rule, ok := h.sigmaRuleInOrg(w, r, orgID)
	if !ok {
		return
	}
	if err := h.db.SigmaRules.Delete(r.Context(), rule.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "deleting rule failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RuleHandlers) sigmaRuleInOrg(w http.ResponseWriter, r *http.Request, orgID string) (*database.SigmaRule, bool) {
	rule, err := h.db.SigmaRules.ByID(r.Context(), mux.Vars(r)["ruleId"])
	if errors.Is(err, database.ErrNotFound) || (err == nil && rule.OrganizationID != orgID) {
		writeError(w, http.StatusNotFound, "rule not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rule lookup failed")
		return nil, false
	}
	return rule, true
}

// ============================================================================
// ALERT RULES
// ============================================================================

func (h *RuleHandlers) ListAlertRules(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgScope(w, r)
	if !ok {
		return
	}
	rules, err := h.db.AlertRules.ListByOrg(r.Context(), orgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing rules failed")
		return
	}
	if rules == nil {
		rules = []*database.AlertRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (h *RuleHandlers) CreateAlertRule(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgScope(w, r)
	if !ok {
		return
	}
	var rule database.AlertRule
	if !decodeBody(w, r, &rule) {
		return
	}
	if strings.TrimSpace(rule.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if rule.Threshold < 1 {
		writeError(w, http.StatusBadRequest, "threshold must be at least 1")
		return
	}
	if rule.TimeWindowMin < 1 {
		writeError(w, http.StatusBadRequest, "timeWindow must be at least 1 minute")
		return
	}
	rule.OrganizationID = orgID
	if err := h.db.AlertRules.Create(r.Context(), &rule); err != nil {
		writeError(w, http.StatusInternalServerError, "creating rule failed")
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *RuleHandlers) DeleteAlertRule(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgScope(w, r)
	if !ok {
		return
	}
	rule, err := h.db.AlertRules.ByID(r.Context(), mux.Vars(r)["ruleId"])
	if errors.Is(err, database.ErrNotFound) || (err == nil && rule.OrganizationID != orgID) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rule lookup failed")
		return
	}
	if err := h.db.AlertRules.Delete(r.Context(), rule.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "deleting rule failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
