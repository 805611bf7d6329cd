// Package api exposes the tenancy and rule management REST surface:
// organizations, projects, ingestion keys, detection and alert rules, and
// in-app notifications. It also assembles the full HTTP server.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/loghive/backend/internal/auth"
	"github.com/loghive/backend/internal/database"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// requireUser pulls the authenticated user the session middleware attached.
func requireUser(w http.ResponseWriter, r *http.Request) (*database.User, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	return user, true
}

// requireOrgMember verifies the user belongs to the organization.
func requireOrgMember(w http.ResponseWriter, r *http.Request, db *database.DB, user *database.User, orgID string) bool {
	ok, err := db.Orgs.IsMember(r.Context(), user.ID, orgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "membership check failed")
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "organization not accessible")
		return false
	}
	return true
}

// requireProjectMember resolves the project and verifies membership of its
// owning organization.
func requireProjectMember(w http.ResponseWriter, r *http.Request, db *database.DB, user *database.User, projectID string) (*database.Project, bool) {
	p, err := db.Projects.ByID(r.Context(), projectID)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "project not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "project lookup failed")
		return nil, false
	}
	if !requireOrgMember(w, r, db, user, p.OrganizationID) {
		return nil, false
	}
	return p, true
}
