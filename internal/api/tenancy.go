package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/loghive/backend/internal/database"
)

// TenancyHandlers manages organizations, projects and ingestion keys.
type TenancyHandlers struct {
	db *database.DB
}

func NewTenancyHandlers(db *database.DB) *TenancyHandlers {
	return &TenancyHandlers{db: db}
}

func (h *TenancyHandlers) Register(r *mux.Router) {
	r.HandleFunc("/organizations", h.ListOrgs).Methods("GET")
	r.HandleFunc("/organizations", h.CreateOrg).Methods("POST")
	r.HandleFunc("/organizations/{id}", h.GetOrg).Methods("GET")
	r.HandleFunc("/organizations/{id}/projects", h.ListProjects).Methods("GET")
	r.HandleFunc("/organizations/{id}/projects", h.CreateProject).Methods("POST")
	r.HandleFunc("/projects/{id}/keys", h.ListKeys).Methods("GET")
	r.HandleFunc("/projects/{id}/keys", h.CreateKey).Methods("POST")
	r.HandleFunc("/projects/{id}/keys/{keyId}", h.RevokeKey).Methods("DELETE")
}

func (h *TenancyHandlers) ListOrgs(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	orgs, err := h.db.Orgs.ListByUser(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing organizations failed")
		return
	}
	if orgs == nil {
		orgs = []*database.Organization{}
	}
	writeJSON(w, http.StatusOK, orgs)
}

func (h *TenancyHandlers) CreateOrg(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
		Slug string `json:"slug"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if body.Slug == "" {
		body.Slug = slugify(body.Name)
	}
	if !database.ValidSlug(body.Slug) {
		writeError(w, http.StatusBadRequest, "slug must match [a-z0-9-]{2,50}")
		return
	}

	org := &database.Organization{Name: body.Name, Slug: body.Slug, OwnerID: user.ID}
	if err := h.db.Orgs.Create(r.Context(), org); err != nil {
		writeError(w, http.StatusInternalServerError, "creating organization failed")
		return
	}
	writeJSON(w, http.StatusCreated, org)
}

func (h *TenancyHandlers) GetOrg(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	orgID := mux.Vars(r)["id"]
	if !requireOrgMember(w, r, h.db, user, orgID) {
		return
	}
	org, err := h.db.Orgs.ByID(r.Context(), orgID)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "organization not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "organization lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (h *TenancyHandlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	orgID := mux.Vars(r)["id"]
	if !requireOrgMember(w, r, h.db, user, orgID) {
		return
	}
	projects, err := h.db.Projects.ListByOrg(r.Context(), orgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing projects failed")
		return
	}
	if projects == nil {
		projects = []*database.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *TenancyHandlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	orgID := mux.Vars(r)["id"]
	if !requireOrgMember(w, r, h.db, user, orgID) {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	project := &database.Project{OrganizationID: orgID, Name: strings.TrimSpace(body.Name)}
	if err := h.db.Projects.Create(r.Context(), project); err != nil {
		writeError(w, http.StatusInternalServerError, "creating project failed")
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (h *TenancyHandlers) ListKeys(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	project, ok := requireProjectMember(w, r, h.db, user, mux.Vars(r)["id"])
	if !ok {
		return
	}
	keys, err := h.db.APIKeys.ListByProject(r.Context(), project.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing keys failed")
		return
	}
	if keys == nil {
		keys = []*database.APIKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

// CreateKey returns the plaintext key exactly once; only the hash is stored.
func (h *TenancyHandlers) CreateKey(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	project, ok := requireProjectMember(w, r, h.db, user, mux.Vars(r)["id"])
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	key, plaintext, err := h.db.APIKeys.Create(r.Context(), project.ID, strings.TrimSpace(body.Name))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "creating key failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"key":       key,
		"plaintext": plaintext,
	})
}

func (h *TenancyHandlers) RevokeKey(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	project, ok := requireProjectMember(w, r, h.db, user, vars["id"])
	if !ok {
		return
	}

	// The key must belong to the project the caller was authorized for.
	keys, err := h.db.APIKeys.ListByProject(r.Context(), project.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "key lookup failed")
		return
	}
	for _, k := range keys {
		if k.ID == vars["keyId"] {
			if err := h.db.APIKeys.Revoke(r.Context(), k.ID); err != nil {
				writeError(w, http.StatusInternalServerError, "revoking key failed")
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
			return
		}
	}
	writeError(w, http.StatusNotFound, "key not found")
}

// slugify derives a url-safe slug from a display name.
func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
