package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/loghive/backend/internal/database"
	"github.com/loghive/backend/internal/settings"
)

// AdminHandlers is the admin surface: provider CRUD and system settings.
// The router wraps every route in RequireAdmin.
type AdminHandlers struct {
	svc      *Service
	settings *settings.Service
	db       *database.DB
}

func NewAdminHandlers(svc *Service, st *settings.Service, db *database.DB) *AdminHandlers {
	return &AdminHandlers{svc: svc, settings: st, db: db}
}

func (h *AdminHandlers) Register(r *mux.Router) {
	r.HandleFunc("/auth/providers", h.ListProviders).Methods(http.MethodGet)
	r.HandleFunc("/auth/providers", h.CreateProvider).Methods(http.MethodPost)
	r.HandleFunc("/auth/providers/{id}", h.UpdateProvider).Methods(http.MethodPut)
	r.HandleFunc("/auth/providers/{id}", h.DeleteProvider).Methods(http.MethodDelete)
	r.HandleFunc("/auth/providers/{id}/test", h.TestProvider).Methods(http.MethodPost)

	r.HandleFunc("/settings", h.ListSettings).Methods(http.MethodGet)
	r.HandleFunc("/settings", h.PatchSettings).Methods(http.MethodPatch)
	r.HandleFunc("/settings/{key}", h.GetSetting).Methods(http.MethodGet)
	r.HandleFunc("/settings/{key}", h.PutSetting).Methods(http.MethodPut)
	r.HandleFunc("/settings/{key}", h.DeleteSetting).Methods(http.MethodDelete)
}

// secretMask replaces sensitive config values in responses. A PUT carrying
// the mask verbatim keeps the stored secret.
const secretMask = "••••••••"

var sensitiveConfigKeys = []string{"clientSecret", "bindPassword"}

func maskConfig(cfg map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	for _, key := range sensitiveConfigKeys {
		if s, ok := out[key].(string); ok && s != "" {
			out[key] = secretMask
		}
	}
	return out
}

// unmaskConfig restores stored secrets where the client echoed the mask.
func unmaskConfig(incoming, stored map[string]interface{}) map[string]interface{} {
	for _, key := range sensitiveConfigKeys {
		if s, ok := incoming[key].(string); ok && s == secretMask {
			incoming[key] = stored[key]
		}
	}
	return incoming
}

func maskedProvider(p *database.AuthProvider) map[string]interface{} {
	return map[string]interface{}{
		"id":           p.ID,
		"type":         p.Kind,
		"slug":         p.Slug,
		"name":         p.Name,
		"icon":         p.Icon,
		"enabled":      p.Enabled,
		"isDefault":    p.IsDefault,
		"displayOrder": p.DisplayOrder,
		"config":       maskConfig(p.Config),
		"createdAt":    p.CreatedAt,
	}
}

// ============================================================================
// PROVIDER CRUD
// ============================================================================

func (h *AdminHandlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.db.Providers.List(r.Context(), false)
	if err != nil {
		writeAuthError(w, http.StatusInternalServerError, "provider listing failed")
		return
	}
	out := make([]map[string]interface{}, 0, len(providers))
	for _, p := range providers {
		out = append(out, maskedProvider(p))
	}
	writeAuthJSON(w, http.StatusOK, map[string]interface{}{"providers": out})
}

type providerBody struct {
	Type         database.ProviderKind  `json:"type"`
	Slug         string                 `json:"slug"`
	Name         string                 `json:"name"`
	Icon         string                 `json:"icon"`
	Enabled      *bool                  `json:"enabled"`
	IsDefault    *bool                  `json:"isDefault"`
	DisplayOrder *int                   `json:"displayOrder"`
	Config       map[string]interface{} `json:"config"`
}

func (h *AdminHandlers) CreateProvider(w http.ResponseWriter, r *http.Request) {
	var body providerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Type != database.ProviderOIDC && body.Type != database.ProviderLDAP {
		writeAuthError(w, http.StatusBadRequest, "type must be oidc or ldap")
		return
	}
	if !database.ValidSlug(body.Slug) || body.Slug == settings.LocalProviderSlug {
		writeAuthError(w, http.StatusBadRequest, "invalid provider slug")
		return
	}
	if body.Config == nil {
		body.Config = map[string]interface{}{}
	}

	p := &database.AuthProvider{
		Kind:    body.Type,
		Slug:    body.Slug,
		Name:    body.Name,
		Icon:    body.Icon,
		Enabled: body.Enabled == nil || *body.Enabled,
		Config:  body.Config,
	}
	if body.IsDefault != nil {
		p.IsDefault = *body.IsDefault
	}
	if body.DisplayOrder != nil {
		p.DisplayOrder = *body.DisplayOrder
	}

	// Reject unusable configuration up front.
	provider, err := h.svc.Build(p)
	if err != nil {
		writeAuthError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := provider.ValidateConfig(); err != nil {
		writeAuthError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.db.Providers.Create(r.Context(), p); err != nil {
		writeAuthError(w, http.StatusInternalServerError, "provider creation failed")
		return
	}
	writeAuthJSON(w, http.StatusCreated, map[string]interface{}{"provider": maskedProvider(p)})
}

func (h *AdminHandlers) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	stored, err := h.db.Providers.ByID(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, database.ErrNotFound) {
		writeAuthError(w, http.StatusNotFound, "provider not found")
		return
	}
	if err != nil {
		writeAuthError(w, http.StatusInternalServerError, "provider lookup failed")
		return
	}

	var body providerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if stored.Kind == database.ProviderLocal && body.Enabled != nil && !*body.Enabled {
		writeAuthError(w, http.StatusBadRequest, "the local provider cannot be disabled")
		return
	}

	if body.Name != "" {
		stored.Name = body.Name
	}
	stored.Icon = body.Icon
	if body.Enabled != nil {
		stored.Enabled = *body.Enabled
	}
	if body.IsDefault != nil {
		stored.IsDefault = *body.IsDefault
	}
	if body.DisplayOrder != nil {
		stored.DisplayOrder = *body.DisplayOrder
	}
	if body.Config != nil {
		stored.Config = unmaskConfig(body.Config, stored.Config)
	}

	provider, err := h.svc.Build(stored)
	if err != nil {
		writeAuthError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := provider.ValidateConfig(); err != nil {
		writeAuthError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.db.Providers.Update(r.Context(), stored); err != nil {
		writeAuthError(w, http.StatusInternalServerError, "provider update failed")
		return
	}
	writeAuthJSON(w, http.StatusOK, map[string]interface{}{"provider": maskedProvider(stored)})
}

func (h *AdminHandlers) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	stored, err := h.db.Providers.ByID(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, database.ErrNotFound) {
		writeAuthError(w, http.StatusNotFound, "provider not found")
		return
	}
	if err != nil {
		writeAuthError(w, http.StatusInternalServerError, "provider lookup failed")
		return
	}
	if stored.Kind == database.ProviderLocal {
		writeAuthError(w, http.StatusBadRequest, "the local provider cannot be deleted")
		return
	}
	linked, err := h.db.Providers.LinkedUserCount(r.Context(), stored.ID)
	if err != nil {
		writeAuthError(w, http.StatusInternalServerError, "provider lookup failed")
		return
	}
	if linked > 0 {
		writeAuthError(w, http.StatusBadRequest, "provider still has linked users")
		return
	}

	if err := h.db.Providers.Delete(r.Context(), stored.ID); err != nil {
		writeAuthError(w, http.StatusInternalServerError, "provider deletion failed")
		return
	}
	writeAuthJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (h *AdminHandlers) TestProvider(w http.ResponseWriter, r *http.Request) {
	stored, err := h.db.Providers.ByID(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, database.ErrNotFound) {
		writeAuthError(w, http.StatusNotFound, "provider not found")
		return
	}
	if err != nil {
		writeAuthError(w, http.StatusInternalServerError, "provider lookup failed")
		return
	}
	provider, err := h.svc.Build(stored)
	if err != nil {
		writeAuthError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := provider.TestConnection(r.Context()); err != nil {
		writeAuthJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeAuthJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// ============================================================================
// SETTINGS
// ============================================================================

func (h *AdminHandlers) ListSettings(w http.ResponseWriter, r *http.Request) {
	all, err := h.settings.All(r.Context())
	if err != nil {
		writeAuthError(w, http.StatusInternalServerError, "settings read failed")
		return
	}
	writeAuthJSON(w, http.StatusOK, map[string]interface{}{"settings": all})
}

func (h *AdminHandlers) GetSetting(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	value, err := h.settings.Get(r.Context(), key)
	if errors.Is(err, settings.ErrUnknownKey) {
		writeAuthError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeAuthError(w, http.StatusInternalServerError, "settings read failed")
		return
	}
	writeAuthJSON(w, http.StatusOK, map[string]interface{}{"key": key, "value": value})
}

func (h *AdminHandlers) PutSetting(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	key := mux.Vars(r)["key"]

	var body struct {
		Value interface{} `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.settings.Set(r.Context(), key, body.Value, updatedBy(user)); err != nil {
		writeAuthError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeAuthJSON(w, http.StatusOK, map[string]interface{}{"key": key, "value": body.Value})
}

func (h *AdminHandlers) PatchSettings(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.settings.SetMany(r.Context(), body, updatedBy(user)); err != nil {
		writeAuthError(w, http.StatusBadRequest, err.Error())
		return
	}

	all, err := h.settings.All(r.Context())
	if err != nil {
		writeAuthError(w, http.StatusInternalServerError, "settings read failed")
		return
	}
	writeAuthJSON(w, http.StatusOK, map[string]interface{}{"settings": all})
}

func (h *AdminHandlers) DeleteSetting(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := h.settings.Reset(r.Context(), key); err != nil {
		if errors.Is(err, settings.ErrUnknownKey) {
			writeAuthError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeAuthError(w, http.StatusInternalServerError, "settings delete failed")
		return
	}
	writeAuthJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func updatedBy(user *database.User) string {
	if user == nil {
		return ""
	}
	return user.ID
}
