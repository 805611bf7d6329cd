package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/loghive/backend/internal/database"
	"github.com/loghive/backend/internal/settings"
)

// Handlers is the public authentication surface under /api/v1/auth.
type Handlers struct {
	svc         *Service
	settings    *settings.Service
	db          *database.DB
	limiter     *LoginLimiter
	frontendURL string
}

func NewHandlers(svc *Service, st *settings.Service, db *database.DB, limiter *LoginLimiter, frontendURL string) *Handlers {
	return &Handlers{svc: svc, settings: st, db: db, limiter: limiter, frontendURL: frontendURL}
}

func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/providers", h.ListProviders).Methods(http.MethodGet)
	r.HandleFunc("/providers/{slug}/authorize", h.Authorize).Methods(http.MethodGet)
	r.HandleFunc("/providers/{slug}/callback", h.Callback).Methods(http.MethodGet)
	r.HandleFunc("/providers/{slug}/login", h.Login).Methods(http.MethodPost)
	r.HandleFunc("/config", h.Config).Methods(http.MethodGet)
	r.HandleFunc("/register", h.RegisterUser).Methods(http.MethodPost)
	r.HandleFunc("/login", h.LoginLocal).Methods(http.MethodPost)
	r.HandleFunc("/logout", h.Logout).Methods(http.MethodPost)
	r.HandleFunc("/me", h.Me).Methods(http.MethodGet)
	r.HandleFunc("/identities", h.ListIdentities).Methods(http.MethodGet)
	r.HandleFunc("/identities/link", h.LinkIdentity).Methods(http.MethodPost)
	r.HandleFunc("/identities/{id}", h.UnlinkIdentity).Methods(http.MethodDelete)
}

// ListProviders is public: the login page needs it before any session
// exists. Config never leaves the server here.
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.db.Providers.List(r.Context(), true)
	if err != nil {
		writeAuthError(w, http.StatusInternalServerError, "provider listing failed")
		return
	}

	out := make([]map[string]interface{}, 0, len(providers))
	for _, p := range providers {
		out = append(out, map[string]interface{}{
			"id":               p.ID,
			"type":             p.Kind,
			"name":             p.Name,
			"slug":             p.Slug,
			"icon":             p.Icon,
			"isDefault":        p.IsDefault,
			"displayOrder":     p.DisplayOrder,
			"supportsRedirect": p.Kind == database.ProviderOIDC,
		})
	}
	writeAuthJSON(w, http.StatusOK, map[string]interface{}{"providers": out})
}

// Config is public: the frontend decides whether to show a login screen.
func (h *Handlers) Config(w http.ResponseWriter, r *http.Request) {
	mode := h.settings.Mode(r.Context())
	writeAuthJSON(w, http.StatusOK, map[string]interface{}{
		"authMode":      mode,
		"signupEnabled": h.settings.SignupEnabled(r.Context()),
		"requiresLogin": mode == settings.ModeStandard,
	})
}

// Authorize starts a redirect flow: GET /providers/{slug}/authorize?redirect_uri=…
func (h *Handlers) Authorize(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow(clientKey(r)) {
		writeAuthError(w, http.StatusTooManyRequests, "too many attempts, slow down")
		return
	}
	slug := mux.Vars(r)["slug"]
	row, err := h.svc.EnabledProvider(r.Context(), slug)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	provider, err := h.svc.Build(row)
	if err != nil {
		writeAuthError(w, http.StatusInternalServerError, "provider construction failed")
		return
	}
	redirect, ok := provider.(RedirectProvider)
	if !ok {
		writeAuthError(w, http.StatusBadRequest, "provider does not support redirect login")
		return
	}

	redirectURI := r.URL.Query().Get("redirect_uri")
	if redirectURI == "" {
		writeAuthError(w, http.StatusBadRequest, "redirect_uri is required")
		return
	}

	req, err := redirect.AuthorizationURL(r.Context(), redirectURI)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeAuthJSON(w, http.StatusOK, map[string]interface{}{
		"url":      req.URL,
		"state":    req.State,
		"provider": slug,
	})
}

// Callback finishes a redirect flow and sends the browser back to the
// frontend with the session token, or with an error code.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	fail := func(code string) {
		http.Redirect(w, r, callbackErrorURL(h.frontendURL, code), http.StatusFound)
	}

	row, err := h.svc.EnabledProvider(r.Context(), slug)
	if err != nil {
		fail(errCode(err))
		return
	}
	provider, err := h.svc.Build(row)
	if err != nil {
		fail(CodeProviderError)
		return
	}
	redirect, ok := provider.(RedirectProvider)
	if !ok {
		fail(CodeProviderError)
		return
	}

	res, err := redirect.HandleCallback(r.Context(), r.URL.Query().Get("code"), r.URL.Query().Get("state"))
	if err != nil {
		slog.Warn("oidc callback failed", "provider", slug, "error", err)
		fail(errCode(err))
		return
	}

	login, err := h.svc.CompleteLogin(r.Context(), row, res)
	if err != nil {
		slog.Warn("oidc provisioning failed", "provider", slug, "error", err)
		fail(errCode(err))
		return
	}

	q := url.Values{}
	q.Set("token", login.Session.Token)
	q.Set("expires", login.Session.ExpiresAt.UTC().Format(time.RFC3339))
	q.Set("new_user", strconv.FormatBool(login.IsNewUser))
	http.Redirect(w, r, h.frontendURL+"/auth/callback?"+q.Encode(), http.StatusFound)
}

// callbackErrorURL targets the frontend login page; only the success path
// lands on /auth/callback.
func callbackErrorURL(frontendURL, code string) string {
	return frontendURL + "/login?error=" + url.QueryEscape(code)
}

// Login is the direct-credential endpoint for one named provider (LDAP, or
// local addressed by slug).
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	h.login(w, r, mux.Vars(r)["slug"])
}

// LoginLocal is the conventional email/password endpoint.
func (h *Handlers) LoginLocal(w http.ResponseWriter, r *http.Request) {
	h.login(w, r, settings.LocalProviderSlug)
}

func (h *Handlers) login(w http.ResponseWriter, r *http.Request, slug string) {
	if !h.limiter.Allow(clientKey(r)) {
		writeAuthError(w, http.StatusTooManyRequests, "too many attempts, slow down")
		return
	}

	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	username := body.Username
	if username == "" {
		username = body.Email
	}

	login, err := h.svc.Login(r.Context(), slug, Credentials{Username: username, Password: body.Password})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeAuthJSON(w, http.StatusOK, map[string]interface{}{
		"user":      login.User,
		"session":   sessionBody(login.Session),
		"isNewUser": login.IsNewUser,
	})
}

func (h *Handlers) RegisterUser(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow(clientKey(r)) {
		writeAuthError(w, http.StatusTooManyRequests, "too many attempts, slow down")
		return
	}
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	login, err := h.svc.Register(r.Context(), body.Email, body.Password, body.Name)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeAuthJSON(w, http.StatusCreated, map[string]interface{}{
		"user":    login.User,
		"session": sessionBody(login.Session),
	})
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeAuthError(w, http.StatusUnauthorized, "missing session token")
		return
	}
	if err := h.svc.Logout(r.Context(), token); err != nil {
		writeAuthError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	writeAuthJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// Me resolves the current session. The route is under the public /auth
// prefix, so it validates the token itself.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.requireUser(r)
	if err != nil {
		writeAuthError(w, http.StatusUnauthorized, "invalid or expired session")
		return
	}
	writeAuthJSON(w, http.StatusOK, map[string]interface{}{"user": user})
}

func (h *Handlers) ListIdentities(w http.ResponseWriter, r *http.Request) {
	user, err := h.requireUser(r)
	if err != nil {
		writeAuthError(w, http.StatusUnauthorized, "invalid or expired session")
		return
	}
	idents, err := h.db.Identities.ListByUser(r.Context(), user.ID)
	if err != nil {
		writeAuthError(w, http.StatusInternalServerError, "identity listing failed")
		return
	}
	if idents == nil {
		idents = []*database.UserIdentity{}
	}
	writeAuthJSON(w, http.StatusOK, map[string]interface{}{"identities": idents})
}

func (h *Handlers) LinkIdentity(w http.ResponseWriter, r *http.Request) {
	user, err := h.requireUser(r)
	if err != nil {
		writeAuthError(w, http.StatusUnauthorized, "invalid or expired session")
		return
	}
	var body struct {
		Provider string `json:"provider"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ident, err := h.svc.LinkIdentity(r.Context(), user, body.Provider,
		Credentials{Username: body.Username, Password: body.Password})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeAuthJSON(w, http.StatusOK, map[string]interface{}{"identity": ident})
}

func (h *Handlers) UnlinkIdentity(w http.ResponseWriter, r *http.Request) {
	user, err := h.requireUser(r)
	if err != nil {
		writeAuthError(w, http.StatusUnauthorized, "invalid or expired session")
		return
	}
	err = h.svc.UnlinkIdentity(r.Context(), user, mux.Vars(r)["id"])
	if errors.Is(err, database.ErrNotFound) {
		writeAuthError(w, http.StatusNotFound, "identity not found")
		return
	}
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeAuthJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (h *Handlers) requireUser(r *http.Request) (*database.User, error) {
	if user, ok := UserFromContext(r.Context()); ok {
		return user, nil
	}
	return h.svc.ValidateSession(r.Context(), bearerToken(r))
}

// writeErr translates typed auth errors to status codes; anything untyped is
// a 500.
func (h *Handlers) writeErr(w http.ResponseWriter, err error) {
	var ae *Error
	if !errors.As(err, &ae) {
		slog.Error("auth internal error", "error", err)
		writeAuthError(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := http.StatusBadRequest
	switch ae.Code {
	case CodeInvalidCredentials, CodeUserDisabled, CodeAccountLocked:
		status = http.StatusUnauthorized
	case CodeProviderUnavailable:
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     ae.Message,
		"errorCode": ae.Code,
	})
}

func errCode(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeProviderError
}

func sessionBody(s *database.Session) map[string]interface{} {
	return map[string]interface{}{
		"token":     s.Token,
		"expiresAt": s.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func writeAuthJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
