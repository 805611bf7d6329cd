package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/loghive/backend/internal/database"
	"github.com/loghive/backend/internal/settings"
)

type contextKey string

const userContextKey contextKey = "auth.user"

// UserFromContext returns the authenticated user attached by Middleware.
func UserFromContext(ctx context.Context) (*database.User, bool) {
	u, ok := ctx.Value(userContextKey).(*database.User)
	return u, ok
}

// WithUser is used by tests and the SSE handler, which authenticates before
// upgrading.
func WithUser(ctx context.Context, u *database.User) context.Context {
	return context.WithValue(ctx, userContextKey, u)
}

// Middleware authenticates API requests. It honors the auth.mode setting on
// every request: standard mode requires a session token, none mode serves
// everything as the configured default user.
type Middleware struct {
	svc      *Service
	settings *settings.Service
}

func NewMiddleware(svc *Service, st *settings.Service) *Middleware {
	return &Middleware{svc: svc, settings: st}
}

// publicPrefixes skip session auth entirely. OTLP ingestion carries its own
// API-key middleware and is mounted on a separate subrouter.
var publicPrefixes = []string{
	"/health",
	"/metrics",
	"/api/v1/auth/",
}

func isPublic(path string) bool {
	for _, p := range publicPrefixes {
		if path == strings.TrimSuffix(p, "/") || strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if m.settings.Mode(r.Context()) == settings.ModeNone {
			user, err := m.settings.DefaultUser(r.Context())
			if err != nil {
				writeAuthError(w, http.StatusServiceUnavailable,
					"auth-free mode is enabled but no default user is configured")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeAuthError(w, http.StatusUnauthorized, "missing session token")
			return
		}
		user, err := m.svc.ValidateSession(r.Context(), token)
		if errors.Is(err, database.ErrNotFound) {
			writeAuthError(w, http.StatusUnauthorized, "invalid or expired session")
			return
		}
		if err != nil {
			writeAuthError(w, http.StatusInternalServerError, "session validation failed")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// bearerToken reads the Authorization header, falling back to ?token= for
// clients that cannot set headers (EventSource).
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// RequireAdmin gates admin-only routes. It runs after Handler, so a missing
// user means a wiring bug, answered as 401.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			writeAuthError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		if !user.IsAdmin {
			writeAuthError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": msg})
}
