package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/loghive/backend/internal/database"
)

type contextKey string

const keyContextKey contextKey = "ingest.keyContext"

// KeyFromContext returns the tenant context attached by APIKeyMiddleware.
func KeyFromContext(ctx context.Context) (*database.KeyContext, bool) {
	kc, ok := ctx.Value(keyContextKey).(*database.KeyContext)
	return kc, ok
}

// APIKeyMiddleware authenticates ingest requests via the X-API-Key header.
// The resolved project and organization ride on the request context; the
// last-used stamp is best effort.
func APIKeyMiddleware(keys *database.APIKeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			plaintext := r.Header.Get("X-API-Key")
			if plaintext == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
					"error": "missing X-API-Key header",
				})
				return
			}

			kc, err := keys.Validate(r.Context(), plaintext)
			if errors.Is(err, database.ErrNotFound) {
				writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
					"error": "invalid or revoked API key",
				})
				return
			}
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
					"error": "key validation failed",
				})
				return
			}

			go keys.TouchLastUsed(context.WithoutCancel(r.Context()), kc.KeyID)

			ctx := context.WithValue(r.Context(), keyContextKey, kc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
