// Package auth implements the identity subsystem: pluggable authentication
// providers (local password, OIDC, LDAP), user provisioning with identity
// linking, sessions, and the request middleware.
package auth

import (
	"context"
	"fmt"

	"github.com/loghive/backend/internal/database"
)

// Error codes carried by authentication failures. Handlers translate them
// into HTTP responses; the code is stable API, the message is not.
const (
	CodeInvalidCredentials   = "INVALID_CREDENTIALS"
	CodeUserDisabled         = "USER_DISABLED"
	CodeProviderUnavailable  = "PROVIDER_UNAVAILABLE"
	CodeProviderError        = "PROVIDER_ERROR"
	CodeInvalidState         = "INVALID_STATE"
	CodeMissingEmail         = "MISSING_EMAIL"
	CodeEmailNotVerified     = "EMAIL_NOT_VERIFIED"
	CodeAutoRegisterDisabled = "AUTO_REGISTER_DISABLED"
	CodeAccountLocked        = "ACCOUNT_LOCKED"
)

// Error is a typed authentication failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func authErr(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Credentials are what a direct (non-redirect) login carries.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Result is a successful provider authentication, not yet mapped to a
// platform user.
type Result struct {
	ProviderUserID string                 `json:"providerUserId"`
	Email          string                 `json:"email"`
	Name           string                 `json:"name"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Provider is one configured authentication backend.
type Provider interface {
	// Authenticate verifies direct credentials. Redirect-only providers
	// return a PROVIDER_ERROR.
	Authenticate(ctx context.Context, creds Credentials) (*Result, error)
	// SupportsRedirect reports whether the provider uses a browser redirect
	// flow instead of direct credentials.
	SupportsRedirect() bool
	// ValidateConfig checks the stored configuration for completeness.
	ValidateConfig() error
	// TestConnection probes the backend with the stored configuration.
	TestConnection(ctx context.Context) error
}

// AuthorizationRequest is the first leg of a redirect flow.
type AuthorizationRequest struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// RedirectProvider is implemented by providers using an authorization-code
// flow.
type RedirectProvider interface {
	Provider
	AuthorizationURL(ctx context.Context, redirectURI string) (*AuthorizationRequest, error)
	HandleCallback(ctx context.Context, code, state string) (*Result, error)
}

// configStr reads an optional string field out of a provider config map.
func configStr(cfg map[string]interface{}, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

// configBool defaults to def when the field is absent or mistyped.
func configBool(cfg map[string]interface{}, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}

// allowAutoRegister is a per-provider gate on step 3 of user provisioning.
func allowAutoRegister(p *database.AuthProvider) bool {
	return configBool(p.Config, "allowAutoRegister", true)
}
