package auth

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/backend/internal/database"
)

func TestValidateIssuerURL(t *testing.T) {
	assert.NoError(t, validateIssuerURL("https://login.example.com"))
	assert.NoError(t, validateIssuerURL("http://localhost:8080/realms/dev"))
	assert.NoError(t, validateIssuerURL("http://127.0.0.1:5556"))
	assert.Error(t, validateIssuerURL("http://login.example.com"))
	assert.Error(t, validateIssuerURL(""))
}

func TestLDAPValidateConfig(t *testing.T) {
	valid := &database.AuthProvider{
		Kind: database.ProviderLDAP,
		Slug: "corp",
		Config: map[string]interface{}{
			"url":        "ldaps://ldap.example.com",
			"baseDn":     "ou=people,dc=example,dc=com",
			"userFilter": "(uid={{username}})",
		},
	}
	assert.NoError(t, NewLDAPProvider(valid).ValidateConfig())

	badURL := &database.AuthProvider{Config: map[string]interface{}{
		"url":        "http://ldap.example.com",
		"baseDn":     "dc=example,dc=com",
		"userFilter": "(uid={{username}})",
	}}
	assert.Error(t, NewLDAPProvider(badURL).ValidateConfig())

	noPlaceholder := &database.AuthProvider{Config: map[string]interface{}{
		"url":        "ldap://ldap.example.com",
		"baseDn":     "dc=example,dc=com",
		"userFilter": "(uid=admin)",
	}}
	assert.Error(t, NewLDAPProvider(noPlaceholder).ValidateConfig())
}

func jwtWithClaims(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	seg := base64.RawURLEncoding.EncodeToString
	return seg([]byte(`{"alg":"RS256"}`)) + "." + seg(payload) + "." + seg([]byte("sig"))
}

func TestDecodeIDTokenClaims(t *testing.T) {
	raw := jwtWithClaims(t, map[string]interface{}{"sub": "abc", "nonce": "n1"})
	claims, err := decodeIDTokenClaims(raw)
	require.NoError(t, err)
	assert.Equal(t, "abc", claims["sub"])

	_, err = decodeIDTokenClaims("only.two")
	assert.Error(t, err)
}

func oidcRow(extra map[string]interface{}) *database.AuthProvider {
	cfg := map[string]interface{}{
		"issuer":       "https://login.example.com",
		"clientId":     "cid",
		"clientSecret": "secret",
	}
	for k, v := range extra {
		cfg[k] = v
	}
	return &database.AuthProvider{ID: "p1", Kind: database.ProviderOIDC, Slug: "sso", Config: cfg}
}

func TestResultFromClaims(t *testing.T) {
	p := NewOIDCProvider(oidcRow(nil), nil, nil)

	res, err := p.resultFromClaims(map[string]interface{}{
		"sub":   "u-42",
		"email": "Ada@Example.COM",
	})
	require.NoError(t, err)
	assert.Equal(t, "u-42", res.ProviderUserID)
	assert.Equal(t, "ada@example.com", res.Email)
	assert.Equal(t, "ada", res.Name, "name falls back to the email local part")
}

func TestResultFromClaimsRejections(t *testing.T) {
	p := NewOIDCProvider(oidcRow(nil), nil, nil)

	_, err := p.resultFromClaims(map[string]interface{}{"sub": "u-1"})
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, CodeMissingEmail, ae.Code)

	_, err = p.resultFromClaims(map[string]interface{}{
		"sub": "u-1", "email": "a@b.c", "email_verified": false,
	})
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, CodeEmailNotVerified, ae.Code)
}

func TestResultFromClaimsCustomClaims(t *testing.T) {
	p := NewOIDCProvider(oidcRow(map[string]interface{}{
		"emailClaim": "upn",
		"nameClaim":  "display_name",
	}), nil, nil)

	res, err := p.resultFromClaims(map[string]interface{}{
		"sub":          "u-1",
		"upn":          "grace@example.com",
		"display_name": "Grace",
	})
	require.NoError(t, err)
	assert.Equal(t, "grace@example.com", res.Email)
	assert.Equal(t, "Grace", res.Name)
}

func TestMaskConfig(t *testing.T) {
	cfg := map[string]interface{}{
		"issuer":       "https://login.example.com",
		"clientSecret": "hunter2",
		"bindPassword": "swordfish",
	}
	masked := maskConfig(cfg)
	assert.Equal(t, secretMask, masked["clientSecret"])
	assert.Equal(t, secretMask, masked["bindPassword"])
	assert.Equal(t, "https://login.example.com", masked["issuer"])
	// Original untouched.
	assert.Equal(t, "hunter2", cfg["clientSecret"])
}

func TestUnmaskConfigKeepsStoredSecret(t *testing.T) {
	stored := map[string]interface{}{"clientSecret": "hunter2"}
	incoming := map[string]interface{}{"clientSecret": secretMask, "issuer": "https://x"}
	out := unmaskConfig(incoming, stored)
	assert.Equal(t, "hunter2", out["clientSecret"])

	rotated := unmaskConfig(map[string]interface{}{"clientSecret": "new"}, stored)
	assert.Equal(t, "new", rotated["clientSecret"])
}

func TestLoginLimiterWindow(t *testing.T) {
	l := NewLoginLimiter(3, 50*time.Millisecond)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("1.2.3.4"), "attempt %d", i+1)
	}
	assert.False(t, l.Allow("1.2.3.4"))
	// Other clients are unaffected.
	assert.True(t, l.Allow("5.6.7.8"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, l.Allow("1.2.3.4"), "window reset")
}

func TestCallbackErrorURL(t *testing.T) {
	assert.Equal(t, "https://app.example.com/login?error=PROVIDER_ERROR",
		callbackErrorURL("https://app.example.com", CodeProviderError))
	assert.Equal(t, "https://app.example.com/login?error=a+b%2Fc",
		callbackErrorURL("https://app.example.com", "a b/c"))
}

func TestIsPublic(t *testing.T) {
	assert.True(t, isPublic("/health"))
	assert.True(t, isPublic("/metrics"))
	assert.True(t, isPublic("/api/v1/auth/providers"))
	assert.False(t, isPublic("/api/v1/logs"))
	assert.False(t, isPublic("/api/v1/admin/settings"))
}

func TestScopesDefaultAndOverride(t *testing.T) {
	p := NewOIDCProvider(oidcRow(nil), nil, nil)
	assert.Equal(t, []string{"openid", "email", "profile"}, p.scopes())

	p = NewOIDCProvider(oidcRow(map[string]interface{}{
		"scopes": []interface{}{"openid", "email", "groups"},
	}), nil, nil)
	assert.Equal(t, []string{"openid", "email", "groups"}, p.scopes())
}
