package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/loghive/backend/internal/cache"
	"github.com/loghive/backend/internal/database"
)

// OIDCProvider implements the Authorization Code flow with mandatory PKCE.
// Authorization state lives in the store and is mirrored in the KV cache
// with a 5-minute TTL; it is single-use.
type OIDCProvider struct {
	row   *database.AuthProvider
	db    *database.DB
	cache *cache.Cache
}

func NewOIDCProvider(row *database.AuthProvider, db *database.DB, c *cache.Cache) *OIDCProvider {
	return &OIDCProvider{row: row, db: db, cache: c}
}

const (
	stateTTL         = 5 * time.Minute
	discoveryTTL     = time.Hour
	discoveryTimeout = 10 * time.Second
)

var defaultScopes = []string{"openid", "email", "profile"}

func (p *OIDCProvider) issuer() string       { return strings.TrimRight(configStr(p.row.Config, "issuer", ""), "/") }
func (p *OIDCProvider) clientID() string     { return configStr(p.row.Config, "clientId", "") }
func (p *OIDCProvider) clientSecret() string { return configStr(p.row.Config, "clientSecret", "") }
func (p *OIDCProvider) emailClaim() string   { return configStr(p.row.Config, "emailClaim", "email") }
func (p *OIDCProvider) nameClaim() string    { return configStr(p.row.Config, "nameClaim", "name") }

func (p *OIDCProvider) scopes() []string {
	raw, ok := p.row.Config["scopes"].([]interface{})
	if !ok || len(raw) == 0 {
		return defaultScopes
	}
	var out []string
	for _, s := range raw {
		if v, ok := s.(string); ok && v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return defaultScopes
	}
	return out
}

func (p *OIDCProvider) SupportsRedirect() bool { return true }

func (p *OIDCProvider) Authenticate(ctx context.Context, creds Credentials) (*Result, error) {
	return nil, authErr(CodeProviderError, "provider %s uses a redirect flow", p.row.Slug)
}

func (p *OIDCProvider) ValidateConfig() error {
	if err := validateIssuerURL(p.issuer()); err != nil {
		return err
	}
	if p.clientID() == "" {
		return fmt.Errorf("clientId is required")
	}
	if p.clientSecret() == "" {
		return fmt.Errorf("clientSecret is required")
	}
	return nil
}

// validateIssuerURL requires https, with a localhost allowance for
// development setups.
func validateIssuerURL(issuer string) error {
	if issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("issuer: %w", err)
	}
	if u.Scheme == "https" {
		return nil
	}
	host := u.Hostname()
	if u.Scheme == "http" && (host == "localhost" || host == "127.0.0.1" || host == "::1") {
		return nil
	}
	return fmt.Errorf("issuer must use https (http allowed for localhost only)")
}

// ============================================================================
// DISCOVERY
// ============================================================================

type discoveryDoc struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
}

type discoveryEntry struct {
	doc       *discoveryDoc
	fetchedAt time.Time
}

// issuerCache is process-local, keyed by issuer URL.
var (
	issuerMu    sync.Mutex
	issuerCache = map[string]discoveryEntry{}
)

func discover(ctx context.Context, issuer string) (*discoveryDoc, error) {
	if err := validateIssuerURL(issuer); err != nil {
		return nil, authErr(CodeProviderError, "%v", err)
	}

	issuerMu.Lock()
	entry, ok := issuerCache[issuer]
	issuerMu.Unlock()
	if ok && time.Since(entry.fetchedAt) < discoveryTTL {
		return entry.doc, nil
	}

	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, authErr(CodeProviderUnavailable, "issuer discovery failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, authErr(CodeProviderUnavailable, "issuer discovery returned %s", resp.Status)
	}

	var doc discoveryDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, authErr(CodeProviderError, "issuer discovery: %v", err)
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return nil, authErr(CodeProviderError, "issuer discovery document is incomplete")
	}

	issuerMu.Lock()
	issuerCache[issuer] = discoveryEntry{doc: &doc, fetchedAt: time.Now()}
	issuerMu.Unlock()
	return &doc, nil
}

func (p *OIDCProvider) oauthConfig(doc *discoveryDoc, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.clientID(),
		ClientSecret: p.clientSecret(),
		RedirectURL:  redirectURI,
		Scopes:       p.scopes(),
		Endpoint: oauth2.Endpoint{
			AuthURL:  doc.AuthorizationEndpoint,
			TokenURL: doc.TokenEndpoint,
		},
	}
}

// ============================================================================
// FLOW
// ============================================================================

// AuthorizationURL starts the flow: state, nonce and PKCE verifier are
// generated and persisted before the redirect URL is handed out.
func (p *OIDCProvider) AuthorizationURL(ctx context.Context, redirectURI string) (*AuthorizationRequest, error) {
	if err := p.ValidateConfig(); err != nil {
		return nil, authErr(CodeProviderError, "%v", err)
	}
	doc, err := discover(ctx, p.issuer())
	if err != nil {
		return nil, err
	}

	state, err := randomToken()
	if err != nil {
		return nil, err
	}
	nonce, err := randomToken()
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()

	st := &database.OidcState{
		State:        state,
		Nonce:        nonce,
		ProviderID:   p.row.ID,
		RedirectURI:  redirectURI,
		CodeVerifier: verifier,
	}
	if err := p.db.OidcStates.Create(ctx, st); err != nil {
		return nil, fmt.Errorf("persist oidc state: %w", err)
	}
	if err := p.cache.SetJSON(ctx, cache.KeyOidcState+state, st, stateTTL); err != nil {
		// The store copy is authoritative; a cache miss only costs a read.
		_ = err
	}

	authURL := p.oauthConfig(doc, redirectURI).AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("nonce", nonce),
	)
	return &AuthorizationRequest{URL: authURL, State: state}, nil
}

// HandleCallback finishes the flow: state lookup (cache first, then store),
// TTL and single-use enforcement, code exchange with the stored verifier,
// nonce check, claim extraction. State is deleted from both places before a
// result is returned.
func (p *OIDCProvider) HandleCallback(ctx context.Context, code, state string) (*Result, error) {
	if code == "" || state == "" {
		return nil, authErr(CodeInvalidState, "missing code or state")
	}

	st, err := p.loadState(ctx, state)
	if err != nil {
		return nil, err
	}
	if st.ProviderID != p.row.ID {
		return nil, authErr(CodeInvalidState, "state belongs to a different provider")
	}
	if time.Since(st.CreatedAt) > stateTTL {
		p.deleteState(ctx, state)
		return nil, authErr(CodeInvalidState, "authorization state expired")
	}

	doc, err := discover(ctx, p.issuer())
	if err != nil {
		return nil, err
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	token, err := p.oauthConfig(doc, st.RedirectURI).Exchange(exchangeCtx, code,
		oauth2.VerifierOption(st.CodeVerifier))
	if err != nil {
		return nil, authErr(CodeProviderError, "token exchange failed: %v", err)
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, authErr(CodeProviderError, "token response carries no id_token")
	}
	claims, err := decodeIDTokenClaims(rawIDToken)
	if err != nil {
		return nil, authErr(CodeProviderError, "id_token: %v", err)
	}

	if nonce, _ := claims["nonce"].(string); nonce != st.Nonce {
		return nil, authErr(CodeInvalidState, "nonce mismatch")
	}

	res, err := p.resultFromClaims(claims)
	if err != nil {
		return nil, err
	}

	// Single use: gone from store and cache before the caller can mint a
	// session.
	p.deleteState(ctx, state)
	return res, nil
}

func (p *OIDCProvider) loadState(ctx context.Context, state string) (*database.OidcState, error) {
	var st database.OidcState
	if p.cache.GetJSON(ctx, cache.KeyOidcState+state, &st) == nil {
		return &st, nil
	}
	stored, err := p.db.OidcStates.Get(ctx, state)
	if errors.Is(err, database.ErrNotFound) {
		return nil, authErr(CodeInvalidState, "unknown or already used state")
	}
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (p *OIDCProvider) deleteState(ctx context.Context, state string) {
	_ = p.db.OidcStates.Delete(ctx, state)
	_ = p.cache.Delete(ctx, cache.KeyOidcState+state)
}

func (p *OIDCProvider) resultFromClaims(claims map[string]interface{}) (*Result, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, authErr(CodeProviderError, "id_token has no sub claim")
	}

	email, _ := claims[p.emailClaim()].(string)
	email = database.NormalizeEmail(email)
	if email == "" {
		return nil, authErr(CodeMissingEmail, "identity provider returned no email")
	}
	if verified, ok := claims["email_verified"].(bool); ok && !verified {
		return nil, authErr(CodeEmailNotVerified, "email address is not verified")
	}

	name, _ := claims[p.nameClaim()].(string)
	if name == "" {
		name, _ = claims["preferred_username"].(string)
	}
	if name == "" {
		if i := strings.Index(email, "@"); i > 0 {
			name = email[:i]
		} else {
			name = email
		}
	}

	return &Result{
		ProviderUserID: sub,
		Email:          email,
		Name:           name,
		Metadata:       map[string]interface{}{"issuer": p.issuer()},
	}, nil
}

// decodeIDTokenClaims reads the JWT payload without signature verification:
// the token arrives over TLS directly from the token endpoint we chose, and
// the nonce binds it to our request.
func decodeIDTokenClaims(raw string) (map[string]interface{}, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("claims: %w", err)
	}
	return claims, nil
}

func (p *OIDCProvider) TestConnection(ctx context.Context) error {
	if err := p.ValidateConfig(); err != nil {
		return authErr(CodeProviderError, "%v", err)
	}
	_, err := discover(ctx, p.issuer())
	return err
}

func randomToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
