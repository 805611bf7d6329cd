package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loghive/backend/internal/cache"
	"github.com/loghive/backend/internal/config"
	"github.com/loghive/backend/internal/database"
	"github.com/loghive/backend/internal/settings"
)

// Service owns provider construction, user provisioning, identity linking
// and sessions.
type Service struct {
	db       *database.DB
	cache    *cache.Cache
	settings *settings.Service
	cfg      config.AuthConfig
}

func NewService(db *database.DB, c *cache.Cache, st *settings.Service, cfg config.AuthConfig) *Service {
	return &Service{db: db, cache: c, settings: st, cfg: cfg}
}

// Build instantiates the runtime provider for a stored row.
func (s *Service) Build(row *database.AuthProvider) (Provider, error) {
	switch row.Kind {
	case database.ProviderLocal:
		return NewLocalProvider(s.db), nil
	case database.ProviderLDAP:
		return NewLDAPProvider(row), nil
	case database.ProviderOIDC:
		return NewOIDCProvider(row, s.db, s.cache), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", row.Kind)
	}
}

// EnabledProvider resolves a slug to an enabled provider row.
func (s *Service) EnabledProvider(ctx context.Context, slug string) (*database.AuthProvider, error) {
	row, err := s.db.Providers.BySlug(ctx, slug)
	if errors.Is(err, database.ErrNotFound) {
		return nil, authErr(CodeProviderError, "unknown provider %q", slug)
	}
	if err != nil {
		return nil, err
	}
	if !row.Enabled {
		return nil, authErr(CodeProviderError, "provider %q is disabled", slug)
	}
	return row, nil
}

// LoginResult is what every successful authentication path produces.
type LoginResult struct {
	User      *database.User    `json:"user"`
	Session   *database.Session `json:"session"`
	IsNewUser bool              `json:"isNewUser"`
}

// Login runs a direct-credential flow against one provider and provisions
// the platform user.
func (s *Service) Login(ctx context.Context, slug string, creds Credentials) (*LoginResult, error) {
	row, err := s.EnabledProvider(ctx, slug)
	if err != nil {
		return nil, err
	}
	provider, err := s.Build(row)
	if err != nil {
		return nil, err
	}
	if provider.SupportsRedirect() {
		return nil, authErr(CodeProviderError, "provider %q uses a redirect flow", slug)
	}

	res, err := provider.Authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}
	return s.CompleteLogin(ctx, row, res)
}

// CompleteLogin maps a provider result to a user and mints a session. It is
// shared by the direct and redirect flows.
func (s *Service) CompleteLogin(ctx context.Context, row *database.AuthProvider, res *Result) (*LoginResult, error) {
	user, isNew, err := s.FindOrCreateUser(ctx, row, res)
	if err != nil {
		return nil, err
	}
	sess, err := s.db.Sessions.Create(ctx, user.ID, s.cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	if err := s.db.Users.TouchLastLogin(ctx, user.ID); err != nil {
		slog.Warn("last-login stamp failed", "user", user.ID, "error", err)
	}
	return &LoginResult{User: user, Session: sess, IsNewUser: isNew}, nil
}

// FindOrCreateUser implements the three-step provisioning ladder: identity
// match, email link, auto-register.
func (s *Service) FindOrCreateUser(ctx context.Context, row *database.AuthProvider, res *Result) (*database.User, bool, error) {
	// Step 1: known identity.
	ident, err := s.db.Identities.ByProviderUser(ctx, row.ID, res.ProviderUserID)
	if err == nil {
		user, err := s.db.Users.ByID(ctx, ident.UserID)
		if err != nil {
			return nil, false, err
		}
		if user.Disabled {
			return nil, false, authErr(CodeUserDisabled, "account is disabled")
		}
		return user, false, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, false, err
	}

	// Step 2: same email on an existing account links a new identity.
	email := database.NormalizeEmail(res.Email)
	if email == "" {
		return nil, false, authErr(CodeMissingEmail, "provider returned no email")
	}
	user, err := s.db.Users.ByEmail(ctx, email)
	if err == nil {
		if user.Disabled {
			return nil, false, authErr(CodeUserDisabled, "account is disabled")
		}
		if err := s.db.Identities.Create(ctx, &database.UserIdentity{
			UserID:         user.ID,
			ProviderID:     row.ID,
			ProviderUserID: res.ProviderUserID,
		}); err != nil {
			return nil, false, err
		}
		slog.Info("linked new identity by email", "user", user.ID, "provider", row.Slug)
		return user, false, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, false, err
	}

	// Step 3: auto-register, gated per provider and globally.
	if !allowAutoRegister(row) {
		return nil, false, authErr(CodeAutoRegisterDisabled,
			"provider %q does not allow automatic registration", row.Slug)
	}
	if !s.settings.SignupEnabled(ctx) {
		return nil, false, authErr(CodeAutoRegisterDisabled, "signup is disabled")
	}

	user = &database.User{Email: email, Name: res.Name}
	if err := s.db.Users.Create(ctx, user); err != nil {
		return nil, false, err
	}
	if err := s.db.Identities.Create(ctx, &database.UserIdentity{
		UserID:         user.ID,
		ProviderID:     row.ID,
		ProviderUserID: res.ProviderUserID,
	}); err != nil {
		return nil, false, err
	}
	slog.Info("auto-registered user", "user", user.ID, "provider", row.Slug)
	return user, true, nil
}

// Register creates a local-password account and its local identity.
func (s *Service) Register(ctx context.Context, email, password, name string) (*LoginResult, error) {
	if !s.settings.SignupEnabled(ctx) {
		return nil, authErr(CodeAutoRegisterDisabled, "signup is disabled")
	}
	email = database.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, authErr(CodeInvalidCredentials, "email and password are required")
	}
	if _, err := s.db.Users.ByEmail(ctx, email); err == nil {
		return nil, authErr(CodeInvalidCredentials, "an account with this email already exists")
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &database.User{Email: email, Name: name, PasswordHash: &hash}
	if err := s.db.Users.Create(ctx, user); err != nil {
		return nil, err
	}

	local, err := s.db.Providers.BySlug(ctx, settings.LocalProviderSlug)
	if err != nil {
		return nil, err
	}
	if err := s.db.Identities.Create(ctx, &database.UserIdentity{
		UserID:         user.ID,
		ProviderID:     local.ID,
		ProviderUserID: user.ID,
	}); err != nil {
		return nil, err
	}

	sess, err := s.db.Sessions.Create(ctx, user.ID, s.cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: user, Session: sess, IsNewUser: true}, nil
}

// ============================================================================
// IDENTITY LINKING
// ============================================================================

// LinkIdentity authenticates against a provider and attaches the resulting
// identity to an existing user. An identity already owned by someone else
// is rejected.
func (s *Service) LinkIdentity(ctx context.Context, user *database.User, slug string, creds Credentials) (*database.UserIdentity, error) {
	row, err := s.EnabledProvider(ctx, slug)
	if err != nil {
		return nil, err
	}
	provider, err := s.Build(row)
	if err != nil {
		return nil, err
	}
	if provider.SupportsRedirect() {
		return nil, authErr(CodeProviderError, "provider %q uses a redirect flow", slug)
	}
	res, err := provider.Authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}
	return s.AttachIdentity(ctx, user, row, res)
}

// AttachIdentity is the link step shared with the OIDC callback.
func (s *Service) AttachIdentity(ctx context.Context, user *database.User, row *database.AuthProvider, res *Result) (*database.UserIdentity, error) {
	existing, err := s.db.Identities.ByProviderUser(ctx, row.ID, res.ProviderUserID)
	if err == nil {
		if existing.UserID != user.ID {
			return nil, authErr(CodeProviderError, "this identity is already linked to another account")
		}
		return existing, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	ident := &database.UserIdentity{
		UserID:         user.ID,
		ProviderID:     row.ID,
		ProviderUserID: res.ProviderUserID,
	}
	if err := s.db.Identities.Create(ctx, ident); err != nil {
		return nil, err
	}
	return ident, nil
}

// UnlinkIdentity removes an identity, refusing to strand the user without
// any authentication method. Unlinking the local identity also clears the
// password hash.
func (s *Service) UnlinkIdentity(ctx context.Context, user *database.User, identityID string) error {
	ident, err := s.db.Identities.ByID(ctx, identityID)
	if err != nil {
		return err
	}
	if ident.UserID != user.ID {
		return database.ErrNotFound
	}

	all, err := s.db.Identities.ListByUser(ctx, user.ID)
	if err != nil {
		return err
	}
	if len(all) <= 1 {
		return authErr(CodeProviderError, "cannot unlink the only authentication method")
	}

	row, err := s.db.Providers.ByID(ctx, ident.ProviderID)
	if err != nil {
		return err
	}
	if err := s.db.Identities.Delete(ctx, identityID); err != nil {
		return err
	}
	if row.Kind == database.ProviderLocal {
		if err := s.db.Users.ClearPasswordHash(ctx, user.ID); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// SESSIONS
// ============================================================================

func (s *Service) ValidateSession(ctx context.Context, token string) (*database.User, error) {
	if token == "" {
		return nil, database.ErrNotFound
	}
	return s.db.Sessions.Validate(ctx, token)
}

func (s *Service) Logout(ctx context.Context, token string) error {
	return s.db.Sessions.Delete(ctx, token)
}

// SessionTTL is exposed for the callback handler's expires parameter.
func (s *Service) SessionTTL() time.Duration {
	return s.cfg.SessionTTL
}
