package database

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ============================================================================
// AUTH PROVIDERS, IDENTITIES, OIDC STATE, SESSIONS
// ============================================================================

var slugPattern = regexp.MustCompile(`^[a-z0-9-]{2,50}$`)

// ValidSlug reports whether a provider slug matches ^[a-z0-9-]{2,50}$.
func ValidSlug(slug string) bool {
	return slugPattern.MatchString(slug)
}

type ProviderStore struct {
	db *sql.DB
}

const providerCols = `id, kind, slug, name, icon, enabled, is_default, display_order, config, created_at`

func scanProvider(row interface{ Scan(...interface{}) error }) (*AuthProvider, error) {
	var p AuthProvider
	var cfg []byte
	if err := row.Scan(&p.ID, &p.Kind, &p.Slug, &p.Name, &p.Icon, &p.Enabled, &p.IsDefault, &p.DisplayOrder, &cfg, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(cfg, &p.Config); err != nil {
		return nil, fmt.Errorf("provider config: %w", err)
	}
	return &p, nil
}

func (s *ProviderStore) Create(ctx context.Context, p *AuthProvider) error {
	if !ValidSlug(p.Slug) {
		return fmt.Errorf("invalid provider slug %q", p.Slug)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = time.Now().UTC()
	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO auth_providers (`+providerCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.Kind, p.Slug, p.Name, p.Icon, p.Enabled, p.IsDefault, p.DisplayOrder, cfg, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	return nil
}

func (s *ProviderStore) Update(ctx context.Context, p *AuthProvider) error {
	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_providers
		 SET name = $2, icon = $3, enabled = $4, is_default = $5, display_order = $6, config = $7
		 WHERE id = $1`,
		p.ID, p.Name, p.Icon, p.Enabled, p.IsDefault, p.DisplayOrder, cfg)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *ProviderStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_providers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *ProviderStore) ByID(ctx context.Context, id string) (*AuthProvider, error) {
	return scanProvider(s.db.QueryRowContext(ctx,
		`SELECT `+providerCols+` FROM auth_providers WHERE id = $1`, id))
}

func (s *ProviderStore) BySlug(ctx context.Context, slug string) (*AuthProvider, error) {
	return scanProvider(s.db.QueryRowContext(ctx,
		`SELECT `+providerCols+` FROM auth_providers WHERE slug = $1`, slug))
}

// List returns providers ordered for display. enabledOnly is used by the
// public listing; admin surfaces see everything.
func (s *ProviderStore) List(ctx context.Context, enabledOnly bool) ([]*AuthProvider, error) {
	q := `SELECT ` + providerCols + ` FROM auth_providers`
	if enabledOnly {
		q += ` WHERE enabled`
	}
	q += ` ORDER BY display_order, slug`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuthProvider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LinkedUserCount backs the "cannot delete provider with linked users" check.
func (s *ProviderStore) LinkedUserCount(ctx context.Context, providerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM user_identities WHERE provider_id = $1`, providerID).Scan(&n)
	return n, err
}

type IdentityStore struct {
	db *sql.DB
}

func (s *IdentityStore) Create(ctx context.Context, i *UserIdentity) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	i.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_identities (id, user_id, provider_id, provider_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		i.ID, i.UserID, i.ProviderID, i.ProviderUserID, i.CreatedAt)
	if err != nil {
		return fmt.Errorf("create identity: %w", err)
	}
	return nil
}

func (s *IdentityStore) ByProviderUser(ctx context.Context, providerID, providerUserID string) (*UserIdentity, error) {
	var i UserIdentity
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider_id, provider_user_id, created_at
		 FROM user_identities WHERE provider_id = $1 AND provider_user_id = $2`,
		providerID, providerUserID).
		Scan(&i.ID, &i.UserID, &i.ProviderID, &i.ProviderUserID, &i.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *IdentityStore) ByID(ctx context.Context, id string) (*UserIdentity, error) {
	var i UserIdentity
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider_id, provider_user_id, created_at
		 FROM user_identities WHERE id = $1`, id).
		Scan(&i.ID, &i.UserID, &i.ProviderID, &i.ProviderUserID, &i.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *IdentityStore) ListByUser(ctx context.Context, userID string) ([]*UserIdentity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, provider_id, provider_user_id, created_at
		 FROM user_identities WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*UserIdentity
	for rows.Next() {
		var i UserIdentity
		if err := rows.Scan(&i.ID, &i.UserID, &i.ProviderID, &i.ProviderUserID, &i.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &i)
	}
	return out, rows.Err()
}

func (s *IdentityStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_identities WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type OidcStateStore struct {
	db *sql.DB
}

func (s *OidcStateStore) Create(ctx context.Context, st *OidcState) error {
	st.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oidc_states (state, nonce, provider_id, redirect_uri, code_verifier, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		st.State, st.Nonce, st.ProviderID, st.RedirectURI, st.CodeVerifier, st.CreatedAt)
	return err
}

func (s *OidcStateStore) Get(ctx context.Context, state string) (*OidcState, error) {
	var st OidcState
	err := s.db.QueryRowContext(ctx,
		`SELECT state, nonce, provider_id, redirect_uri, code_verifier, created_at
		 FROM oidc_states WHERE state = $1`, state).
		Scan(&st.State, &st.Nonce, &st.ProviderID, &st.RedirectURI, &st.CodeVerifier, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *OidcStateStore) Delete(ctx context.Context, state string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oidc_states WHERE state = $1`, state)
	return err
}

// PruneExpired drops abandoned states; the worker calls this periodically.
func (s *OidcStateStore) PruneExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oidc_states WHERE created_at < $1`, time.Now().UTC().Add(-ttl))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type SessionStore struct {
	db *sql.DB
}

// Create issues a 256-bit random hex token valid for ttl.
func (s *SessionStore) Create(ctx context.Context, userID string, ttl time.Duration) (*Session, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Token:     hex.EncodeToString(raw),
		CreatedAt: time.Now().UTC(),
	}
	sess.ExpiresAt = sess.CreatedAt.Add(ttl)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, token, created_at, expires_at) VALUES ($1, $2, $3, $4, $5)`,
		sess.ID, sess.UserID, sess.Token, sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Validate returns the session's user only when the token is current and the
// user is not disabled. Tokens are compared verbatim, never by prefix.
func (s *SessionStore) Validate(ctx context.Context, token string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+prefixed(userCols, "u.")+`
		 FROM sessions s JOIN users u ON u.id = s.user_id
		 WHERE s.token = $1 AND s.expires_at > now() AND NOT u.disabled`, token)
	return scanUser(row)
}

func (s *SessionStore) Delete(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	return err
}

func prefixed(cols, prefix string) string {
	parts := strings.Split(cols, ", ")
	for i := range parts {
		parts[i] = prefix + parts[i]
	}
	return strings.Join(parts, ", ")
}

// StringArray adapts []string to a text[] column.
func StringArray(v []string) interface{} {
	return pq.Array(v)
}
