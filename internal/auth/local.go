package auth

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/loghive/backend/internal/database"
)

// LocalProvider authenticates against the users table with bcrypt password
// hashes. Its provider-user id is the platform user id.
type LocalProvider struct {
	db *database.DB
}

func NewLocalProvider(db *database.DB) *LocalProvider {
	return &LocalProvider{db: db}
}

func (p *LocalProvider) Authenticate(ctx context.Context, creds Credentials) (*Result, error) {
	email := database.NormalizeEmail(creds.Username)
	user, err := p.db.Users.ByEmail(ctx, email)
	if errors.Is(err, database.ErrNotFound) {
		// Burn a compare anyway so missing accounts cost as much as
		// wrong passwords.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(creds.Password))
		return nil, authErr(CodeInvalidCredentials, "invalid email or password")
	}
	if err != nil {
		return nil, err
	}
	if user.Disabled {
		return nil, authErr(CodeUserDisabled, "account is disabled")
	}
	if user.PasswordHash == nil {
		return nil, authErr(CodeInvalidCredentials,
			"this account uses single sign-on; log in with your identity provider")
	}
	if bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(creds.Password)) != nil {
		return nil, authErr(CodeInvalidCredentials, "invalid email or password")
	}

	return &Result{
		ProviderUserID: user.ID,
		Email:          user.Email,
		Name:           user.Name,
	}, nil
}

func (p *LocalProvider) SupportsRedirect() bool { return false }

func (p *LocalProvider) ValidateConfig() error { return nil }

func (p *LocalProvider) TestConnection(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// HashPassword is the single place bcrypt cost is chosen.
func HashPassword(plaintext string) (string, error) {
	raw, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// dummyHash is a valid bcrypt hash of an unguessable value, used only to
// equalize timing on unknown accounts.
var dummyHash = func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("loghive-timing-pad"), bcrypt.MinCost)
	return h
}()
