package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loghive/backend/internal/database"
)

// LocalProviderSlug is the fixed slug of the built-in password provider.
const LocalProviderSlug = "local"

// Bootstrap runs at server start. It ensures the local auth provider row
// exists; the local provider is always enabled and never deletable.
func Bootstrap(ctx context.Context, db *database.DB) error {
	_, err := db.Providers.BySlug(ctx, LocalProviderSlug)
	if err == nil {
		return nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("bootstrap: %w", err)
	}

	p := &database.AuthProvider{
		Kind:      database.ProviderLocal,
		Slug:      LocalProviderSlug,
		Name:      "Email & Password",
		Enabled:   true,
		IsDefault: true,
		Config:    map[string]interface{}{},
	}
	if err := db.Providers.Create(ctx, p); err != nil {
		return fmt.Errorf("bootstrap local provider: %w", err)
	}
	slog.Info("created local auth provider", "id", p.ID)
	return nil
}

// DefaultUser resolves the account every request runs as in auth-free mode.
// Returns ErrNotFound when the setting is unset or points at a missing or
// disabled user; callers answer 503 in that case.
func (s *Service) DefaultUser(ctx context.Context) (*database.User, error) {
	id := s.DefaultUserID(ctx)
	if id == "" {
		return nil, database.ErrNotFound
	}
	u, err := s.db.Users.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Disabled {
		return nil, database.ErrNotFound
	}
	return u, nil
}
