// Package settings is the system-settings service: a small set of
// enumerated keys with typed defaults, stored as JSON overrides in Postgres
// and cached in Redis.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loghive/backend/internal/cache"
	"github.com/loghive/backend/internal/database"
)

// Known keys. Writes to any other key are rejected.
const (
	KeySignupEnabled = "auth.signup_enabled"
	KeyAuthMode      = "auth.mode"
	KeyDefaultUserID = "auth.default_user_id"
)

// Auth modes. ModeNone serves every request as the configured default user.
const (
	ModeStandard = "standard"
	ModeNone     = "none"
)

var ErrUnknownKey = errors.New("unknown setting key")

// defaults supplies the value when no override row exists.
var defaults = map[string]interface{}{
	KeySignupEnabled: true,
	KeyAuthMode:      ModeStandard,
	KeyDefaultUserID: "",
}

const cacheTTL = 60 * time.Second

type Service struct {
	db    *database.DB
	cache *cache.Cache
}

func NewService(db *database.DB, c *cache.Cache) *Service {
	return &Service{db: db, cache: c}
}

// Get returns the effective value for a known key: the stored override when
// present, the default otherwise.
func (s *Service) Get(ctx context.Context, key string) (interface{}, error) {
	def, known := defaults[key]
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	var cached interface{}
	if s.cache.GetJSON(ctx, cache.KeySettings+key, &cached) == nil {
		return cached, nil
	}

	raw, err := s.db.Settings.Get(ctx, key)
	if errors.Is(err, database.ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return nil, err
	}

	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("setting %s: %w", key, err)
	}
	if err := s.cache.SetJSON(ctx, cache.KeySettings+key, value, cacheTTL); err != nil {
		slog.Warn("settings cache write failed", "key", key, "error", err)
	}
	return value, nil
}

// Set validates and stores an override, then invalidates the cache entry.
func (s *Service) Set(ctx context.Context, key string, value interface{}, updatedBy string) error {
	if err := validate(key, value); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := s.db.Settings.Set(ctx, key, raw, updatedBy); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, cache.KeySettings+key); err != nil {
		slog.Warn("settings cache invalidation failed", "key", key, "error", err)
	}
	return nil
}

// Reset removes the override so the default applies again.
func (s *Service) Reset(ctx context.Context, key string) error {
	if _, known := defaults[key]; !known {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if err := s.db.Settings.Delete(ctx, key); err != nil {
		return err
	}
	return s.cache.Delete(ctx, cache.KeySettings+key)
}

// All returns every known key with its effective value.
func (s *Service) All(ctx context.Context) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(defaults))
	for key := range defaults {
		v, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

func validate(key string, value interface{}) error {
	switch key {
	case KeySignupEnabled:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s must be a boolean", key)
		}
	case KeyAuthMode:
		s, ok := value.(string)
		if !ok || (s != ModeStandard && s != ModeNone) {
			return fmt.Errorf("%s must be %q or %q", key, ModeStandard, ModeNone)
		}
	case KeyDefaultUserID:
		if value != nil {
			if _, ok := value.(string); !ok {
				return fmt.Errorf("%s must be a string or null", key)
			}
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return nil
}

// ============================================================================
// TYPED ACCESSORS
// ============================================================================

// SignupEnabled falls back to the default on read errors so login never
// breaks on a cache or database hiccup.
func (s *Service) SignupEnabled(ctx context.Context) bool {
	v, err := s.Get(ctx, KeySignupEnabled)
	if err != nil {
		return defaults[KeySignupEnabled].(bool)
	}
	b, ok := v.(bool)
	if !ok {
		return defaults[KeySignupEnabled].(bool)
	}
	return b
}

func (s *Service) Mode(ctx context.Context) string {
	v, err := s.Get(ctx, KeyAuthMode)
	if err != nil {
		return ModeStandard
	}
	m, ok := v.(string)
	if !ok || (m != ModeStandard && m != ModeNone) {
		return ModeStandard
	}
	return m
}

// SetMany writes several settings, skipping nil values the way a PATCH with
// absent fields behaves.
func (s *Service) SetMany(ctx context.Context, values map[string]interface{}, updatedBy string) error {
	for key, value := range values {
		if value == nil && key != KeyDefaultUserID {
			continue
		}
		if err := s.Set(ctx, key, value, updatedBy); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) DefaultUserID(ctx context.Context) string {
	v, err := s.Get(ctx, KeyDefaultUserID)
	if err != nil {
		return ""
	}
	id, _ := v.(string)
	return id
}
