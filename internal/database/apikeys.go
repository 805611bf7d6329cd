package database

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// API KEY MANAGEMENT
// ============================================================================

// APIKeyStore issues and validates ingestion keys. Keys are high-entropy
// random values, so the stored hash is plain SHA-256: bcrypt-style password
// hashing is both unnecessary and too slow for the ingest hot path.
type APIKeyStore struct {
	db *sql.DB
}

// HashKey returns the lookup hash for a plaintext key.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Create generates a new key with format lh_<48 hex chars> and returns the
// plaintext exactly once.
func (s *APIKeyStore) Create(ctx context.Context, projectID, name string) (*APIKey, string, error) {
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", err
	}
	plaintext := "lh_" + hex.EncodeToString(secret)

	key := &APIKey{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      name,
		KeyHash:   HashKey(plaintext),
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, project_id, name, key_hash, created_at) VALUES ($1, $2, $3, $4, $5)`,
		key.ID, key.ProjectID, key.Name, key.KeyHash, key.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("create api key: %w", err)
	}
	return key, plaintext, nil
}

// KeyContext is the tenant context attached to an authenticated ingest
// request.
type KeyContext struct {
	KeyID          string
	ProjectID      string
	OrganizationID string
}

// Validate hashes the plaintext, looks up a non-revoked key and resolves the
// owning project and organization in one round trip.
func (s *APIKeyStore) Validate(ctx context.Context, plaintext string) (*KeyContext, error) {
	var kc KeyContext
	err := s.db.QueryRowContext(ctx,
		`SELECT k.id, k.project_id, p.organization_id
		 FROM api_keys k JOIN projects p ON p.id = k.project_id
		 WHERE k.key_hash = $1 AND NOT k.revoked`,
		HashKey(plaintext)).Scan(&kc.KeyID, &kc.ProjectID, &kc.OrganizationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &kc, nil
}

// ListByProject returns all keys of a project, revoked ones included, so the
// UI can show key history.
func (s *APIKeyStore) ListByProject(ctx context.Context, projectID string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, name, revoked, created_at, last_used_at
		 FROM api_keys WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.ProjectID, &k.Name, &k.Revoked, &k.CreatedAt, &k.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, &k)
	}
	return out, rows.Err()
}

// TouchLastUsed is best effort; callers ignore the error.
func (s *APIKeyStore) TouchLastUsed(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, keyID)
	return err
}

func (s *APIKeyStore) Revoke(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked = TRUE WHERE id = $1`, keyID)
	return err
}
