package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

type SettingStore struct {
	db *sql.DB
}

// Get returns the raw JSON value for a key, or ErrNotFound when no override
// is stored (the settings service supplies the default).
func (s *SettingStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM system_settings WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func (s *SettingStore) Set(ctx context.Context, key string, value json.RawMessage, updatedBy string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_settings (key, value, updated_by, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_by = EXCLUDED.updated_by, updated_at = now()`,
		key, []byte(value), updatedBy)
	return err
}

func (s *SettingStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM system_settings WHERE key = $1`, key)
	return err
}

func (s *SettingStore) List(ctx context.Context) ([]*SystemSetting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_by, updated_at FROM system_settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SystemSetting
	for rows.Next() {
		var st SystemSetting
		var raw []byte
		if err := rows.Scan(&st.Key, &raw, &st.UpdatedBy, &st.UpdatedAt); err != nil {
			return nil, err
		}
		st.Value = json.RawMessage(raw)
		out = append(out, &st)
	}
	return out, rows.Err()
}
