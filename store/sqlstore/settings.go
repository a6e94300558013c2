package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GetSettings decodes the named settings record into v. It reports false
// when no record has been saved yet, leaving v untouched.
func (s *Store) GetSettings(ctx context.Context, name string, v any) (bool, error) {
	var raw string
	err := s.queryRow(ctx, "SELECT value_json FROM settings WHERE name = ?", name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get settings %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("failed to decode settings %s: %w", name, err)
	}
	return true, nil
}

// PutSettings replaces the named settings record.
func (s *Store) PutSettings(ctx context.Context, name string, v any, actor string) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode settings %s: %w", name, err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO settings (name, value_json, updated_by, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			value_json = excluded.value_json,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at`,
		name, string(raw), nullString(actor), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save settings %s: %w", name, err)
	}
	return nil
}
