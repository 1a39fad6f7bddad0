package sqlite

import (
	"context"

	"github.com/google/uuid"

	"github.com/shelfsync/shelfsync-server/internal/store"
)

const instanceIDKey = "instance_id"

// InstanceID returns the bridge's stable identity, minting one on first
// boot.
func (s *Store) InstanceID(ctx context.Context) (string, error) {
	id, err := s.GetSetting(ctx, instanceIDKey)
	if err == nil {
		return id, nil
	}
	if !store.IsNotFound(err) {
		return "", err
	}
	id = uuid.NewString()
	if err := s.SetSetting(ctx, instanceIDKey, id); err != nil {
		return "", err
	}
	return id, nil
}

// GetSetting returns the stored value for a settings key.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", store.MapRowError(err, "setting")
	}
	return value, nil
}

// AllSettings returns every stored settings row.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SetSetting stores a settings key, replacing any previous value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}
