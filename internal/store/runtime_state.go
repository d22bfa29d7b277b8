package store

import "context"

// GetRuntimeState reads a single persisted runtime flag (e.g. the
// clean_shutdown marker), returning "" if unset.
func (s *Store) GetRuntimeState(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM runtime_state WHERE key = ?", key).Scan(&v)
	if isNotFound(wrapErr(err)) {
		return "", nil
	}
	if err != nil {
		return "", wrapErr(err)
	}
	return v, nil
}

// SetRuntimeState persists a runtime flag across restarts.
func (s *Store) SetRuntimeState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runtime_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return wrapErr(err)
}
