package store

import "context"

// GetPassword returns the cached archive password for a download, or
// "" if none has been recorded.
func (s *Store) GetPassword(ctx context.Context, downloadID int64) (string, error) {
	var pw string
	err := s.db.QueryRowContext(ctx, "SELECT password FROM passwords WHERE download_id = ?", downloadID).Scan(&pw)
	if isNotFound(wrapErr(err)) {
		return "", nil
	}
	if err != nil {
		return "", wrapErr(err)
	}
	return pw, nil
}

// SetPassword records (or replaces) the archive password to try first
// for a download's extraction stage.
func (s *Store) SetPassword(ctx context.Context, downloadID int64, password string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO passwords (download_id, password) VALUES (?, ?)
		ON CONFLICT(download_id) DO UPDATE SET password = excluded.password`,
		downloadID, password)
	return wrapErr(err)
}
