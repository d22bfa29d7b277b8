package store

import "context"

// MarkProcessedSource records that sourcePath has been ingested, so a
// later re-scan of a watch folder can skip it.
func (s *Store) MarkProcessedSource(ctx context.Context, sourcePath string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_sources (source_path) VALUES (?)
		ON CONFLICT(source_path) DO NOTHING`, sourcePath)
	return wrapErr(err)
}

// IsSourceProcessed reports whether sourcePath has already been ingested.
func (s *Store) IsSourceProcessed(ctx context.Context, sourcePath string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM processed_sources WHERE source_path = ?", sourcePath).Scan(&one)
	if isNotFound(wrapErr(err)) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr(err)
	}
	return true, nil
}
