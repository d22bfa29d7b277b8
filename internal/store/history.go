package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/nzbcore/gonzbd/internal/domain"
)

// InsertHistory records a download's terminal outcome. Called once per
// download, after the driver settles it into Complete or Failed and the
// row is about to be (optionally) pruned from the active table.
func (s *Store) InsertHistory(ctx context.Context, h *domain.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history (download_id, display_name, status, category, final_path, error, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.DownloadID, h.DisplayName, string(h.Status), nullStr(h.Category), nullStr(h.FinalPath), nullStr(h.Error), h.CompletedAt)
	return wrapErr(err)
}

// QueryHistory returns up to limit history entries newest first,
// starting after offset — the REST control surface's history listing.
func (s *Store) QueryHistory(ctx context.Context, limit, offset int) ([]*domain.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, download_id, display_name, status, category, final_path, error, completed_at
		FROM history ORDER BY completed_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		var status string
		var category, finalPath, errMsg sql.NullString
		if err := rows.Scan(&h.ID, &h.DownloadID, &h.DisplayName, &status, &category, &finalPath, &errMsg, &h.CompletedAt); err != nil {
			return nil, wrapErr(err)
		}
		h.Status = domain.Status(status)
		h.Category = category.String
		h.FinalPath = finalPath.String
		h.Error = errMsg.String
		out = append(out, &h)
	}
	return out, wrapErr(rows.Err())
}

// PurgeHistoryBefore deletes history entries completed before cutoff and
// returns how many were removed.
func (s *Store) PurgeHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM history WHERE completed_at < ?", cutoff)
	if err != nil {
		return 0, wrapErr(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
