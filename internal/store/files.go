package store

import (
	"context"
	"database/sql"

	"github.com/nzbcore/gonzbd/internal/domain"
)

// InsertFiles bulk-inserts the parsed file manifest for a download, one
// row per NZB <file> element, inside a single transaction.
func (s *Store) InsertFiles(ctx context.Context, downloadID int64, files []domain.DownloadFile) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO download_files (
				download_id, file_index, parsed_filename, original_subject,
				total_segments, completed, original_filename
			) VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return wrapErr(err)
		}
		defer stmt.Close()

		for _, f := range files {
			if _, err := stmt.ExecContext(ctx,
				downloadID, f.FileIndex, f.ParsedFilename, f.OriginalSubject,
				f.TotalSegments, f.Completed, nullStr(f.OriginalFilename),
			); err != nil {
				return wrapErr(err)
			}
		}
		return nil
	})
}

func scanFile(row interface{ Scan(dest ...any) error }) (*domain.DownloadFile, error) {
	var f domain.DownloadFile
	var originalFilename sql.NullString
	if err := row.Scan(
		&f.DownloadID, &f.FileIndex, &f.ParsedFilename, &f.OriginalSubject,
		&f.TotalSegments, &f.Completed, &originalFilename,
	); err != nil {
		return nil, wrapErr(err)
	}
	f.OriginalFilename = originalFilename.String
	return &f, nil
}

const fileColumns = `download_id, file_index, parsed_filename, original_subject, total_segments, completed, original_filename`

// ListFiles returns every DownloadFile belonging to a download, ordered
// by file_index (the NZB's original file ordering).
func (s *Store) ListFiles(ctx context.Context, downloadID int64) ([]*domain.DownloadFile, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+fileColumns+" FROM download_files WHERE download_id = ? ORDER BY file_index ASC", downloadID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*domain.DownloadFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, wrapErr(rows.Err())
}

// MarkFileCompleted flips a single file's completed flag once every one
// of its articles has downloaded successfully.
func (s *Store) MarkFileCompleted(ctx context.Context, downloadID int64, fileIndex int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE download_files SET completed = 1 WHERE download_id = ? AND file_index = ?",
		downloadID, fileIndex)
	return wrapErr(err)
}

// RenameFile records a DirectRename: parsed_filename becomes newName and
// original_filename keeps the first pre-rename name. A second rename
// never overwrites original_filename.
func (s *Store) RenameFile(ctx context.Context, downloadID int64, fileIndex int, newName string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE download_files
		SET original_filename = COALESCE(original_filename, parsed_filename), parsed_filename = ?
		WHERE download_id = ? AND file_index = ?`,
		newName, downloadID, fileIndex)
	return wrapErr(err)
}

// DetectNewlyCompletedFiles finds files that have every article in the
// ArticleStatusDownloaded state but are not yet flagged completed, the
// signal the driver uses to reassemble a file and hand it to the
// DirectUnpack sidepath.
func (s *Store) DetectNewlyCompletedFiles(ctx context.Context, downloadID int64) ([]*domain.DownloadFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fileColumnsPrefixed("f")+`
		FROM download_files f
		WHERE f.download_id = ? AND f.completed = 0
		  AND NOT EXISTS (
		      SELECT 1 FROM download_articles a
		      WHERE a.download_id = f.download_id AND a.file_index = f.file_index
		        AND a.status != ?
		  )
		ORDER BY f.file_index ASC`,
		downloadID, int(domain.ArticleStatusDownloaded))
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*domain.DownloadFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, wrapErr(rows.Err())
}

func fileColumnsPrefixed(alias string) string {
	return alias + ".download_id, " + alias + ".file_index, " + alias + ".parsed_filename, " +
		alias + ".original_subject, " + alias + ".total_segments, " + alias + ".completed, " +
		alias + ".original_filename"
}
