package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/nzbcore/gonzbd/internal/domain"
	"github.com/nzbcore/gonzbd/internal/errs"
)

// InsertDownload inserts a new Download row and returns its assigned id.
func (s *Store) InsertDownload(ctx context.Context, d *domain.Download) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads (
			display_name, source_path, source_hash, parsed_job_name, category,
			destination_root, post_process_mode, priority, status,
			total_bytes, created_at, direct_unpack_state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DisplayName, d.SourcePath, nullStr(d.SourceHash), nullStr(d.ParsedJobName), nullStr(d.Category),
		d.DestinationRoot, string(d.PostProcessMode), int(d.Priority), string(d.Status),
		d.TotalBytes, d.CreatedAt, string(d.DirectUnpackState),
	)
	if err != nil {
		return 0, wrapErr(err)
	}
	return res.LastInsertId()
}

const downloadColumns = `
	id, display_name, source_path, source_hash, parsed_job_name, category,
	destination_root, post_process_mode, priority, status, progress_fraction,
	current_speed_bps, total_bytes, downloaded_bytes, error, created_at,
	started_at, completed_at, direct_unpack_state, direct_unpack_extracted_cnt`

func scanDownload(row interface {
	Scan(dest ...any) error
}) (*domain.Download, error) {
	var d domain.Download
	var sourceHash, jobName, category, errMsg sql.NullString
	var priority int
	var status, ppMode, duState string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&d.ID, &d.DisplayName, &d.SourcePath, &sourceHash, &jobName, &category,
		&d.DestinationRoot, &ppMode, &priority, &status, &d.ProgressFraction,
		&d.CurrentSpeedBps, &d.TotalBytes, &d.DownloadedBytes, &errMsg, &d.CreatedAt,
		&startedAt, &completedAt, &duState, &d.DirectUnpackExtractedCnt,
	)
	if err != nil {
		return nil, wrapErr(err)
	}

	d.SourceHash = sourceHash.String
	d.ParsedJobName = jobName.String
	d.Category = category.String
	d.Error = errMsg.String
	d.Priority = domain.Priority(priority)
	d.Status = domain.Status(status)
	d.PostProcessMode = domain.PostProcessMode(ppMode)
	d.DirectUnpackState = domain.DirectUnpackState(duState)
	if startedAt.Valid {
		t := startedAt.Time
		d.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}
	return &d, nil
}

// GetDownload fetches a single Download by id.
func (s *Store) GetDownload(ctx context.Context, id int64) (*domain.Download, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+downloadColumns+" FROM downloads WHERE id = ?", id)
	return scanDownload(row)
}

// ListDownloads returns every Download ordered by (priority DESC,
// created_at ASC), the order the scheduler's admission loop consumes.
func (s *Store) ListDownloads(ctx context.Context) ([]*domain.Download, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+downloadColumns+" FROM downloads ORDER BY priority DESC, created_at ASC")
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*domain.Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, wrapErr(rows.Err())
}

// ListDownloadsByStatus returns every Download with one of the given
// statuses, same ordering as ListDownloads.
func (s *Store) ListDownloadsByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Download, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(statusesToAny(statuses))
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+downloadColumns+" FROM downloads WHERE status IN ("+placeholders+") ORDER BY priority DESC, created_at ASC",
		args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*domain.Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, wrapErr(rows.Err())
}

func statusesToAny(statuses []domain.Status) []any {
	out := make([]any, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// UpdateStatus sets Download.status, optionally stamping started_at
// (first transition to Downloading) or completed_at (terminal states).
func (s *Store) UpdateStatus(ctx context.Context, id int64, status domain.Status) error {
	now := time.Now()
	switch status {
	case domain.StatusDownloading:
		_, err := s.db.ExecContext(ctx, `
			UPDATE downloads SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`,
			string(status), now, id)
		return wrapErr(err)
	case domain.StatusComplete, domain.StatusFailed:
		_, err := s.db.ExecContext(ctx, `
			UPDATE downloads SET status = ?, completed_at = ? WHERE id = ?`,
			string(status), now, id)
		return wrapErr(err)
	default:
		_, err := s.db.ExecContext(ctx, "UPDATE downloads SET status = ? WHERE id = ?", string(status), id)
		return wrapErr(err)
	}
}

// UpdatePriority persists a new priority for a Download.
func (s *Store) UpdatePriority(ctx context.Context, id int64, p domain.Priority) error {
	_, err := s.db.ExecContext(ctx, "UPDATE downloads SET priority = ? WHERE id = ?", int(p), id)
	return wrapErr(err)
}

// UpdateProgress updates the running byte counters and derived
// progress_fraction/current_speed_bps for a Download.
func (s *Store) UpdateProgress(ctx context.Context, id int64, downloadedBytes, totalBytes, speedBps int64, fraction float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET downloaded_bytes = ?, total_bytes = ?, current_speed_bps = ?, progress_fraction = ?
		WHERE id = ?`, downloadedBytes, totalBytes, speedBps, fraction, id)
	return wrapErr(err)
}

// UpdateError persists the terminal error message for a Download.
func (s *Store) UpdateError(ctx context.Context, id int64, msg string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE downloads SET error = ? WHERE id = ?", msg, id)
	return wrapErr(err)
}

// UpdateDirectUnpackState persists the DirectUnpack sidepath's state.
func (s *Store) UpdateDirectUnpackState(ctx context.Context, id int64, st domain.DirectUnpackState) error {
	_, err := s.db.ExecContext(ctx, "UPDATE downloads SET direct_unpack_state = ? WHERE id = ?", string(st), id)
	return wrapErr(err)
}

// IncrDirectUnpackExtracted bumps the count of files the DirectUnpack
// sidepath has streamed into the destination.
func (s *Store) IncrDirectUnpackExtracted(ctx context.Context, id int64, n int) error {
	_, err := s.db.ExecContext(ctx, "UPDATE downloads SET direct_unpack_extracted_cnt = direct_unpack_extracted_cnt + ? WHERE id = ?", n, id)
	return wrapErr(err)
}

// DeleteDownload removes a Download and (via ON DELETE CASCADE) its
// files, articles, and password cache entry.
func (s *Store) DeleteDownload(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM downloads WHERE id = ?", id)
	return wrapErr(err)
}

// FindBySourceHash looks up an existing Download by exact-content hash,
// the NzbHash duplicate-detection method.
func (s *Store) FindBySourceHash(ctx context.Context, hash string) (*domain.Download, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+downloadColumns+" FROM downloads WHERE source_hash = ? LIMIT 1", hash)
	d, err := scanDownload(row)
	if isNotFound(err) {
		return nil, nil
	}
	return d, err
}

// FindByDisplayName looks up an existing Download by display name, the
// NzbName duplicate-detection method.
func (s *Store) FindByDisplayName(ctx context.Context, name string) (*domain.Download, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+downloadColumns+" FROM downloads WHERE display_name = ? LIMIT 1", name)
	d, err := scanDownload(row)
	if isNotFound(err) {
		return nil, nil
	}
	return d, err
}

// FindByJobName looks up an existing Download by parsed job name, the
// JobName duplicate-detection method.
func (s *Store) FindByJobName(ctx context.Context, name string) (*domain.Download, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+downloadColumns+" FROM downloads WHERE parsed_job_name = ? LIMIT 1", name)
	d, err := scanDownload(row)
	if isNotFound(err) {
		return nil, nil
	}
	return d, err
}

func isNotFound(err error) bool {
	return errs.Is(err, errs.KindNotFound)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
