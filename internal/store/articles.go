package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/nzbcore/gonzbd/internal/domain"
)

// BatchInsertArticles inserts the parsed segment manifest for a download
// in one transaction, in chunks of articleInsertChunk rows; each chunk
// prepares a single-row INSERT and executes it once per article.
func (s *Store) BatchInsertArticles(ctx context.Context, downloadID int64, articles []domain.Article) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(articles); start += articleInsertChunk {
			end := start + articleInsertChunk
			if end > len(articles) {
				end = len(articles)
			}
			if err := insertArticleChunk(ctx, tx, downloadID, articles[start:end]); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertArticleChunk(ctx context.Context, tx *sql.Tx, downloadID int64, chunk []domain.Article) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO download_articles (
			download_id, message_id, segment_number, file_index, size_bytes, status
		) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return wrapErr(err)
	}
	defer stmt.Close()

	for _, a := range chunk {
		if _, err := stmt.ExecContext(ctx,
			downloadID, a.MessageID, a.SegmentNumber, a.FileIndex, a.SizeBytes, int(a.Status),
		); err != nil {
			return wrapErr(err)
		}
	}
	return nil
}

// BatchUpdateArticleStatus transitions every listed article id to status
// in one statement, stamping downloaded_at when the new status is
// ArticleStatusDownloaded.
func (s *Store) BatchUpdateArticleStatus(ctx context.Context, ids []int64, status domain.ArticleStatus) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := inClause(int64sToAny(ids))

	var query string
	if status == domain.ArticleStatusDownloaded {
		args = append([]any{int(status), time.Now()}, args...)
		query = "UPDATE download_articles SET status = ?, downloaded_at = ? WHERE id IN (" + placeholders + ")"
	} else {
		args = append([]any{int(status)}, args...)
		query = "UPDATE download_articles SET status = ? WHERE id IN (" + placeholders + ")"
	}

	_, err := s.db.ExecContext(ctx, query, args...)
	return wrapErr(err)
}

func int64sToAny(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func scanArticle(row interface{ Scan(dest ...any) error }) (*domain.Article, error) {
	var a domain.Article
	var status int
	var downloadedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.DownloadID, &a.MessageID, &a.SegmentNumber, &a.FileIndex, &a.SizeBytes, &status, &downloadedAt); err != nil {
		return nil, wrapErr(err)
	}
	a.Status = domain.ArticleStatus(status)
	if downloadedAt.Valid {
		t := downloadedAt.Time
		a.DownloadedAt = &t
	}
	return &a, nil
}

const articleColumns = `id, download_id, message_id, segment_number, file_index, size_bytes, status, downloaded_at`

// GetPendingArticles returns every article still ArticleStatusPending for
// a download, ordered by (file_index, segment_number) so the driver's
// fan-out reconstructs files in order.
func (s *Store) GetPendingArticles(ctx context.Context, downloadID int64) ([]*domain.Article, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+articleColumns+" FROM download_articles WHERE download_id = ? AND status = ? ORDER BY file_index ASC, segment_number ASC",
		downloadID, int(domain.ArticleStatusPending))
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*domain.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, wrapErr(rows.Err())
}

// CountArticlesByStatus tallies articles for a download grouped by
// status, the input to the driver's failure-ratio threshold check.
func (s *Store) CountArticlesByStatus(ctx context.Context, downloadID int64) (map[domain.ArticleStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM download_articles WHERE download_id = ? GROUP BY status", downloadID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	out := make(map[domain.ArticleStatus]int)
	for rows.Next() {
		var status, count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, wrapErr(err)
		}
		out[domain.ArticleStatus(status)] = count
	}
	return out, wrapErr(rows.Err())
}
