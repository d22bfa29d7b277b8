// Package store is the persistence layer: durable CRUD for
// downloads/files/articles plus the small supporting tables (passwords,
// processed sources, runtime state, history), backed by SQLite with
// embedded migrations, and a filesystem blob directory for raw NZB bytes.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/spf13/afero"
	_ "modernc.org/sqlite"

	"github.com/nzbcore/gonzbd/internal/errs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// articleInsertChunk is the number of article rows inserted through one
// prepared statement. Each execution binds a single row's six columns,
// far below SQLite's 999 bind-variable ceiling; 166 six-column rows (996
// values) is also the most one multi-row INSERT could carry under it.
const articleInsertChunk = 166

// Store wraps the database handle and the blob directory used for raw
// NZB byte storage — the bytes whose SHA-256 is Download.source_hash.
type Store struct {
	db      *sql.DB
	fs      afero.Fs
	blobDir string
}

// Open opens (or creates) the SQLite database at dbPath, runs pending
// migrations, and ensures blobDir exists on the real filesystem.
func Open(dbPath, blobDir string) (*Store, error) {
	return OpenWith(dbPath, blobDir, afero.NewOsFs())
}

// OpenWith is Open with the blob filesystem injected, e.g.
// afero.NewMemMapFs to keep blobs off disk. The database at dbPath is
// always opened through SQLite.
func OpenWith(dbPath, blobDir string, fs afero.Fs) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Wrap(errs.KindIo, err)
		}
	}
	if err := fs.MkdirAll(blobDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIo, err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.KindDatabase, err)
	}
	if err := db.Ping(); err != nil {
		return nil, errs.Wrap(errs.KindDatabase, err)
	}

	s := &Store{db: db, fs: fs, blobDir: blobDir}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindDatabase, err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	d, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", d, "sqlite", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Close releases the database handle. Store operations after Close
// surface as Database errors, never panics — database/sql returns
// sql.ErrConnDone from a closed *sql.DB, which wrapErr turns into
// errs.KindDatabase.
func (s *Store) Close() error {
	return s.db.Close()
}

// BlobPath returns the path the raw NZB bytes for a download are (or
// will be) stored at.
func (s *Store) BlobPath(downloadID int64) string {
	return filepath.Join(s.blobDir, fmt.Sprintf("%d.nzb", downloadID))
}

// SaveBlob persists the raw NZB bytes alongside the database row.
func (s *Store) SaveBlob(downloadID int64, data []byte) error {
	if err := afero.WriteFile(s.fs, s.BlobPath(downloadID), data, 0o644); err != nil {
		return errs.Wrap(errs.KindIo, err)
	}
	return nil
}

// OpenBlob returns a reader for the previously-saved raw NZB bytes.
func (s *Store) OpenBlob(downloadID int64) (afero.File, error) {
	f, err := s.fs.Open(s.BlobPath(downloadID))
	if err != nil {
		return nil, errs.Wrap(errs.KindIo, err)
	}
	return f, nil
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return errs.New(errs.KindNotFound, "not found")
	}
	return errs.Wrap(errs.KindDatabase, err)
}

// inClause builds a "?,?,?"-style placeholder list for a variadic IN(...)
// query alongside the matching argument slice.
func inClause(vals []any) (string, []any) {
	ph := make([]string, len(vals))
	for i := range vals {
		ph[i] = "?"
	}
	return strings.Join(ph, ","), vals
}

// withTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr(err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapErr(err)
	}
	return nil
}
