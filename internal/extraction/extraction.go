// Package extraction provides archive extraction backends. CLI tools
// (unrar, unzip, 7z) are preferred when installed; a pure-Go RAR decoder
// backs them up so RAR extraction works on a bare host.
package extraction

import "context"

// ProgressFunc receives extraction progress as a 0-100 percentage plus
// the entry currently being written.
type ProgressFunc func(pct float64, file string)

// Extractor is the behavior contract for one archive format backend.
type Extractor interface {
	// Extract unpacks the archive at archivePath into destDir.
	Extract(ctx context.Context, archivePath, destDir, password string, onProgress ProgressFunc) error

	// CanExtract checks whether this extractor handles the given file.
	// Multi-volume sets only match on their lead volume.
	CanExtract(filePath string) (bool, error)

	// Name is the human-readable backend name (e.g. "RAR", "ZIP").
	Name() string
}
