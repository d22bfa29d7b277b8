package driver

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/nzbcore/gonzbd/internal/domain"
	"github.com/nzbcore/gonzbd/internal/errs"
)

// reassembleFile concatenates a file's decoded segments, in segment
// order, into its final name inside the download temp directory. The
// segment directory is left in place; resume bookkeeping still points at
// it until the row cascade deletes everything.
func reassembleFile(tempDir string, f *domain.DownloadFile) error {
	name := f.ParsedFilename
	if name == "" {
		name = "file_" + strconv.Itoa(f.FileIndex)
	}
	return concatSegments(filepath.Join(tempDir, strconv.Itoa(f.FileIndex)), filepath.Join(tempDir, name))
}

// reassembleRemaining produces files for every file row that has not
// been reassembled yet, including partial ones whose missing segments
// failed. A file with zero segments on disk is skipped; the verify and
// repair stages will report it missing.
func (d *Driver) reassembleRemaining(ctx context.Context, downloadID int64, tempDir string) error {
	files, err := d.store.ListFiles(ctx, downloadID)
	if err != nil {
		return err
	}
	for _, f := range files {
		name := f.ParsedFilename
		if name == "" {
			name = "file_" + strconv.Itoa(f.FileIndex)
		}
		finalPath := filepath.Join(tempDir, name)
		if _, err := os.Stat(finalPath); err == nil {
			continue // already reassembled at completion time
		}
		if f.OriginalFilename != "" {
			// DirectRename moved it; the renamed file is the artifact.
			continue
		}
		segDir := filepath.Join(tempDir, strconv.Itoa(f.FileIndex))
		if _, err := os.Stat(segDir); err != nil {
			continue
		}
		if err := concatSegments(segDir, finalPath); err != nil {
			return err
		}
	}
	return nil
}

// concatSegments writes the ordered concatenation of segment_<n>.dat
// files under segDir to dst. Missing segment numbers are simply skipped;
// yEnc segments decode independently, so whatever arrived is preserved
// for the repair stage.
func concatSegments(segDir, dst string) error {
	entries, err := os.ReadDir(segDir)
	if err != nil {
		return errs.Wrap(errs.KindIo, err)
	}

	type seg struct {
		n    int
		path string
	}
	var segs []seg
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "segment_") || !strings.HasSuffix(name, ".dat") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "segment_"), ".dat"))
		if err != nil {
			continue
		}
		segs = append(segs, seg{n: n, path: filepath.Join(segDir, name)})
	}
	if len(segs) == 0 {
		return nil
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].n < segs[j].n })

	out, err := os.Create(dst)
	if err != nil {
		return errs.Wrap(errs.KindIo, err)
	}
	defer out.Close()

	for _, s := range segs {
		in, err := os.Open(s.path)
		if err != nil {
			return errs.Wrap(errs.KindIo, err)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return errs.Wrap(errs.KindIo, err)
		}
	}
	return out.Sync()
}
