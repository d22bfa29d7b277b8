package postprocess

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nzbcore/gonzbd/internal/domain"
)

// residueExtensions are the file types the Clean stage deletes from the
// destination, matched case-insensitively.
var residueExtensions = map[string]struct{}{
	".par2": {}, ".nzb": {}, ".sfv": {}, ".srr": {},
	".nfo": {}, ".rar": {}, ".zip": {}, ".7z": {},
}

// moveTree relocates everything under src into dst, preserving relative
// structure. Top-level directories whose names are plain integers hold
// raw segment files and are skipped. Collisions resolve per policy; Skip fails the
// move, and a failed move leaves whatever already landed in place.
func moveTree(src, dst string, collision domain.FileCollision) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}

	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		if info.IsDir() {
			if isSegmentDir(rel) {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}

		target, err := resolveCollision(filepath.Join(dst, rel), collision)
		if err != nil {
			return err
		}
		return moveFile(path, target)
	})
}

// isSegmentDir reports whether the top-level path component is one of the
// numeric per-file segment directories.
func isSegmentDir(rel string) bool {
	first := rel
	if i := strings.IndexByte(rel, filepath.Separator); i >= 0 {
		first = rel[:i]
	}
	_, err := strconv.Atoi(first)
	return err == nil
}

// resolveCollision applies the configured policy when target exists.
func resolveCollision(target string, collision domain.FileCollision) (string, error) {
	if _, err := os.Stat(target); os.IsNotExist(err) {
		return target, nil
	}

	switch collision {
	case domain.CollisionOverwrite:
		return target, nil
	case domain.CollisionSkip:
		return "", fmt.Errorf("destination %s already exists", target)
	default: // Rename
		ext := filepath.Ext(target)
		stem := strings.TrimSuffix(target, ext)
		for i := 1; ; i++ {
			candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
			if _, err := os.Stat(candidate); os.IsNotExist(err) {
				return candidate, nil
			}
		}
	}
}

// moveFile moves a file, falling back to a cross-device copy if the
// rename fails.
func moveFile(source, dest string) error {
	if err := os.Rename(source, dest); err == nil {
		return nil
	}
	return moveCrossDevice(source, dest)
}

// moveCrossDevice copies through a hidden sibling and renames it into
// place, so a torn copy never shows up under the destination name. The
// source is removed only after the copy succeeds.
func moveCrossDevice(sourcePath, destPath string) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer src.Close()

	tempDest := filepath.Join(filepath.Dir(destPath), "."+filepath.Base(destPath)+".tmp")

	dst, err := os.Create(tempDest)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tempDest)
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tempDest)
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tempDest)
		return err
	}

	if err := os.Rename(tempDest, destPath); err != nil {
		os.Remove(tempDest)
		return err
	}

	return os.Remove(sourcePath)
}

// cleanResidue deletes residue-extension files under root and, when
// deleteSamples is set, folders named sample/samples. The first error
// encountered is returned for logging, but deletion keeps going.
func cleanResidue(root string, deleteSamples bool) error {
	var firstErr error

	var sampleDirs []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // keep walking whatever remains
		}
		name := strings.ToLower(info.Name())

		if info.IsDir() {
			if deleteSamples && (name == "sample" || name == "samples") {
				sampleDirs = append(sampleDirs, path)
				return filepath.SkipDir
			}
			return nil
		}

		if _, hit := residueExtensions[filepath.Ext(name)]; hit {
			if rmErr := os.Remove(path); rmErr != nil && firstErr == nil {
				firstErr = rmErr
			}
		}
		return nil
	})
	if err != nil && firstErr == nil {
		firstErr = err
	}

	for _, dir := range sampleDirs {
		if rmErr := os.RemoveAll(dir); rmErr != nil && firstErr == nil {
			firstErr = rmErr
		}
	}
	return firstErr
}
