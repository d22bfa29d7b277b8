package extraction

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nwaples/rardecode/v2"
)

// RAR file signatures (magic bytes)
var rarSignatures = [][]byte{
	{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00},       // RAR 1.5+
	{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x01, 0x00}, // RAR 5.0+
}

var rePartVolume = regexp.MustCompile(`(?i)\.part(\d+)\.rar$`)
var reRVolume = regexp.MustCompile(`(?i)\.r(\d+)$`)

// IsLeadRarVolume reports whether name is the volume extraction should
// start from: .part01.rar/.part001.rar/.part1.rar for new-style sets, or
// a bare .rar for old-style (.rar/.r00/.r01...) and single-file archives.
func IsLeadRarVolume(name string) bool {
	lower := strings.ToLower(filepath.Base(name))
	if m := rePartVolume.FindStringSubmatch(lower); m != nil {
		n := strings.TrimLeft(m[1], "0")
		return n == "1" || n == ""
	}
	return strings.HasSuffix(lower, ".rar")
}

// IsRarVolume reports whether name looks like any member of a RAR
// volume set (.rar, .partNN.rar, or .rNN continuation).
func IsRarVolume(name string) bool {
	lower := strings.ToLower(filepath.Base(name))
	return strings.HasSuffix(lower, ".rar") || reRVolume.MatchString(lower)
}

// VolumeIndex returns the position of name within its multi-volume set:
// part numbers are 1-based, .rNN continuations follow the lead .rar at
// index 1. Non-volume names return 1.
func VolumeIndex(name string) int {
	lower := strings.ToLower(filepath.Base(name))
	if m := rePartVolume.FindStringSubmatch(lower); m != nil {
		n := 0
		fmt.Sscanf(m[1], "%d", &n)
		return n
	}
	if m := reRVolume.FindStringSubmatch(lower); m != nil {
		n := 0
		fmt.Sscanf(m[1], "%d", &n)
		return n + 2 // .r00 comes right after the lead .rar
	}
	return 1
}

// CLIUnrar extracts via the system's unrar binary.
type CLIUnrar struct {
	BinaryPath string
}

// NewCLIUnrar returns nil if the unrar binary is not in PATH.
func NewCLIUnrar() *CLIUnrar {
	path, err := exec.LookPath("unrar")
	if err != nil {
		return nil
	}
	return &CLIUnrar{BinaryPath: path}
}

func (u *CLIUnrar) Name() string { return "RAR" }

// CanExtract checks the extension, restricts multi-part sets to their
// first part, and verifies the RAR magic bytes.
func (u *CLIUnrar) CanExtract(filePath string) (bool, error) {
	lower := strings.ToLower(filepath.Base(filePath))
	if !strings.HasSuffix(lower, ".rar") {
		return false, nil
	}
	if !IsLeadRarVolume(lower) {
		return false, nil
	}
	return hasSignature(filePath, rarSignatures)
}

// Extract runs unrar with progress parsed from its stdout.
//
//	x   = extract with full paths
//	-o+ = overwrite existing files
//	-y  = assume yes on all queries (non-interactive)
//	-kb = keep broken extracted files
func (u *CLIUnrar) Extract(ctx context.Context, archivePath, destDir, password string, onProgress ProgressFunc) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	args := []string{"x", "-o+", "-y", "-kb"}
	if password != "" {
		args = append(args, "-p"+password)
	} else {
		args = append(args, "-p-")
	}
	args = append(args, archivePath, destDir+string(filepath.Separator))

	cmd := exec.CommandContext(ctx, u.BinaryPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return err
	}

	buf := make([]byte, 4096)
	var line strings.Builder
	for {
		n, rerr := stdout.Read(buf)
		for _, b := range buf[:n] {
			if b == '\n' || b == '\r' {
				if pct, file := parseUnrarLine(line.String()); pct >= 0 && onProgress != nil {
					onProgress(pct, file)
				}
				line.Reset()
				continue
			}
			line.WriteByte(b)
		}
		if rerr != nil {
			break
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("unrar failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// parseUnrarLine pulls (pct, filename) out of an unrar progress line,
// returning pct = -1 for non-progress lines.
func parseUnrarLine(line string) (float64, string) {
	t := strings.TrimSpace(line)
	if !strings.HasPrefix(t, "Extracting") && !strings.HasPrefix(t, "...") {
		return -1, ""
	}
	fields := strings.Fields(t)
	if len(fields) < 2 {
		return -1, ""
	}
	last := fields[len(fields)-1]
	if !strings.HasSuffix(last, "%") {
		return -1, ""
	}
	var pct float64
	if _, err := fmt.Sscanf(strings.TrimSuffix(last, "%"), "%f", &pct); err != nil {
		return -1, ""
	}
	if len(fields) >= 3 {
		return pct, filepath.Base(strings.Join(fields[1:len(fields)-1], " "))
	}
	return pct, ""
}

// GoRar is the pure-Go fallback built on rardecode/v2. Slower than
// unrar on large RAR5 sets but needs no binary, and it follows
// multi-volume sets from the lead volume on its own.
type GoRar struct{}

func NewGoRar() *GoRar { return &GoRar{} }

func (g *GoRar) Name() string { return "RAR (pure Go)" }

func (g *GoRar) CanExtract(filePath string) (bool, error) {
	lower := strings.ToLower(filepath.Base(filePath))
	if !strings.HasSuffix(lower, ".rar") || !IsLeadRarVolume(lower) {
		return false, nil
	}
	return hasSignature(filePath, rarSignatures)
}

func (g *GoRar) Extract(ctx context.Context, archivePath, destDir, password string, onProgress ProgressFunc) error {
	var opts []rardecode.Option
	if password != "" {
		opts = append(opts, rardecode.Password(password))
	}
	r, err := rardecode.OpenReader(archivePath, opts...)
	if err != nil {
		return fmt.Errorf("open rar: %w", err)
	}
	defer r.Close()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		header, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading rar entry: %w", err)
		}

		destPath := filepath.Join(destDir, header.Name)
		if header.IsDir {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return err
		}

		f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("create %s: %w", destPath, err)
		}

		var dest io.Writer = f
		if onProgress != nil && header.UnPackedSize > 0 {
			dest = &countingWriter{
				w:     f,
				total: header.UnPackedSize,
				onPct: func(pct float64) { onProgress(pct, filepath.Base(header.Name)) },
			}
		}
		_, copyErr := io.Copy(dest, r)
		f.Close()
		if copyErr != nil {
			return fmt.Errorf("write %s: %w", destPath, copyErr)
		}
		if onProgress != nil {
			onProgress(100, filepath.Base(header.Name))
		}
	}
}

// countingWriter calls onPct each time the written percentage advances.
type countingWriter struct {
	w       io.Writer
	total   int64
	written int64
	lastPct int64
	onPct   func(float64)
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 && cw.total > 0 && cw.onPct != nil {
		cw.written += int64(n)
		pct := cw.written * 100 / cw.total
		if pct > 100 {
			pct = 100
		}
		if pct != cw.lastPct {
			cw.lastPct = pct
			cw.onPct(float64(pct))
		}
	}
	return n, err
}

// hasSignature checks the file's leading bytes against known magics.
func hasSignature(filePath string, signatures [][]byte) (bool, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return false, err
	}
	defer file.Close()

	header := make([]byte, 8)
	n, err := file.Read(header)
	if err != nil && err != io.EOF {
		return false, err
	}

	for _, sig := range signatures {
		if n >= len(sig) && bytes.Equal(header[:len(sig)], sig) {
			return true, nil
		}
	}
	return false, nil
}
