package extraction

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ZIP file signatures (magic bytes)
var zipSignatures = [][]byte{
	{0x50, 0x4B, 0x03, 0x04}, // Standard ZIP
	{0x50, 0x4B, 0x05, 0x06}, // Empty ZIP
	{0x50, 0x4B, 0x07, 0x08}, // Spanned ZIP
}

// CLIUnzip extracts via the system's unzip binary.
type CLIUnzip struct {
	BinaryPath string
}

// NewCLIUnzip returns nil if the unzip binary is not in PATH.
func NewCLIUnzip() *CLIUnzip {
	path, err := exec.LookPath("unzip")
	if err != nil {
		return nil
	}
	return &CLIUnzip{BinaryPath: path}
}

func (u *CLIUnzip) Name() string { return "ZIP" }

func (u *CLIUnzip) CanExtract(filePath string) (bool, error) {
	lower := strings.ToLower(filepath.Base(filePath))
	if !strings.HasSuffix(lower, ".zip") {
		return false, nil
	}
	return hasSignature(filePath, zipSignatures)
}

// Extract runs: unzip -o -q <archive> -d <destination>
func (u *CLIUnzip) Extract(ctx context.Context, archivePath, destDir, password string, onProgress ProgressFunc) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	args := []string{"-o", "-q"}
	if password != "" {
		args = append(args, "-P", password)
	}
	args = append(args, archivePath, "-d", destDir)

	cmd := exec.CommandContext(ctx, u.BinaryPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("unzip failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	if onProgress != nil {
		onProgress(100, filepath.Base(archivePath))
	}
	return nil
}
