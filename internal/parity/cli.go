package parity

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"

	"github.com/nzbcore/gonzbd/internal/errs"
)

// CLIHandler shells out to the par2 binary (par2cmdline or compatible).
type CLIHandler struct {
	binaryPath string
}

// NewCLIHandler looks for par2 in PATH, returning nil if it is absent so
// the caller can fall back to the no-op handler.
func NewCLIHandler() *CLIHandler {
	path, err := exec.LookPath("par2")
	if err != nil {
		return nil
	}
	return &CLIHandler{binaryPath: path}
}

// NewCLIHandlerAt wraps an explicitly configured binary path.
func NewCLIHandlerAt(path string) *CLIHandler {
	return &CLIHandler{binaryPath: path}
}

func (h *CLIHandler) Name() string { return "cli-par2" }

func (h *CLIHandler) Capabilities() Capabilities {
	return Capabilities{CanVerify: true, CanRepair: true}
}

// Verify runs `par2 v <file>` from the file's directory and parses the
// output. A non-zero exit is not itself an error: it usually just means
// damage was found, which the result reports.
func (h *CLIHandler) Verify(ctx context.Context, par2Path string) (*VerifyResult, error) {
	stdout, stderr, exitOK, err := h.run(ctx, "v", par2Path)
	if err != nil {
		return nil, err
	}
	return parseVerifyOutput(stdout, stderr, exitOK), nil
}

// Repair runs `par2 r <file>`. Success is taken from the exit code.
func (h *CLIHandler) Repair(ctx context.Context, par2Path string) (*RepairResult, error) {
	stdout, stderr, exitOK, err := h.run(ctx, "r", par2Path)
	if err != nil {
		return nil, err
	}
	return parseRepairOutput(stdout, stderr, exitOK), nil
}

func (h *CLIHandler) run(ctx context.Context, verb, par2Path string) (stdout, stderr string, exitOK bool, err error) {
	cmd := exec.CommandContext(ctx, h.binaryPath, verb, filepath.Base(par2Path))
	cmd.Dir = filepath.Dir(par2Path)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	if runErr != nil {
		if _, isExit := runErr.(*exec.ExitError); !isExit {
			return "", "", false, errs.Wrap(errs.KindExternalTool, runErr)
		}
	}
	return outBuf.String(), errBuf.String(), runErr == nil, nil
}
