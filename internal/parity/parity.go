// Package parity wraps PAR2 verify/repair behind a capability-probing
// handler so the post-processing pipeline can downgrade to "skip" when
// no tool is installed.
package parity

import "context"

// VerifyResult describes the outcome of a PAR2 verify pass.
type VerifyResult struct {
	IsComplete              bool
	DamagedBlocks           int
	RecoveryBlocksAvailable int
	Repairable              bool
	DamagedFiles            []string
	MissingFiles            []string
}

// RepairResult describes the outcome of a PAR2 repair pass. Success
// follows the tool's exit code; the file lists are best-effort parses of
// its output text.
type RepairResult struct {
	Success       bool
	RepairedFiles []string
	FailedFiles   []string
	Error         string
}

// Capabilities reports what a handler can actually do.
type Capabilities struct {
	CanVerify bool
	CanRepair bool
}

// Handler is the verify/repair contract. Implementations either shell
// out to an external binary or report NotSupported across the board.
type Handler interface {
	Verify(ctx context.Context, par2Path string) (*VerifyResult, error)
	Repair(ctx context.Context, par2Path string) (*RepairResult, error)
	Capabilities() Capabilities
	Name() string
}
