package parity

import (
	"context"

	"github.com/nzbcore/gonzbd/internal/errs"
)

// NoopHandler is used when no par2 binary is available. Every operation
// reports NotSupported; the pipeline treats that as "skip the stage,
// assume clean" rather than a failure.
type NoopHandler struct{}

func (NoopHandler) Name() string { return "noop" }

func (NoopHandler) Capabilities() Capabilities {
	return Capabilities{}
}

func (NoopHandler) Verify(context.Context, string) (*VerifyResult, error) {
	return nil, errs.New(errs.KindNotSupported, "par2 verification requires the external par2 binary")
}

func (NoopHandler) Repair(context.Context, string) (*RepairResult, error) {
	return nil, errs.New(errs.KindNotSupported, "par2 repair requires the external par2 binary")
}

// Discover picks the process-wide handler once at startup: the CLI
// adapter when par2 is in PATH, else the no-op.
func Discover() Handler {
	if h := NewCLIHandler(); h != nil {
		return h
	}
	return NoopHandler{}
}
