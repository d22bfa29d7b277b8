package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	base := New(KindConflict, "already terminal")
	wrapped := fmt.Errorf("command failed: %w", base)

	if !Is(wrapped, KindConflict) {
		t.Error("Is failed to see the kind through fmt.Errorf wrapping")
	}
	if Is(wrapped, KindNotFound) {
		t.Error("Is matched the wrong kind")
	}
	if Is(errors.New("plain"), KindConflict) {
		t.Error("Is matched a plain error")
	}
}

func TestStageCarriedInMessage(t *testing.T) {
	err := WrapStage(KindIo, "Move", errors.New("disk full"))
	if err.Stage != "Move" {
		t.Errorf("Stage = %q", err.Stage)
	}
	if got := err.Error(); got != "Io[Move]: disk full" {
		t.Errorf("Error() = %q", got)
	}

	plain := New(KindDatabase, "locked")
	if got := plain.Error(); got != "Database: locked" {
		t.Errorf("Error() = %q", got)
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if Wrap(KindIo, nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if WrapStage(KindIo, "Verify", nil) != nil {
		t.Error("WrapStage(nil) should be nil")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(KindNntp, cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is failed to reach the cause")
	}
}
