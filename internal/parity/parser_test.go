package parity

import (
	"context"
	"testing"

	"github.com/nzbcore/gonzbd/internal/errs"
)

func TestParseVerifyAllCorrect(t *testing.T) {
	res := parseVerifyOutput("All files are correct, repair is not needed.\n", "", true)

	if !res.IsComplete {
		t.Error("clean verify not reported complete")
	}
	if res.DamagedBlocks != 0 || res.Repairable {
		t.Errorf("res = %+v", res)
	}
}

func TestParseVerifyWithDamage(t *testing.T) {
	out := "5 blocks damaged\n10 blocks available for recovery\nDamaged: file1.bin\n"
	res := parseVerifyOutput(out, "", false)

	if res.IsComplete {
		t.Error("damaged verify reported complete")
	}
	if res.DamagedBlocks != 5 {
		t.Errorf("DamagedBlocks = %d", res.DamagedBlocks)
	}
	if res.RecoveryBlocksAvailable != 10 {
		t.Errorf("RecoveryBlocksAvailable = %d", res.RecoveryBlocksAvailable)
	}
	if !res.Repairable {
		t.Error("damage plus recovery blocks should be repairable")
	}
	if len(res.DamagedFiles) != 1 || res.DamagedFiles[0] != "file1.bin" {
		t.Errorf("DamagedFiles = %v", res.DamagedFiles)
	}
}

func TestParseVerifyPar2cmdlinePhrasing(t *testing.T) {
	out := `Target: "file.tar" - damaged. Found 1999 of 2000 data blocks.
You have 577 recovery blocks available.
Repair is possible.
`
	res := parseVerifyOutput(out, "", false)

	if res.IsComplete {
		t.Error("reported complete")
	}
	if res.DamagedBlocks != 2000 {
		t.Errorf("DamagedBlocks = %d, want the count extracted across intervening words", res.DamagedBlocks)
	}
	if res.RecoveryBlocksAvailable != 577 {
		t.Errorf("RecoveryBlocksAvailable = %d", res.RecoveryBlocksAvailable)
	}
	if !res.Repairable {
		t.Error("not repairable")
	}
	if len(res.DamagedFiles) != 1 || res.DamagedFiles[0] != "file.tar" {
		t.Errorf("DamagedFiles = %v", res.DamagedFiles)
	}
}

func TestParseVerifyMissingFile(t *testing.T) {
	out := `Target: "file.tar" - missing.
You have 50 recovery blocks available.
`
	res := parseVerifyOutput(out, "", false)

	if res.IsComplete {
		t.Error("missing file reported complete")
	}
	if len(res.MissingFiles) != 1 || res.MissingFiles[0] != "file.tar" {
		t.Errorf("MissingFiles = %v", res.MissingFiles)
	}
	if !res.Repairable {
		t.Error("missing file with recovery blocks should be repairable")
	}
}

func TestParseVerifyEmptyFailure(t *testing.T) {
	res := parseVerifyOutput("", "", false)
	if res.IsComplete {
		t.Error("empty output with failure exit reported complete")
	}
	if res.Repairable {
		t.Error("cannot be repairable with no info")
	}
}

func TestParseVerifyGarbageWithSuccessExit(t *testing.T) {
	res := parseVerifyOutput("ZZZ not par2 output ///", "", true)
	if !res.IsComplete {
		t.Error("success exit with no damage indicators should report complete")
	}
}

func TestParseRepairExitCodeIsSourceOfTruth(t *testing.T) {
	// Exit 0 but output claims failure: success follows the exit code,
	// filenames are still harvested.
	res := parseRepairOutput("Could not repair: \"corrupted.bin\"\nREPAIR FAILED\n", "", true)
	if !res.Success {
		t.Error("success must follow the exit code")
	}
	if len(res.FailedFiles) != 1 || res.FailedFiles[0] != "corrupted.bin" {
		t.Errorf("FailedFiles = %v", res.FailedFiles)
	}

	// Exit != 0 but output mentions repaired files: still a failure.
	res = parseRepairOutput("Repaired: \"fixed.bin\"\n", "Error: partial repair\n", false)
	if res.Success {
		t.Error("failure exit code overridden by output text")
	}
	if len(res.RepairedFiles) != 1 || res.RepairedFiles[0] != "fixed.bin" {
		t.Errorf("RepairedFiles = %v", res.RepairedFiles)
	}
	if res.Error == "" {
		t.Error("error message not captured")
	}
}

func TestParseRepairSuccess(t *testing.T) {
	res := parseRepairOutput("Repaired: file1.bin\nRepaired: file2.bin\nRepair complete\n", "", true)
	if !res.Success {
		t.Error("not reported successful")
	}
	if len(res.RepairedFiles) != 2 {
		t.Errorf("RepairedFiles = %v", res.RepairedFiles)
	}
}

func TestParseRepairFailureUsesStderr(t *testing.T) {
	res := parseRepairOutput("", "Not enough recovery blocks\n", false)
	if res.Success {
		t.Error("reported success")
	}
	if res.Error == "" {
		t.Error("stderr not used as the error message")
	}
}

func TestNumberBeforeBlocks(t *testing.T) {
	cases := []struct {
		line string
		want int
		ok   bool
	}{
		{"5 blocks damaged", 5, true},
		{"10 block available", 10, true},
		{"damaged blocks", 0, false},
		{"found 1999 of 2000 data blocks", 2000, true},
		{"you have 577 recovery blocks available", 577, true},
	}
	for _, tc := range cases {
		got, ok := numberBeforeBlocks(tc.line)
		if got != tc.want || ok != tc.ok {
			t.Errorf("numberBeforeBlocks(%q) = (%d, %v), want (%d, %v)", tc.line, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNoopHandlerReportsNotSupported(t *testing.T) {
	h := NoopHandler{}

	caps := h.Capabilities()
	if caps.CanVerify || caps.CanRepair {
		t.Errorf("caps = %+v", caps)
	}

	if _, err := h.Verify(context.Background(), "x.par2"); !errs.Is(err, errs.KindNotSupported) {
		t.Errorf("Verify err = %v, want NotSupported", err)
	}
	if _, err := h.Repair(context.Background(), "x.par2"); !errs.Is(err, errs.KindNotSupported) {
		t.Errorf("Repair err = %v, want NotSupported", err)
	}
}
