package parity

import (
	"strconv"
	"strings"
)

// parseVerifyOutput turns par2's verify stdout+stderr into a
// VerifyResult. The grammar is deliberately liberal: par2cmdline and its
// forks phrase damage several ways ("5 blocks damaged", "Found 1999 of
// 2000 data blocks", `Target: "x" - damaged.`), and block counts may
// have words between the number and "blocks".
func parseVerifyOutput(stdout, stderr string, exitOK bool) *VerifyResult {
	combined := stdout + "\n" + stderr

	res := &VerifyResult{}

	for _, line := range strings.Split(combined, "\n") {
		lower := strings.ToLower(line)

		if strings.Contains(lower, "damaged") || strings.Contains(lower, "missing") {
			if n, ok := numberBeforeBlocks(lower); ok && n > res.DamagedBlocks {
				res.DamagedBlocks = n
			}
		}

		if strings.Contains(lower, "recovery") && strings.Contains(lower, "block") {
			if n, ok := numberBeforeBlocks(lower); ok && n > res.RecoveryBlocksAvailable {
				res.RecoveryBlocksAvailable = n
			}
		}

		if strings.Contains(lower, "damaged:") || strings.Contains(lower, "corrupt:") {
			if name := afterColon(line); name != "" {
				res.DamagedFiles = appendUnique(res.DamagedFiles, name)
			}
		}
		if strings.Contains(lower, "missing:") {
			if name := afterColon(line); name != "" {
				res.MissingFiles = appendUnique(res.MissingFiles, name)
			}
		}

		// par2cmdline phrasing: Target: "name" - damaged. / - missing.
		if strings.Contains(lower, "- missing") {
			if name := filenameFromLine(line); name != "" {
				res.MissingFiles = appendUnique(res.MissingFiles, name)
			}
		}
		if strings.Contains(lower, "- damaged") {
			if name := filenameFromLine(line); name != "" {
				res.DamagedFiles = appendUnique(res.DamagedFiles, name)
			}
		}
	}

	res.IsComplete = exitOK && res.DamagedBlocks == 0 && len(res.MissingFiles) == 0
	res.Repairable = (res.DamagedBlocks > 0 || len(res.MissingFiles) > 0) && res.RecoveryBlocksAvailable > 0
	return res
}

// parseRepairOutput turns par2's repair output into a RepairResult. The
// exit code is the source of truth for Success; filenames are still
// harvested from the text either way.
func parseRepairOutput(stdout, stderr string, exitOK bool) *RepairResult {
	combined := stdout + "\n" + stderr

	res := &RepairResult{Success: exitOK}

	for _, line := range strings.Split(combined, "\n") {
		lower := strings.ToLower(line)

		if strings.Contains(lower, "repaired") || strings.Contains(lower, "restored") {
			if name := filenameFromLine(line); name != "" {
				res.RepairedFiles = appendUnique(res.RepairedFiles, name)
			}
		}
		if strings.Contains(lower, "failed") || strings.Contains(lower, "could not repair") {
			if name := filenameFromLine(line); name != "" {
				res.FailedFiles = appendUnique(res.FailedFiles, name)
			}
		}
		if res.Error == "" && strings.Contains(lower, "error") {
			res.Error = strings.TrimSpace(line)
		}
	}

	if !exitOK && res.Error == "" && strings.TrimSpace(stderr) != "" {
		res.Error = strings.TrimSpace(stderr)
	}
	return res
}

// numberBeforeBlocks finds the nearest number preceding a word starting
// with "block", handling intervening words ("577 recovery blocks").
func numberBeforeBlocks(line string) (int, bool) {
	words := strings.Fields(line)
	for i, w := range words {
		if !strings.HasPrefix(w, "block") {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			if n, err := strconv.Atoi(words[j]); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// filenameFromLine extracts a quoted filename, falling back to whatever
// follows the first colon.
func filenameFromLine(line string) string {
	if start := strings.Index(line, `"`); start >= 0 {
		if end := strings.Index(line[start+1:], `"`); end >= 0 {
			return line[start+1 : start+1+end]
		}
	}
	return afterColon(line)
}

func afterColon(line string) string {
	if _, rest, ok := strings.Cut(line, ":"); ok {
		return strings.TrimSpace(rest)
	}
	return ""
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
