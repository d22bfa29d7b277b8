// Package postprocess runs the ordered verify/repair/extract/move/clean
// stages against a completed download's temp directory. Each stage is
// optional per the download's post-process mode, emits its own events,
// and a stage built on an absent external tool downgrades to a skip
// instead of failing the pipeline.
package postprocess

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nzbcore/gonzbd/internal/config"
	"github.com/nzbcore/gonzbd/internal/domain"
	"github.com/nzbcore/gonzbd/internal/errs"
	"github.com/nzbcore/gonzbd/internal/events"
	"github.com/nzbcore/gonzbd/internal/extraction"
	"github.com/nzbcore/gonzbd/internal/logger"
	"github.com/nzbcore/gonzbd/internal/parity"
)

// Store is the subset of *store.Store the pipeline needs.
type Store interface {
	GetDownload(ctx context.Context, id int64) (*domain.Download, error)
	UpdateStatus(ctx context.Context, id int64, status domain.Status) error
	GetPassword(ctx context.Context, downloadID int64) (string, error)
}

// Pipeline wires the stages to their backends. One Pipeline serves every
// download; all per-download state lives on disk and in the store.
type Pipeline struct {
	store      Store
	parity     parity.Handler
	extractors *extraction.Manager
	bus        *events.Bus
	log        *logger.Logger

	downloadRoot string
	collision    domain.FileCollision
	cleanup      config.CleanupConfig
}

func New(store Store, par parity.Handler, extractors *extraction.Manager, bus *events.Bus, log *logger.Logger, downloadRoot string, collision domain.FileCollision, cleanup config.CleanupConfig) *Pipeline {
	return &Pipeline{
		store:        store,
		parity:       par,
		extractors:   extractors,
		bus:          bus,
		log:          log,
		downloadRoot: downloadRoot,
		collision:    collision,
		cleanup:      cleanup,
	}
}

// Run executes the stages in order and returns the final destination
// root. Errors carry the failing stage name; files already moved or
// partially moved are left in place.
func (p *Pipeline) Run(ctx context.Context, downloadID int64, tempDir string, mode domain.PostProcessMode, skipExtract bool) (string, error) {
	dl, err := p.store.GetDownload(ctx, downloadID)
	if err != nil {
		return "", err
	}

	verifyRes, err := p.runVerify(ctx, dl, tempDir, mode)
	if err != nil {
		return "", err
	}

	if err := p.runRepair(ctx, dl, tempDir, mode, verifyRes); err != nil {
		return "", err
	}

	if err := p.runExtract(ctx, dl, tempDir, mode, skipExtract); err != nil {
		return "", err
	}

	finalPath, err := p.runMove(ctx, dl, tempDir)
	if err != nil {
		return "", err
	}

	p.runClean(ctx, dl, finalPath)

	// The temp tree has served its purpose; segment directories and
	// leftovers go with it.
	if err := os.RemoveAll(tempDir); err != nil && p.log != nil {
		p.log.Warn("download %d: removing temp dir: %v", dl.ID, err)
	}

	return finalPath, nil
}

// runVerify returns nil when the stage was skipped or reported clean.
func (p *Pipeline) runVerify(ctx context.Context, dl *domain.Download, tempDir string, mode domain.PostProcessMode) (*parity.VerifyResult, error) {
	if !mode.AtLeastVerify() {
		return nil, nil
	}
	par2Path := mainPar2(tempDir)
	if par2Path == "" {
		return nil, nil
	}
	if !p.parity.Capabilities().CanVerify {
		if p.log != nil {
			p.log.Info("download %d: par2 verify unavailable (%s handler), assuming clean", dl.ID, p.parity.Name())
		}
		return nil, nil
	}

	_ = p.store.UpdateStatus(ctx, dl.ID, domain.StatusVerifying)
	p.publish(events.KindVerifying, dl.ID, nil)

	res, err := p.parity.Verify(ctx, par2Path)
	if err != nil {
		if errs.Is(err, errs.KindNotSupported) {
			return nil, nil // skip, assume clean
		}
		return nil, errs.WrapStage(errs.KindExternalTool, "Verify", err)
	}

	p.publish(events.KindVerifyComplete, dl.ID, events.Payload("damaged", !res.IsComplete))
	return res, nil
}

func (p *Pipeline) runRepair(ctx context.Context, dl *domain.Download, tempDir string, mode domain.PostProcessMode, verifyRes *parity.VerifyResult) error {
	if !mode.AtLeastRepair() || verifyRes == nil || verifyRes.IsComplete {
		return nil
	}
	if !verifyRes.Repairable || !p.parity.Capabilities().CanRepair {
		p.publish(events.KindRepairSkipped, dl.ID, events.Payload(
			"damaged_blocks", verifyRes.DamagedBlocks,
			"recovery_blocks_available", verifyRes.RecoveryBlocksAvailable))
		return nil
	}

	_ = p.store.UpdateStatus(ctx, dl.ID, domain.StatusRepairing)
	p.publish(events.KindRepairing, dl.ID, nil)

	res, err := p.parity.Repair(ctx, mainPar2(tempDir))
	if err != nil {
		if errs.Is(err, errs.KindNotSupported) {
			p.publish(events.KindRepairSkipped, dl.ID, nil)
			return nil
		}
		return errs.WrapStage(errs.KindExternalTool, "Repair", err)
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "par2 repair failed"
		}
		return errs.WrapStage(errs.KindExternalTool, "Repair", errors.New(msg))
	}

	p.publish(events.KindRepairComplete, dl.ID, events.Payload("repaired_files", res.RepairedFiles))
	return nil
}

func (p *Pipeline) runExtract(ctx context.Context, dl *domain.Download, tempDir string, mode domain.PostProcessMode, skipExtract bool) error {
	if !mode.AtLeastUnpack() || skipExtract {
		return nil
	}

	archives, err := p.findArchives(tempDir)
	if err != nil {
		return errs.WrapStage(errs.KindIo, "Extract", err)
	}
	if len(archives) == 0 {
		return nil
	}

	_ = p.store.UpdateStatus(ctx, dl.ID, domain.StatusExtracting)
	p.publish(events.KindExtracting, dl.ID, nil)

	password, err := p.store.GetPassword(ctx, dl.ID)
	if err != nil {
		return err
	}

	for _, a := range archives {
		lastPct := -1.0
		onProgress := func(pct float64, file string) {
			if pct-lastPct >= 5 || pct == 100 {
				lastPct = pct
				p.publish(events.KindExtracting, dl.ID, events.Payload("progress", pct, "file", file))
			}
		}
		if err := a.extractor.Extract(ctx, a.path, tempDir, password, onProgress); err != nil {
			return errs.WrapStage(errs.KindExternalTool, "Extract", err)
		}
	}

	p.publish(events.KindExtractComplete, dl.ID, events.Payload("archives", len(archives)))
	return nil
}

type archiveEntry struct {
	path      string
	extractor extraction.Extractor
}

// findArchives scans the temp directory's top level for archive entry
// points. Multi-volume RAR sets surface only through their lead volume
// (.rar or .part1.rar); a set whose lead volume is absent yields no entry.
func (p *Pipeline) findArchives(tempDir string) ([]archiveEntry, error) {
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []archiveEntry
	for _, name := range names {
		path := filepath.Join(tempDir, name)
		ext, err := p.extractors.For(path)
		if err != nil {
			return nil, err
		}
		if ext != nil {
			out = append(out, archiveEntry{path: path, extractor: ext})
		}
	}
	return out, nil
}

// runMove relocates the temp contents to
// <downloadRoot>/<category>/<display_name>/, preserving relative
// structure. Segment directories (numeric names) are engine-internal and
// stay behind. Partial moves are left as-is on failure.
func (p *Pipeline) runMove(ctx context.Context, dl *domain.Download, tempDir string) (string, error) {
	_ = p.store.UpdateStatus(ctx, dl.ID, domain.StatusMoving)
	p.publish(events.KindMoving, dl.ID, nil)

	dest := filepath.Join(p.downloadRoot, dl.Category, dl.DisplayName)
	if err := moveTree(tempDir, dest, p.collision); err != nil {
		return "", errs.WrapStage(errs.KindIo, "Move", err)
	}
	return dest, nil
}

// runClean deletes residue files and sample folders from the final
// destination. It never fails the pipeline; errors are logged and
// swallowed.
func (p *Pipeline) runClean(ctx context.Context, dl *domain.Download, finalPath string) {
	if !p.cleanup.Enabled {
		return
	}
	if !dl.PostProcessMode.AtLeastCleanup() {
		return
	}

	p.publish(events.KindCleaning, dl.ID, nil)

	if err := cleanResidue(finalPath, p.cleanup.DeleteSamples); err != nil && p.log != nil {
		p.log.Warn("download %d: cleanup: %v", dl.ID, err)
	}
}

func (p *Pipeline) publish(kind events.Kind, downloadID int64, payload map[string]any) {
	if p.bus != nil {
		p.bus.Publish(events.Event{Kind: kind, DownloadID: downloadID, Payload: payload})
	}
}

// mainPar2 picks the verification entry point: the shortest *.par2 name
// in the directory, which in practice is the index file rather than a
// volXX+YY recovery volume.
func mainPar2(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	best := ""
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".par2") {
			continue
		}
		if best == "" || len(e.Name()) < len(best) {
			best = e.Name()
		}
	}
	if best == "" {
		return ""
	}
	return filepath.Join(dir, best)
}
