// Package directunpack is the streaming sidepath that runs while a
// download is still in flight: DirectRename fixes obfuscated filenames
// using the 16 KiB MD5 map embedded in completed PAR2 files, and
// DirectUnpack starts extracting a multi-volume archive as soon as a
// contiguous prefix of its volumes is on disk.
package directunpack

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nzbcore/gonzbd/internal/domain"
	"github.com/nzbcore/gonzbd/internal/events"
	"github.com/nzbcore/gonzbd/internal/extraction"
	"github.com/nzbcore/gonzbd/internal/logger"
	"github.com/nzbcore/gonzbd/internal/par2meta"
)

// Store is the subset of *store.Store the sidepath needs.
type Store interface {
	RenameFile(ctx context.Context, downloadID int64, fileIndex int, newName string) error
	UpdateDirectUnpackState(ctx context.Context, id int64, st domain.DirectUnpackState) error
	IncrDirectUnpackExtracted(ctx context.Context, id int64, n int) error
	GetPassword(ctx context.Context, downloadID int64) (string, error)
}

// Manager tracks per-download sidepath state and implements the driver's
// Sidepath hook.
type Manager struct {
	store      Store
	extractors *extraction.Manager
	bus        *events.Bus
	log        *logger.Logger

	mu     sync.Mutex
	states map[int64]*state
}

// state is one download's in-memory sidepath bookkeeping. The rename map
// accumulates across PAR2 files; completed tracks each finished file's
// current on-disk name by file index.
type state struct {
	mu        sync.Mutex
	renameMap map[par2meta.Hash16k]string
	completed map[int]string

	spawned        bool
	retried        bool
	failed         bool
	succeeded      bool
	volumesAtSpawn int

	wg sync.WaitGroup
}

func NewManager(store Store, extractors *extraction.Manager, bus *events.Bus, log *logger.Logger) *Manager {
	return &Manager{store: store, extractors: extractors, bus: bus, log: log, states: make(map[int64]*state)}
}

func (m *Manager) state(downloadID int64) *state {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[downloadID]
	if !ok {
		st = &state{
			renameMap: make(map[par2meta.Hash16k]string),
			completed: make(map[int]string),
		}
		m.states[downloadID] = st
	}
	return st
}

// OnFileComplete is the driver's per-file hook. Renames always run
// before the unpack check so renamed files enter the archive sequence
// under their real names.
func (m *Manager) OnFileComplete(ctx context.Context, dl *domain.Download, f *domain.DownloadFile, tempDir string) {
	if !dl.PostProcessMode.AtLeastUnpack() {
		return
	}

	st := m.state(dl.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	name := f.ParsedFilename
	if strings.HasSuffix(strings.ToLower(name), ".par2") {
		m.loadPar2(st, dl.ID, tempDir, name)
		m.renameAll(ctx, st, dl.ID, tempDir)
		return
	}

	st.completed[f.FileIndex] = name
	m.renameAll(ctx, st, dl.ID, tempDir)
	m.maybeUnpack(ctx, st, dl, tempDir)
}

// Finish blocks until in-flight extraction settles and reports whether
// the archives were fully unpacked, so the normal Extract stage can be
// skipped. The download's state entry is released either way.
func (m *Manager) Finish(ctx context.Context, downloadID int64) bool {
	m.mu.Lock()
	st, ok := m.states[downloadID]
	delete(m.states, downloadID)
	m.mu.Unlock()
	if !ok {
		return false
	}

	st.wg.Wait()

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.succeeded && !st.failed
}

// loadPar2 parses a completed PAR2 file's FileDesc records into the
// rename map. Entries accumulate across PAR2 files.
func (m *Manager) loadPar2(st *state, downloadID int64, tempDir, name string) {
	entries, err := par2meta.ParseFile(filepath.Join(tempDir, name))
	if err != nil {
		if m.log != nil {
			m.log.Warn("download %d: parsing %s: %v", downloadID, name, err)
		}
		return
	}
	for _, e := range entries {
		st.renameMap[e.Hash16k] = e.Filename
	}
	if m.log != nil {
		m.log.Debug("download %d: %s mapped %d file names", downloadID, name, len(entries))
	}
}

// renameAll hashes every completed file's first 16 KiB against the
// rename map and renames mismatches on disk and in the store. Callers
// hold st.mu.
func (m *Manager) renameAll(ctx context.Context, st *state, downloadID int64, tempDir string) {
	if len(st.renameMap) == 0 {
		return
	}
	for fileIndex, current := range st.completed {
		path := filepath.Join(tempDir, current)
		hash, err := par2meta.ComputeHash16k(path)
		if err != nil {
			continue
		}
		real, ok := st.renameMap[hash]
		if !ok || real == current {
			continue
		}

		if err := os.Rename(path, filepath.Join(tempDir, real)); err != nil {
			if m.log != nil {
				m.log.Warn("download %d: rename %s -> %s: %v", downloadID, current, real, err)
			}
			continue
		}
		if err := m.store.RenameFile(ctx, downloadID, fileIndex, real); err != nil && m.log != nil {
			// Already renamed on disk; log and carry on.
			m.log.Warn("download %d: persisting rename of %s: %v", downloadID, current, err)
		}
		st.completed[fileIndex] = real

		if m.bus != nil {
			m.bus.Publish(events.Event{
				Kind:       events.KindDirectRenamed,
				DownloadID: downloadID,
				Payload:    events.Payload("old", current, "new", real),
			})
		}
		if m.log != nil {
			m.log.Info("download %d: renamed %s -> %s", downloadID, current, real)
		}
	}
}

// maybeUnpack spawns the streaming extractor once a contiguous prefix of
// the archive's volumes is on disk. Callers hold st.mu.
func (m *Manager) maybeUnpack(ctx context.Context, st *state, dl *domain.Download, tempDir string) {
	if st.spawned || st.failed {
		return
	}

	lead, present := archivePrefix(st.completed)
	if lead == "" {
		return
	}

	st.spawned = true
	st.volumesAtSpawn = present
	_ = m.store.UpdateDirectUnpackState(ctx, dl.ID, domain.DirectUnpackRunning)

	leadPath := filepath.Join(tempDir, lead)
	st.wg.Add(1)
	go m.runExtract(dl.ID, st, leadPath, tempDir)
}

// runExtract drives one streaming extraction attempt, retrying once if
// the failure may have been a then-missing volume that has since
// arrived.
func (m *Manager) runExtract(downloadID int64, st *state, leadPath, tempDir string) {
	defer st.wg.Done()

	ctx := context.Background()

	ext, err := m.extractors.For(leadPath)
	if ext == nil || err != nil {
		st.mu.Lock()
		st.failed = true
		st.mu.Unlock()
		_ = m.store.UpdateDirectUnpackState(ctx, downloadID, domain.DirectUnpackFailed)
		return
	}

	password, _ := m.store.GetPassword(ctx, downloadID)

	extractErr := ext.Extract(ctx, leadPath, tempDir, password, nil)
	if extractErr != nil {
		st.mu.Lock()
		_, presentNow := archivePrefix(st.completed)
		canRetry := !st.retried && presentNow > st.volumesAtSpawn
		if canRetry {
			st.retried = true
			st.volumesAtSpawn = presentNow
		}
		st.mu.Unlock()

		if canRetry {
			if m.log != nil {
				m.log.Info("download %d: streaming unpack retrying after new volumes arrived", downloadID)
			}
			extractErr = ext.Extract(ctx, leadPath, tempDir, password, nil)
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if extractErr != nil {
		st.failed = true
		_ = m.store.UpdateDirectUnpackState(ctx, downloadID, domain.DirectUnpackFailed)
		if m.log != nil {
			m.log.Warn("download %d: streaming unpack failed, deferring to post-processing: %v", downloadID, extractErr)
		}
		return
	}

	st.succeeded = true
	_ = m.store.IncrDirectUnpackExtracted(ctx, downloadID, 1)
	if m.log != nil {
		m.log.Info("download %d: streaming unpack finished ahead of download", downloadID)
	}
}

// archivePrefix inspects the completed files for a RAR volume set and
// reports the lead volume's name plus the length of the contiguous run
// of volumes currently on disk. A set whose first volume has not
// completed yields no lead; a gap after the lead ends the run there.
func archivePrefix(completed map[int]string) (lead string, present int) {
	type vol struct {
		index int
		name  string
	}
	var vols []vol
	for _, name := range completed {
		if !extraction.IsRarVolume(name) {
			continue
		}
		vols = append(vols, vol{index: extraction.VolumeIndex(name), name: name})
	}
	if len(vols) == 0 {
		return "", 0
	}

	sort.Slice(vols, func(i, j int) bool { return vols[i].index < vols[j].index })

	if vols[0].index != 1 {
		return "", 0
	}
	run := 1
	for i := 1; i < len(vols); i++ {
		if vols[i].index == vols[i-1].index+1 {
			run++
			continue
		}
		break
	}
	return vols[0].name, run
}
