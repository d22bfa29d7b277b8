// Package queue implements the priority scheduler: an in-process
// container/heap ordered by (priority DESC, created_at ASC), woken via a
// buffered-1 notify channel, with Force-bypass admission and
// pause/resume/cancel/shutdown commands.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nzbcore/gonzbd/internal/cancel"
	"github.com/nzbcore/gonzbd/internal/domain"
	"github.com/nzbcore/gonzbd/internal/errs"
	"github.com/nzbcore/gonzbd/internal/events"
	"github.com/nzbcore/gonzbd/internal/logger"
)

// Store is the subset of *store.Store the scheduler needs.
type Store interface {
	GetDownload(ctx context.Context, id int64) (*domain.Download, error)
	ListDownloadsByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Download, error)
	UpdateStatus(ctx context.Context, id int64, status domain.Status) error
	UpdatePriority(ctx context.Context, id int64, p domain.Priority) error
	UpdateError(ctx context.Context, id int64, msg string) error
	DeleteDownload(ctx context.Context, id int64) error
	SetRuntimeState(ctx context.Context, key, value string) error
}

// Runner executes one download's full lifecycle (driver.Run). The
// scheduler hands it a cancellation handle and waits for it to return.
type Runner interface {
	Run(ctx context.Context, downloadID int64, handle *cancel.Handle) error
}

const shutdownDrainTimeout = 30 * time.Second

// Scheduler owns the pending heap and the set of currently active
// downloads. One Scheduler runs for the process lifetime.
type Scheduler struct {
	mu     sync.Mutex
	pq     entryHeap
	active map[int64]*cancel.Handle

	maxConcurrent int
	acceptingNew  bool
	queuePaused   bool

	notify chan struct{}
	wg     sync.WaitGroup

	store    Store
	runner   Runner
	bus      *events.Bus
	log      *logger.Logger
	tempRoot string
}

func New(store Store, runner Runner, bus *events.Bus, log *logger.Logger, maxConcurrent int, tempRoot string) *Scheduler {
	return &Scheduler{
		active:        make(map[int64]*cancel.Handle),
		maxConcurrent: maxConcurrent,
		acceptingNew:  true,
		notify:        make(chan struct{}, 1),
		store:         store,
		runner:        runner,
		bus:           bus,
		log:           log,
		tempRoot:      tempRoot,
	}
}

// AcceptingNew reports whether the scheduler is still taking new work;
// ingestion consults it so submissions after shutdown fail fast.
func (s *Scheduler) AcceptingNew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptingNew
}

// Restore reclassifies downloads left Downloading/Processing by a prior
// process into Paused and re-enqueues anything still Queued, ordered as
// the heap requires. uncleanShutdown attaches an informational error to
// the reclassified rows so the operator can see why they were parked.
func (s *Scheduler) Restore(ctx context.Context, uncleanShutdown bool) error {
	stuck, err := s.store.ListDownloadsByStatus(ctx, domain.StatusDownloading, domain.StatusProcessing)
	if err != nil {
		return err
	}
	for _, d := range stuck {
		if err := s.store.UpdateStatus(ctx, d.ID, domain.StatusPaused); err != nil {
			return err
		}
		if uncleanShutdown {
			if err := s.store.UpdateError(ctx, d.ID, "paused after unclean shutdown; resume to continue"); err != nil {
				return err
			}
		}
	}

	queued, err := s.store.ListDownloadsByStatus(ctx, domain.StatusQueued)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, d := range queued {
		heap.Push(&s.pq, &entry{downloadID: d.ID, priority: d.Priority, createdAt: d.CreatedAt})
	}
	s.mu.Unlock()

	return nil
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Add enqueues a download that has already been persisted by ingest.
func (s *Scheduler) Add(downloadID int64, priority domain.Priority, createdAt time.Time) {
	s.mu.Lock()
	heap.Push(&s.pq, &entry{downloadID: downloadID, priority: priority, createdAt: createdAt})
	s.mu.Unlock()
	s.wake()
}

// Pause parks a download: a queued one immediately, an active one by
// signalling its driver to flush partial state and stop.
func (s *Scheduler) Pause(ctx context.Context, id int64) error {
	s.mu.Lock()
	if handle, ok := s.active[id]; ok {
		handle.CancelGraceful(cancel.ReasonPause)
		s.mu.Unlock()
		return nil
	}
	if idx := s.removeFromHeap(id); idx >= 0 {
		s.mu.Unlock()
		return s.store.UpdateStatus(ctx, id, domain.StatusPaused)
	}
	s.mu.Unlock()

	d, err := s.store.GetDownload(ctx, id)
	if err != nil {
		return err
	}
	if d.Status.IsTerminal() {
		return errs.New(errs.KindConflict, "download already terminal")
	}
	return s.store.UpdateStatus(ctx, id, domain.StatusPaused)
}

// Resume re-enqueues a paused download. Resuming an already-queued one
// is an idempotent no-op; terminal downloads conflict.
func (s *Scheduler) Resume(ctx context.Context, id int64) error {
	d, err := s.store.GetDownload(ctx, id)
	if err != nil {
		return err
	}
	switch d.Status {
	case domain.StatusQueued:
		return nil // idempotent no-op
	case domain.StatusPaused:
		if err := s.store.UpdateStatus(ctx, id, domain.StatusQueued); err != nil {
			return err
		}
		s.Add(id, d.Priority, d.CreatedAt)
		return nil
	default:
		if d.Status.IsTerminal() {
			return errs.New(errs.KindConflict, "download already terminal")
		}
		return errs.New(errs.KindConflict, "download not paused")
	}
}

// Cancel stops any active work for a download, drops its queue entry,
// deletes its temp directory, and deletes the row (cascades to files,
// articles, password cache).
func (s *Scheduler) Cancel(ctx context.Context, id int64) error {
	s.mu.Lock()
	handle, active := s.active[id]
	s.removeFromHeap(id)
	s.mu.Unlock()

	if active {
		handle.CancelHard(cancel.ReasonCancel)
	}
	if s.tempRoot != "" {
		if err := os.RemoveAll(filepath.Join(s.tempRoot, fmt.Sprintf("download_%d", id))); err != nil && s.log != nil {
			s.log.Warn("cancel %d: removing temp dir: %v", id, err)
		}
	}
	if err := s.store.DeleteDownload(ctx, id); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(events.Event{Kind: events.KindRemoved, DownloadID: id})
	}
	return nil
}

// PauseAll applies Pause to every non-terminal download.
func (s *Scheduler) PauseAll(ctx context.Context) error {
	s.mu.Lock()
	s.queuePaused = true
	for _, h := range s.active {
		h.CancelGraceful(cancel.ReasonPause)
	}
	ids := make([]int64, len(s.pq))
	for i, e := range s.pq {
		ids[i] = e.downloadID
	}
	s.pq = nil
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.store.UpdateStatus(ctx, id, domain.StatusPaused); err != nil {
			return err
		}
	}
	if s.bus != nil {
		s.bus.Publish(events.Event{Kind: events.KindQueuePaused})
	}
	return nil
}

// ResumeAll flips the global pause flag and re-enqueues every Paused download.
func (s *Scheduler) ResumeAll(ctx context.Context) error {
	s.mu.Lock()
	s.queuePaused = false
	s.mu.Unlock()

	paused, err := s.store.ListDownloadsByStatus(ctx, domain.StatusPaused)
	if err != nil {
		return err
	}
	for _, d := range paused {
		if err := s.store.UpdateStatus(ctx, d.ID, domain.StatusQueued); err != nil {
			return err
		}
		s.Add(d.ID, d.Priority, d.CreatedAt)
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{Kind: events.KindQueueResumed})
	}
	s.wake()
	return nil
}

// SetPriority persists a new priority and re-heaps if the download is
// still pending.
func (s *Scheduler) SetPriority(ctx context.Context, id int64, p domain.Priority) error {
	if err := s.store.UpdatePriority(ctx, id, p); err != nil {
		return err
	}
	s.mu.Lock()
	for _, e := range s.pq {
		if e.downloadID == id {
			e.priority = p
			heap.Fix(&s.pq, e.index)
			break
		}
	}
	s.mu.Unlock()
	s.wake()
	return nil
}

// removeFromHeap drops a pending entry, if present; caller holds s.mu.
func (s *Scheduler) removeFromHeap(id int64) int {
	for _, e := range s.pq {
		if e.downloadID == id {
			idx := e.index
			heap.Remove(&s.pq, idx)
			return idx
		}
	}
	return -1
}

// Shutdown stops admitting new work, cancels every active download
// gracefully, and waits up to shutdownDrainTimeout for drivers to flush.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.acceptingNew = false
	for _, h := range s.active {
		h.CancelGraceful(cancel.ReasonShutdown)
	}
	s.mu.Unlock()
	s.wake()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownDrainTimeout):
		if s.log != nil {
			s.log.Warn("shutdown drain window expired, forcing hard cancel")
		}
		s.mu.Lock()
		for _, h := range s.active {
			h.CancelHard(cancel.ReasonShutdown)
		}
		s.mu.Unlock()
		<-done
	}

	// Sweep anything a driver could not flush (hard-cancelled mid-write)
	// so no row is left Downloading/Processing after a clean stop.
	if stuck, err := s.store.ListDownloadsByStatus(ctx, domain.StatusDownloading, domain.StatusProcessing); err == nil {
		for _, d := range stuck {
			_ = s.store.UpdateStatus(ctx, d.ID, domain.StatusPaused)
		}
	}

	_ = s.store.SetRuntimeState(ctx, "clean_shutdown", "true")
	if s.bus != nil {
		s.bus.Publish(events.Event{Kind: events.KindShutdown})
	}
}

// Run drives the admission loop until ctx is cancelled. It wakes on enqueue, on completion, and on pause/resume
// or priority changes (all of which call wake via their own methods).
func (s *Scheduler) Run(ctx context.Context) {
	for {
		s.mu.Lock()
		canAdmit := !s.queuePaused && s.acceptingNew
		var next *entry
		if canAdmit && len(s.pq) > 0 {
			head := s.pq[0]
			if len(s.active) < s.maxConcurrent || head.priority == domain.PriorityForce {
				next = heap.Pop(&s.pq).(*entry)
			}
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.notify:
				continue
			case <-ctx.Done():
				return
			}
		}

		s.dispatch(ctx, next.downloadID)
	}
}

func (s *Scheduler) dispatch(parent context.Context, downloadID int64) {
	handle := cancel.New(parent)

	s.mu.Lock()
	s.active[downloadID] = handle
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, downloadID)
			s.mu.Unlock()
			s.wake()
		}()

		if err := s.runner.Run(handle.Graceful(), downloadID, handle); err != nil && s.log != nil {
			s.log.Warn("download %d exited with error: %v", downloadID, err)
		}
	}()
}
