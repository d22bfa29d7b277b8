// Package driver runs one download's full lifecycle: fetch fan-out,
// segment reassembly, and handoff into post-processing. The fan-out is
// built on sourcegraph/conc/pool sized to the configured server
// connection sum, so article bytes stream to disk instead of piling up
// in memory.
package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sourcegraph/conc/pool"

	"github.com/nzbcore/gonzbd/internal/cancel"
	"github.com/nzbcore/gonzbd/internal/domain"
	"github.com/nzbcore/gonzbd/internal/errs"
	"github.com/nzbcore/gonzbd/internal/events"
	"github.com/nzbcore/gonzbd/internal/fetcher"
	"github.com/nzbcore/gonzbd/internal/logger"
	"github.com/nzbcore/gonzbd/internal/ratelimit"
)

// failureRatioThreshold is the fraction of failed articles past which a
// download is declared Failed rather than partially successful.
const failureRatioThreshold = 0.5

// progressDeltaFraction and progressInterval bound how often progress
// events are emitted during fetch fan-out.
const (
	progressDeltaFraction = 0.05
	progressInterval      = time.Second
)

// Store is the subset of *store.Store the driver needs.
type Store interface {
	GetDownload(ctx context.Context, id int64) (*domain.Download, error)
	UpdateStatus(ctx context.Context, id int64, status domain.Status) error
	UpdateProgress(ctx context.Context, id int64, downloadedBytes, totalBytes, speedBps int64, fraction float64) error
	UpdateError(ctx context.Context, id int64, msg string) error
	GetPendingArticles(ctx context.Context, downloadID int64) ([]*domain.Article, error)
	BatchUpdateArticleStatus(ctx context.Context, ids []int64, status domain.ArticleStatus) error
	CountArticlesByStatus(ctx context.Context, downloadID int64) (map[domain.ArticleStatus]int, error)
	ListFiles(ctx context.Context, downloadID int64) ([]*domain.DownloadFile, error)
	DetectNewlyCompletedFiles(ctx context.Context, downloadID int64) ([]*domain.DownloadFile, error)
	MarkFileCompleted(ctx context.Context, downloadID int64, fileIndex int) error
	InsertHistory(ctx context.Context, h *domain.HistoryEntry) error
}

// Fetcher retrieves and decodes one article. Satisfied by
// *fetcher.Fetcher; an interface so tests can substitute a stub.
type Fetcher interface {
	Fetch(ctx context.Context, messageID string) (*fetcher.Result, error)
}

// PostProcessor runs the verify/repair/extract/move/clean pipeline
// against a downloaded release's temp directory. skipExtract is set when
// streaming extraction already unpacked the archives mid-download.
type PostProcessor interface {
	Run(ctx context.Context, downloadID int64, tempDir string, mode domain.PostProcessMode, skipExtract bool) (finalPath string, err error)
}

// Sidepath receives file-completion notifications during download; the
// DirectRename/DirectUnpack machinery hangs off this hook. OnFileComplete
// must return quickly; heavy work belongs on the sidepath's own goroutines.
type Sidepath interface {
	// OnFileComplete is called once per file, after its segments have
	// been reassembled into tempDir.
	OnFileComplete(ctx context.Context, dl *domain.Download, f *domain.DownloadFile, tempDir string)
	// Finish blocks until in-flight sidepath work for the download has
	// settled, reporting whether streaming extraction already covered
	// the archives so the Extract stage can be skipped.
	Finish(ctx context.Context, downloadID int64) (extracted bool)
}

// Driver orchestrates a single download from Queued through Complete/Failed.
type Driver struct {
	store     Store
	fetcher   Fetcher
	limiter   *ratelimit.Limiter
	post      PostProcessor
	sidepath  Sidepath
	bus       *events.Bus
	log       *logger.Logger
	tempRoot  string
	fanoutMax int
}

func New(store Store, f Fetcher, limiter *ratelimit.Limiter, post PostProcessor, sidepath Sidepath, bus *events.Bus, log *logger.Logger, tempRoot string, fanoutMax int) *Driver {
	if fanoutMax <= 0 {
		fanoutMax = 1
	}
	return &Driver{store: store, fetcher: f, limiter: limiter, post: post, sidepath: sidepath, bus: bus, log: log, tempRoot: tempRoot, fanoutMax: fanoutMax}
}

// TempDir returns the temp directory a download's segments land in.
func (d *Driver) TempDir(downloadID int64) string {
	return filepath.Join(d.tempRoot, fmt.Sprintf("download_%d", downloadID))
}

// Run executes the download lifecycle. The scheduler invokes it with
// handle.Graceful() as ctx; handle lets the driver also distinguish a
// hard cancel mid-fetch.
func (d *Driver) Run(ctx context.Context, downloadID int64, handle *cancel.Handle) error {
	dl, err := d.store.GetDownload(ctx, downloadID)
	if err != nil {
		return err
	}
	switch dl.Status {
	case domain.StatusQueued, domain.StatusPaused, domain.StatusDownloading, domain.StatusProcessing:
	default:
		return nil
	}

	if err := d.store.UpdateStatus(ctx, downloadID, domain.StatusDownloading); err != nil {
		return err
	}
	d.publish(events.KindDownloading, downloadID, events.Payload("progress", 0.0))

	tempDir := d.TempDir(downloadID)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return d.fail(ctx, dl, "Download", errs.Wrap(errs.KindIo, err))
	}

	if err := d.fetchAll(ctx, handle, dl, tempDir); err != nil {
		if errs.Is(err, errs.KindShuttingDown) {
			return d.flushPaused(downloadID, handle)
		}
		return d.fail(ctx, dl, "Download", err)
	}
	if handle.IsGracefullyCancelled() {
		return d.flushPaused(downloadID, handle)
	}

	counts, err := d.store.CountArticlesByStatus(ctx, downloadID)
	if err != nil {
		return d.fail(ctx, dl, "Download", err)
	}
	failed := counts[domain.ArticleStatusFailed]
	succeeded := counts[domain.ArticleStatusDownloaded]
	total := failed + succeeded + counts[domain.ArticleStatusPending]
	if total > 0 && failed > 0 {
		ratio := float64(failed) / float64(total)
		if ratio > failureRatioThreshold || succeeded == 0 {
			d.publish(events.KindDownloadFailed, downloadID, events.Payload(
				"articles_succeeded", succeeded, "articles_failed", failed, "articles_total", total))
			return d.fail(ctx, dl, "Download",
				errs.New(errs.KindNntp, fmt.Sprintf("%d of %d articles failed to download", failed, total)))
		}
	}
	d.publish(events.KindDownloadComplete, downloadID, events.Payload("articles_failed", failed, "articles_total", total))
	if d.log != nil {
		d.log.Info("download %d fetched %s across %d articles (%d failed)",
			downloadID, humanize.Bytes(uint64(dl.TotalBytes)), total, failed)
	}

	// Files with failed segments still get a partial reassembly so the
	// repair stage has something to work on.
	if err := d.reassembleRemaining(ctx, downloadID, tempDir); err != nil {
		return d.fail(ctx, dl, "Reassemble", err)
	}

	if err := d.store.UpdateStatus(ctx, downloadID, domain.StatusProcessing); err != nil {
		return err
	}

	skipExtract := false
	if d.sidepath != nil {
		skipExtract = d.sidepath.Finish(ctx, downloadID)
	}

	finalPath, err := d.post.Run(ctx, downloadID, tempDir, dl.PostProcessMode, skipExtract)
	if err != nil {
		if handle.IsGracefullyCancelled() && !handle.IsHardCancelled() {
			return d.flushPaused(downloadID, handle)
		}
		stage := "PostProcess"
		if pErr, ok := err.(*errs.Error); ok && pErr.Stage != "" {
			stage = pErr.Stage
		}
		return d.fail(ctx, dl, stage, err)
	}

	if err := d.store.UpdateStatus(ctx, downloadID, domain.StatusComplete); err != nil {
		return err
	}
	d.recordHistory(ctx, dl, domain.StatusComplete, finalPath, "")
	d.publish(events.KindComplete, downloadID, events.Payload("final_path", finalPath))
	return nil
}

// flushPaused settles a gracefully-cancelled download into Paused. A
// hard cancel with ReasonCancel means the rows are about to be deleted,
// so there is nothing to flush.
func (d *Driver) flushPaused(downloadID int64, handle *cancel.Handle) error {
	if handle.Reason() == cancel.ReasonCancel {
		return nil
	}
	// The graceful context is gone; give the status write its own brief one.
	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	return d.store.UpdateStatus(ctx, downloadID, domain.StatusPaused)
}

func (d *Driver) fail(ctx context.Context, dl *domain.Download, stage string, err error) error {
	_ = d.store.UpdateError(ctx, dl.ID, err.Error())
	_ = d.store.UpdateStatus(ctx, dl.ID, domain.StatusFailed)
	d.recordHistory(ctx, dl, domain.StatusFailed, "", err.Error())
	d.publish(events.KindFailed, dl.ID, events.Payload("stage", stage, "error", err.Error(), "files_kept", true))
	return err
}

func (d *Driver) recordHistory(ctx context.Context, dl *domain.Download, status domain.Status, finalPath, errMsg string) {
	h := &domain.HistoryEntry{
		DownloadID:  dl.ID,
		DisplayName: dl.DisplayName,
		Status:      status,
		Category:    dl.Category,
		FinalPath:   finalPath,
		Error:       errMsg,
		CompletedAt: time.Now(),
	}
	if err := d.store.InsertHistory(ctx, h); err != nil && d.log != nil {
		d.log.Warn("download %d: history insert failed: %v", dl.ID, err)
	}
}

func (d *Driver) publish(kind events.Kind, downloadID int64, payload map[string]any) {
	if d.bus != nil {
		d.bus.Publish(events.Event{Kind: kind, DownloadID: downloadID, Payload: payload})
	}
}

// fetchAll fans out every pending article across d.fanoutMax goroutines,
// acquires speed-limiter credit before each fetch, writes the decoded
// bytes to segment_<n>.dat, and marks the article's terminal status.
// Articles interrupted by cancellation stay Pending so a resume retries
// exactly the remainder. Returns a ShuttingDown error when the graceful
// level fired mid-flight.
func (d *Driver) fetchAll(ctx context.Context, handle *cancel.Handle, dl *domain.Download, tempDir string) error {
	pending, err := d.store.GetPendingArticles(ctx, dl.ID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	var remaining int64
	for _, a := range pending {
		remaining += a.SizeBytes
	}
	total := dl.TotalBytes
	if total <= 0 {
		total = remaining
	}

	progress := newProgressTracker(dl.DownloadedBytes, total)

	p := pool.New().WithContext(ctx).WithMaxGoroutines(d.fanoutMax).WithCancelOnError()

	for _, article := range pending {
		article := article
		p.Go(func(ctx context.Context) error {
			// Cancellation is observed before dispatching each fetch;
			// the in-flight ones run on handle.Hard() and finish.
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := d.limiter.Acquire(ctx, int(article.SizeBytes)); err != nil {
				return err // cancellation, not an article failure
			}

			res, err := d.fetcher.Fetch(handle.Hard(), article.MessageID)
			if err != nil {
				if handle.IsHardCancelled() || ctx.Err() != nil {
					return ctx.Err()
				}
				return d.markFailed(ctx, article)
			}

			path := segmentPath(tempDir, article.FileIndex, article.SegmentNumber)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return errs.Wrap(errs.KindIo, err)
			}
			if err := os.WriteFile(path, res.Data, 0o644); err != nil {
				return errs.Wrap(errs.KindIo, err)
			}

			if err := d.store.BatchUpdateArticleStatus(ctx, []int64{article.ID}, domain.ArticleStatusDownloaded); err != nil {
				return err
			}

			n := progress.add(int64(len(res.Data)))
			if progress.shouldEmit(n) {
				_ = d.store.UpdateProgress(ctx, dl.ID, n, total, progress.speedBps(), progress.fraction(n))
				d.publish(events.KindDownloading, dl.ID, events.Payload("progress", progress.fraction(n)))
			}
			return d.onArticleComplete(ctx, dl, article, tempDir)
		})
	}

	err = p.Wait()

	// Persist whatever progress accumulated, cancelled or not.
	n := progress.current()
	flushCtx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	_ = d.store.UpdateProgress(flushCtx, dl.ID, n, total, progress.speedBps(), progress.fraction(n))
	cancelFn()

	if err != nil {
		if handle.IsGracefullyCancelled() && !handle.IsHardCancelled() {
			return errs.New(errs.KindShuttingDown, "paused or shut down")
		}
		return err
	}
	return nil
}

func (d *Driver) markFailed(ctx context.Context, article *domain.Article) error {
	return d.store.BatchUpdateArticleStatus(ctx, []int64{article.ID}, domain.ArticleStatusFailed)
}

// onArticleComplete checks whether the owning file just finished; if so
// it reassembles the file and hands it to the sidepath, so DirectRename
// sees real files while the rest of the download is still in flight.
func (d *Driver) onArticleComplete(ctx context.Context, dl *domain.Download, article *domain.Article, tempDir string) error {
	newlyComplete, err := d.store.DetectNewlyCompletedFiles(ctx, dl.ID)
	if err != nil {
		return err
	}
	for _, f := range newlyComplete {
		if f.FileIndex != article.FileIndex {
			continue
		}
		if err := reassembleFile(tempDir, f); err != nil {
			return err
		}
		if err := d.store.MarkFileCompleted(ctx, dl.ID, f.FileIndex); err != nil {
			return err
		}
		if d.sidepath != nil {
			d.sidepath.OnFileComplete(ctx, dl, f, tempDir)
		}
	}
	return nil
}

func segmentPath(tempDir string, fileIndex, segmentNumber int) string {
	return filepath.Join(tempDir, fmt.Sprintf("%d", fileIndex), fmt.Sprintf("segment_%d.dat", segmentNumber))
}
