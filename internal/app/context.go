// Package app wires the engine's components together and owns their
// startup/shutdown ordering. It is the single place that knows concrete
// types; everything below it talks through the narrow interfaces each
// package declares for itself.
package app

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nzbcore/gonzbd/internal/config"
	"github.com/nzbcore/gonzbd/internal/directunpack"
	"github.com/nzbcore/gonzbd/internal/domain"
	"github.com/nzbcore/gonzbd/internal/driver"
	"github.com/nzbcore/gonzbd/internal/errs"
	"github.com/nzbcore/gonzbd/internal/events"
	"github.com/nzbcore/gonzbd/internal/extraction"
	"github.com/nzbcore/gonzbd/internal/fetcher"
	"github.com/nzbcore/gonzbd/internal/ingest"
	"github.com/nzbcore/gonzbd/internal/logger"
	"github.com/nzbcore/gonzbd/internal/nntp"
	"github.com/nzbcore/gonzbd/internal/parity"
	"github.com/nzbcore/gonzbd/internal/postprocess"
	"github.com/nzbcore/gonzbd/internal/queue"
	"github.com/nzbcore/gonzbd/internal/ratelimit"
	"github.com/nzbcore/gonzbd/internal/store"
)

const cleanShutdownKey = "clean_shutdown"

// Context holds the core environment and shared resources of the
// daemon. It is the single source of truth for application wiring.
type Context struct {
	Config *config.Config
	Log    *logger.Logger

	Store     *store.Store
	Bus       *events.Bus
	Pool      *nntp.Pool
	Limiter   *ratelimit.Limiter
	Parity    parity.Handler
	Admitter  *ingest.Admitter
	Driver    *driver.Driver
	Scheduler *queue.Scheduler
}

// New builds the full component graph from configuration. Nothing starts
// running until Start.
func New(cfg *config.Config, log *logger.Logger) (*Context, error) {
	st, err := store.Open(cfg.Persistence.DatabasePath, cfg.Persistence.BlobDir)
	if err != nil {
		return nil, err
	}

	bus := events.New()
	pool := nntp.NewPool(cfg.Servers, log, bus)
	limiter := ratelimit.New(cfg.SpeedLimitBps)
	fetch := fetcher.New(pool, time.Duration(cfg.Download.ArticleTimeoutSec)*time.Second)

	par := parity.Discover()
	log.Info("par2 handler: %s", par.Name())

	extractors := extraction.NewManager()
	log.Info("extraction backends: %v", extractors.AvailableExtractors())

	side := directunpack.NewManager(st, extractors, bus, log)
	post := postprocess.New(st, par, extractors, bus, log,
		cfg.Download.DownloadDir, domain.FileCollision(cfg.Download.FileCollision), cfg.Processing.Cleanup)

	drv := driver.New(st, fetch, limiter, post, side, bus, log, cfg.Download.TempDir, pool.TotalConnections())
	sched := queue.New(st, drv, bus, log, cfg.Download.MaxConcurrent, cfg.Download.TempDir)
	admitter := ingest.NewAdmitter(st, cfg.Processing.Duplicate, bus)

	return &Context{
		Config:    cfg,
		Log:       log,
		Store:     st,
		Bus:       bus,
		Pool:      pool,
		Limiter:   limiter,
		Parity:    par,
		Admitter:  admitter,
		Driver:    drv,
		Scheduler: sched,
	}, nil
}

// Start performs crash recovery and launches the admission loop. A prior
// unclean shutdown parks every Download left mid-flight; a clean marker
// means nothing was mid-flight to begin with.
func (a *Context) Start(ctx context.Context) error {
	marker, err := a.Store.GetRuntimeState(ctx, cleanShutdownKey)
	if err != nil {
		return err
	}
	unclean := marker != "true"
	if unclean && marker != "" {
		a.Log.Warn("previous run did not shut down cleanly; parking in-flight downloads")
	}

	if err := a.Store.SetRuntimeState(ctx, cleanShutdownKey, "false"); err != nil {
		return err
	}
	if err := a.Scheduler.Restore(ctx, unclean); err != nil {
		return err
	}

	go a.Scheduler.Run(ctx)
	return nil
}

// Shutdown drains the scheduler (which marks the clean-shutdown flag),
// then tears down the connection pool and the store.
func (a *Context) Shutdown(ctx context.Context) {
	a.Scheduler.Shutdown(ctx)
	a.Pool.Close()
	if err := a.Store.Close(); err != nil {
		a.Log.Error("closing store: %v", err)
	}
}

// AddDownload ingests NZB bytes and enqueues the result. It is the one
// entry point shared by the REST surface and any future watcher.
func (a *Context) AddDownload(ctx context.Context, raw []byte, opts ingest.Options) (int64, error) {
	if !a.Scheduler.AcceptingNew() {
		return 0, errs.New(errs.KindShuttingDown, "engine is shutting down")
	}
	if opts.DestinationRoot == "" {
		opts.DestinationRoot = a.Config.Download.DownloadDir
	}
	if opts.PostProcessMode == "" {
		opts.PostProcessMode = domain.PostProcessNone
	}

	id, err := a.Admitter.Admit(ctx, raw, opts)
	if err != nil {
		return 0, err
	}

	dl, err := a.Store.GetDownload(ctx, id)
	if err != nil {
		return 0, err
	}
	a.Scheduler.Add(dl.ID, dl.Priority, dl.CreatedAt)
	return id, nil
}

// SetSpeedLimit adjusts the global token bucket at runtime.
func (a *Context) SetSpeedLimit(limitBps int64) {
	a.Limiter.SetLimit(limitBps)

	display := "unlimited"
	if limitBps > 0 {
		display = humanize.Bytes(uint64(limitBps)) + "/s"
	}
	a.Log.Info("speed limit set to %s", display)
	a.Bus.Publish(events.Event{
		Kind:    events.KindSpeedLimitChanged,
		Payload: events.Payload("limit_bps", limitBps, "limit", display),
	})
}
