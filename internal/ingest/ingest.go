package ingest

import (
	"context"
	"time"

	"github.com/nzbcore/gonzbd/internal/config"
	"github.com/nzbcore/gonzbd/internal/domain"
	"github.com/nzbcore/gonzbd/internal/errs"
	"github.com/nzbcore/gonzbd/internal/events"
)

// Store is the subset of *store.Store ingestion needs, kept as an
// interface so this package doesn't import store's driver-facing surface.
type Store interface {
	FindBySourceHash(ctx context.Context, hash string) (*domain.Download, error)
	FindByDisplayName(ctx context.Context, name string) (*domain.Download, error)
	FindByJobName(ctx context.Context, name string) (*domain.Download, error)
	InsertDownload(ctx context.Context, d *domain.Download) (int64, error)
	InsertFiles(ctx context.Context, downloadID int64, files []domain.DownloadFile) error
	BatchInsertArticles(ctx context.Context, downloadID int64, articles []domain.Article) error
	SetPassword(ctx context.Context, downloadID int64, password string) error
	SaveBlob(downloadID int64, data []byte) error
}

// Options carries the per-submission overrides: category, priority, a
// password override, and a post-process override.
type Options struct {
	DisplayName      string
	Category         string
	Priority         domain.Priority
	PasswordOverride string
	PostProcessMode  domain.PostProcessMode
	DestinationRoot  string
}

// Admitter runs the ingestion pipeline against a Store under a
// configured duplicate-detection policy.
type Admitter struct {
	store Store
	dup   config.DuplicateConfig
	bus   *events.Bus
}

func NewAdmitter(store Store, dup config.DuplicateConfig, bus *events.Bus) *Admitter {
	return &Admitter{store: store, dup: dup, bus: bus}
}

// Admit runs the ingestion pipeline end to end: parse, hash, check
// duplicates, and (absent a Block) persist the new Download.
func (a *Admitter) Admit(ctx context.Context, raw []byte, opts Options) (int64, error) {
	parsed, err := Parse(raw)
	if err != nil {
		return 0, err
	}
	jobName := parsed.JobName(opts.DisplayName)

	if a.dup.Enabled {
		hit, method, err := a.findDuplicate(ctx, parsed.SourceHash, opts.DisplayName, jobName)
		if err != nil {
			return 0, err
		}
		if hit != nil {
			switch domain.DuplicateAction(a.dup.Action) {
			case domain.DuplicateBlock:
				a.publishDuplicate(hit.ID, method)
				return 0, errs.New(errs.KindDuplicate, "duplicate detected via "+method)
			case domain.DuplicateWarn:
				a.publishDuplicate(hit.ID, method)
				// Warn admits anyway.
			default: // Allow: no event, no block
			}
		}
	}

	id, err := a.persist(ctx, parsed, jobName, opts)
	if err != nil {
		return 0, err
	}

	if err := a.store.SaveBlob(id, raw); err != nil {
		return 0, err
	}

	password := opts.PasswordOverride
	if password == "" {
		password = parsed.Password
	}
	if password != "" {
		if err := a.store.SetPassword(ctx, id, password); err != nil {
			return 0, err
		}
	}

	if a.bus != nil {
		a.bus.Publish(events.Event{Kind: events.KindQueued, DownloadID: id})
	}

	return id, nil
}

func (a *Admitter) publishDuplicate(existingID int64, method string) {
	if a.bus != nil {
		a.bus.Publish(events.Event{
			Kind:       events.KindDuplicateDetected,
			DownloadID: existingID,
			Payload:    events.Payload("method", method),
		})
	}
}

func (a *Admitter) findDuplicate(ctx context.Context, sourceHash, displayName, jobName string) (*domain.Download, string, error) {
	for _, method := range a.dup.Methods {
		var (
			hit *domain.Download
			err error
		)
		switch domain.DuplicateMethod(method) {
		case domain.DuplicateMethodNzbHash:
			hit, err = a.store.FindBySourceHash(ctx, sourceHash)
		case domain.DuplicateMethodNzbName:
			hit, err = a.store.FindByDisplayName(ctx, displayName)
		case domain.DuplicateMethodJobName:
			hit, err = a.store.FindByJobName(ctx, jobName)
		default:
			continue
		}
		if err != nil {
			return nil, "", err
		}
		if hit != nil {
			return hit, method, nil
		}
	}
	return nil, "", nil
}

func (a *Admitter) persist(ctx context.Context, parsed *ParsedNZB, jobName string, opts Options) (int64, error) {
	d := &domain.Download{
		DisplayName:     opts.DisplayName,
		SourcePath:      opts.DisplayName,
		SourceHash:      parsed.SourceHash,
		ParsedJobName:   jobName,
		Category:        opts.Category,
		DestinationRoot: opts.DestinationRoot,
		PostProcessMode: opts.PostProcessMode,
		Priority:        opts.Priority,
		Status:          domain.StatusQueued,
		TotalBytes:      parsed.TotalBytes(),
		CreatedAt:       time.Now(),
	}

	id, err := a.store.InsertDownload(ctx, d)
	if err != nil {
		return 0, err
	}

	files := make([]domain.DownloadFile, 0, len(parsed.Files))
	var articles []domain.Article
	for _, f := range parsed.Files {
		files = append(files, domain.DownloadFile{
			DownloadID:      id,
			FileIndex:       f.FileIndex,
			ParsedFilename:  f.ParsedFilename,
			OriginalSubject: f.OriginalSubject,
			TotalSegments:   len(f.Segments),
		})
		for _, seg := range f.Segments {
			articles = append(articles, domain.Article{
				DownloadID:    id,
				MessageID:     seg.MessageID,
				SegmentNumber: seg.SegmentNumber,
				FileIndex:     f.FileIndex,
				SizeBytes:     seg.SizeBytes,
				Status:        domain.ArticleStatusPending,
			})
		}
	}

	if err := a.store.InsertFiles(ctx, id, files); err != nil {
		return 0, err
	}
	if err := a.store.BatchInsertArticles(ctx, id, articles); err != nil {
		return 0, err
	}

	return id, nil
}
