package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nzbcore/gonzbd/internal/cancel"
	"github.com/nzbcore/gonzbd/internal/domain"
	"github.com/nzbcore/gonzbd/internal/errs"
	"github.com/nzbcore/gonzbd/internal/events"
	"github.com/nzbcore/gonzbd/internal/fetcher"
	"github.com/nzbcore/gonzbd/internal/ratelimit"
)

// memStore is an in-memory driver.Store.
type memStore struct {
	mu       sync.Mutex
	download *domain.Download
	files    map[int]*domain.DownloadFile
	articles map[int64]*domain.Article
	history  []*domain.HistoryEntry
	statuses []domain.Status
}

func newMemStore(dl *domain.Download) *memStore {
	return &memStore{
		download: dl,
		files:    make(map[int]*domain.DownloadFile),
		articles: make(map[int64]*domain.Article),
	}
}

func (s *memStore) addFile(f domain.DownloadFile) {
	s.files[f.FileIndex] = &f
}

func (s *memStore) addArticle(a domain.Article) {
	s.articles[a.ID] = &a
}

func (s *memStore) GetDownload(_ context.Context, id int64) (*domain.Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.download == nil || s.download.ID != id {
		return nil, errs.New(errs.KindNotFound, "not found")
	}
	cp := *s.download
	return &cp, nil
}

func (s *memStore) UpdateStatus(_ context.Context, id int64, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.download.Status = status
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *memStore) UpdateProgress(_ context.Context, _ int64, downloaded, total, _ int64, fraction float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.download.DownloadedBytes = downloaded
	s.download.TotalBytes = total
	s.download.ProgressFraction = fraction
	return nil
}

func (s *memStore) UpdateError(_ context.Context, _ int64, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.download.Error = msg
	return nil
}

func (s *memStore) GetPendingArticles(_ context.Context, _ int64) ([]*domain.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Article
	for _, a := range s.articles {
		if a.Status == domain.ArticleStatusPending {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FileIndex != out[j].FileIndex {
			return out[i].FileIndex < out[j].FileIndex
		}
		return out[i].SegmentNumber < out[j].SegmentNumber
	})
	return out, nil
}

func (s *memStore) BatchUpdateArticleStatus(_ context.Context, ids []int64, status domain.ArticleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		if a, ok := s.articles[id]; ok {
			a.Status = status
			if status == domain.ArticleStatusDownloaded {
				a.DownloadedAt = &now
			}
		}
	}
	return nil
}

func (s *memStore) CountArticlesByStatus(_ context.Context, _ int64) (map[domain.ArticleStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.ArticleStatus]int)
	for _, a := range s.articles {
		out[a.Status]++
	}
	return out, nil
}

func (s *memStore) ListFiles(_ context.Context, _ int64) ([]*domain.DownloadFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.DownloadFile
	for _, f := range s.files {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileIndex < out[j].FileIndex })
	return out, nil
}

func (s *memStore) DetectNewlyCompletedFiles(_ context.Context, _ int64) ([]*domain.DownloadFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := make(map[int]int)
	for _, a := range s.articles {
		if a.Status != domain.ArticleStatusDownloaded {
			remaining[a.FileIndex]++
		}
	}
	var out []*domain.DownloadFile
	for idx, f := range s.files {
		if !f.Completed && remaining[idx] == 0 {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileIndex < out[j].FileIndex })
	return out, nil
}

func (s *memStore) MarkFileCompleted(_ context.Context, _ int64, fileIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[fileIndex]; ok {
		f.Completed = true
	}
	return nil
}

func (s *memStore) InsertHistory(_ context.Context, h *domain.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, h)
	return nil
}

// stubFetcher serves canned payloads by message-id; ids in failWith
// return that error instead.
type stubFetcher struct {
	mu       sync.Mutex
	payloads map[string][]byte
	failWith map[string]error
	fetched  []string
}

func (f *stubFetcher) Fetch(_ context.Context, messageID string) (*fetcher.Result, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, messageID)
	f.mu.Unlock()

	if err, ok := f.failWith[messageID]; ok {
		return nil, err
	}
	data, ok := f.payloads[messageID]
	if !ok {
		data = []byte("default segment payload")
	}
	return &fetcher.Result{Data: data}, nil
}

func (f *stubFetcher) fetchedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

// stubPost records the handoff and succeeds, returning tempDir as the
// final path.
type stubPost struct {
	mu          sync.Mutex
	called      bool
	skipExtract bool
	fail        error
}

func (p *stubPost) Run(_ context.Context, _ int64, tempDir string, _ domain.PostProcessMode, skipExtract bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.called = true
	p.skipExtract = skipExtract
	if p.fail != nil {
		return "", p.fail
	}
	return tempDir, nil
}

func eventKinds(ch <-chan events.Event) []events.Kind {
	var out []events.Kind
	for {
		select {
		case ev := <-ch:
			out = append(out, ev.Kind)
		default:
			return out
		}
	}
}

func seedDownload(store *memStore, files, segmentsPerFile int) {
	articleID := int64(1)
	for fi := 0; fi < files; fi++ {
		store.addFile(domain.DownloadFile{
			DownloadID:     1,
			FileIndex:      fi,
			ParsedFilename: fmt.Sprintf("file-%d.bin", fi),
			TotalSegments:  segmentsPerFile,
		})
		for seg := 1; seg <= segmentsPerFile; seg++ {
			store.addArticle(domain.Article{
				ID:            articleID,
				DownloadID:    1,
				MessageID:     fmt.Sprintf("f%d-s%d@test", fi, seg),
				SegmentNumber: seg,
				FileIndex:     fi,
				SizeBytes:     100,
				Status:        domain.ArticleStatusPending,
			})
			articleID++
		}
	}
}

func newTestDriver(store *memStore, fetch Fetcher, post PostProcessor, bus *events.Bus, tempRoot string) *Driver {
	return New(store, fetch, ratelimit.New(0), post, nil, bus, nil, tempRoot, 4)
}

func TestRunHappyPath(t *testing.T) {
	dl := &domain.Download{ID: 1, DisplayName: "happy", Status: domain.StatusQueued, TotalBytes: 400, PostProcessMode: domain.PostProcessNone}
	store := newMemStore(dl)
	seedDownload(store, 2, 2)

	fetch := &stubFetcher{payloads: map[string][]byte{}}
	post := &stubPost{}
	bus := events.New()
	_, ch := bus.Subscribe()
	tempRoot := t.TempDir()

	d := newTestDriver(store, fetch, post, bus, tempRoot)
	handle := cancel.New(context.Background())

	if err := d.Run(handle.Graceful(), 1, handle); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if dl.Status != domain.StatusComplete {
		t.Errorf("Status = %v, want Complete", dl.Status)
	}
	if len(fetch.fetchedIDs()) != 4 {
		t.Errorf("fetched %d articles, want 4", len(fetch.fetchedIDs()))
	}
	counts, _ := store.CountArticlesByStatus(context.Background(), 1)
	if counts[domain.ArticleStatusDownloaded] != 4 || counts[domain.ArticleStatusFailed] != 0 {
		t.Errorf("counts = %v", counts)
	}

	// Segments hit disk and files were reassembled.
	tempDir := d.TempDir(1)
	for fi := 0; fi < 2; fi++ {
		for seg := 1; seg <= 2; seg++ {
			p := filepath.Join(tempDir, fmt.Sprintf("%d", fi), fmt.Sprintf("segment_%d.dat", seg))
			if _, err := os.Stat(p); err != nil {
				t.Errorf("missing segment file %s", p)
			}
		}
		if _, err := os.Stat(filepath.Join(tempDir, fmt.Sprintf("file-%d.bin", fi))); err != nil {
			t.Errorf("file-%d.bin not reassembled", fi)
		}
	}

	if !post.called {
		t.Error("post-processing never ran")
	}
	if len(store.history) != 1 || store.history[0].Status != domain.StatusComplete {
		t.Errorf("history = %+v", store.history)
	}

	kinds := eventKinds(ch)
	var sawDownloading, sawDownloadComplete, sawComplete bool
	for _, k := range kinds {
		switch k {
		case events.KindDownloading:
			sawDownloading = true
		case events.KindDownloadComplete:
			sawDownloadComplete = true
		case events.KindComplete:
			sawComplete = true
		case events.KindFailed, events.KindDownloadFailed:
			t.Errorf("unexpected %v event", k)
		}
	}
	if !sawDownloading || !sawDownloadComplete || !sawComplete {
		t.Errorf("event kinds = %v", kinds)
	}
}

func TestRunPartialSuccessUnderThreshold(t *testing.T) {
	dl := &domain.Download{ID: 1, DisplayName: "partial", Status: domain.StatusQueued, TotalBytes: 1000, PostProcessMode: domain.PostProcessNone}
	store := newMemStore(dl)
	seedDownload(store, 1, 10)

	fetch := &stubFetcher{
		payloads: map[string][]byte{},
		failWith: map[string]error{"f0-s3@test": errs.New(errs.KindNntp, "article not found anywhere")},
	}
	post := &stubPost{}
	bus := events.New()
	_, ch := bus.Subscribe()

	d := newTestDriver(store, fetch, post, bus, t.TempDir())
	handle := cancel.New(context.Background())

	if err := d.Run(handle.Graceful(), 1, handle); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dl.Status != domain.StatusComplete {
		t.Errorf("Status = %v, want Complete (1 of 10 failed is under the threshold)", dl.Status)
	}
	counts, _ := store.CountArticlesByStatus(context.Background(), 1)
	if counts[domain.ArticleStatusFailed] != 1 || counts[domain.ArticleStatusDownloaded] != 9 {
		t.Errorf("counts = %v", counts)
	}
	if !post.called {
		t.Error("post-processing skipped despite partial success")
	}

	for _, k := range eventKinds(ch) {
		if k == events.KindDownloadFailed {
			t.Error("DownloadFailed emitted for an under-threshold failure")
		}
	}
}

func TestRunExceedsFailureThreshold(t *testing.T) {
	dl := &domain.Download{ID: 1, DisplayName: "doomed", Status: domain.StatusQueued, TotalBytes: 400, PostProcessMode: domain.PostProcessNone}
	store := newMemStore(dl)
	seedDownload(store, 1, 4)

	fetch := &stubFetcher{
		payloads: map[string][]byte{},
		failWith: map[string]error{
			"f0-s1@test": errs.New(errs.KindNntp, "gone"),
			"f0-s2@test": errs.New(errs.KindNntp, "gone"),
			"f0-s3@test": errs.New(errs.KindNntp, "gone"),
		},
	}
	post := &stubPost{}
	bus := events.New()
	_, ch := bus.Subscribe()

	d := newTestDriver(store, fetch, post, bus, t.TempDir())
	handle := cancel.New(context.Background())

	if err := d.Run(handle.Graceful(), 1, handle); err == nil {
		t.Fatal("Run succeeded past the failure threshold")
	}
	if dl.Status != domain.StatusFailed {
		t.Errorf("Status = %v, want Failed", dl.Status)
	}
	if dl.Error == "" {
		t.Error("no error persisted")
	}
	if post.called {
		t.Error("post-processing ran for a failed download")
	}
	if len(store.history) != 1 || store.history[0].Status != domain.StatusFailed {
		t.Errorf("history = %+v", store.history)
	}

	var sawDownloadFailed bool
	for _, k := range eventKinds(ch) {
		if k == events.KindDownloadFailed {
			sawDownloadFailed = true
		}
	}
	if !sawDownloadFailed {
		t.Error("no DownloadFailed event")
	}
}

func TestRunResumesOnlyPendingArticles(t *testing.T) {
	dl := &domain.Download{ID: 1, DisplayName: "resume", Status: domain.StatusPaused, TotalBytes: 400, DownloadedBytes: 200, PostProcessMode: domain.PostProcessNone}
	store := newMemStore(dl)
	seedDownload(store, 1, 4)

	// Segments 1 and 2 finished in a previous run.
	_ = store.BatchUpdateArticleStatus(context.Background(), []int64{1, 2}, domain.ArticleStatusDownloaded)

	// Their bytes are already on disk from that run.
	tempRoot := t.TempDir()
	segDir := filepath.Join(tempRoot, "download_1", "0")
	if err := os.MkdirAll(segDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for seg := 1; seg <= 2; seg++ {
		if err := os.WriteFile(filepath.Join(segDir, fmt.Sprintf("segment_%d.dat", seg)), []byte("old"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	fetch := &stubFetcher{payloads: map[string][]byte{}}
	post := &stubPost{}

	d := newTestDriver(store, fetch, post, events.New(), tempRoot)
	handle := cancel.New(context.Background())

	if err := d.Run(handle.Graceful(), 1, handle); err != nil {
		t.Fatalf("Run: %v", err)
	}

	fetched := fetch.fetchedIDs()
	sort.Strings(fetched)
	if len(fetched) != 2 || fetched[0] != "f0-s3@test" || fetched[1] != "f0-s4@test" {
		t.Fatalf("fetched = %v, want exactly the two still-pending segments", fetched)
	}
	if dl.Status != domain.StatusComplete {
		t.Errorf("Status = %v", dl.Status)
	}
}

func TestRunSkipsTerminalDownload(t *testing.T) {
	dl := &domain.Download{ID: 1, Status: domain.StatusComplete}
	store := newMemStore(dl)
	fetch := &stubFetcher{payloads: map[string][]byte{}}
	post := &stubPost{}

	d := newTestDriver(store, fetch, post, nil, t.TempDir())
	handle := cancel.New(context.Background())

	if err := d.Run(handle.Graceful(), 1, handle); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fetch.fetchedIDs()) != 0 || post.called {
		t.Error("terminal download was acted on")
	}
}

func TestRunGracefulCancelFlushesPaused(t *testing.T) {
	dl := &domain.Download{ID: 1, DisplayName: "paused", Status: domain.StatusQueued, TotalBytes: 5000, PostProcessMode: domain.PostProcessNone}
	store := newMemStore(dl)
	seedDownload(store, 1, 50)

	handle := cancel.New(context.Background())

	// Cancel gracefully after the first few fetches.
	var once sync.Once
	fetch := &blockingFetcher{
		after: 3,
		onHit: func() { once.Do(func() { handle.CancelGraceful(cancel.ReasonPause) }) },
	}
	post := &stubPost{}

	d := newTestDriver(store, fetch, post, events.New(), t.TempDir())

	if err := d.Run(handle.Graceful(), 1, handle); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if dl.Status != domain.StatusPaused {
		t.Errorf("Status = %v, want Paused", dl.Status)
	}
	if post.called {
		t.Error("post-processing ran after a graceful cancel")
	}
	// No article was marked Failed by the cancellation.
	counts, _ := store.CountArticlesByStatus(context.Background(), 1)
	if counts[domain.ArticleStatusFailed] != 0 {
		t.Errorf("cancellation marked %d articles Failed", counts[domain.ArticleStatusFailed])
	}
	if counts[domain.ArticleStatusPending] == 0 {
		t.Error("graceful cancel drained the whole queue anyway")
	}
}

// blockingFetcher succeeds `after` times, then triggers onHit and keeps
// succeeding; the cancellation races the remaining fetches.
type blockingFetcher struct {
	mu    sync.Mutex
	count int
	after int
	onHit func()
}

func (f *blockingFetcher) Fetch(ctx context.Context, messageID string) (*fetcher.Result, error) {
	f.mu.Lock()
	f.count++
	hit := f.count == f.after
	f.mu.Unlock()

	if hit {
		f.onHit()
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	time.Sleep(time.Millisecond)
	return &fetcher.Result{Data: []byte(strings.Repeat("x", 100))}, nil
}

func TestRunPostProcessFailureRecordsStage(t *testing.T) {
	dl := &domain.Download{ID: 1, DisplayName: "badmove", Status: domain.StatusQueued, TotalBytes: 100, PostProcessMode: domain.PostProcessUnpack}
	store := newMemStore(dl)
	seedDownload(store, 1, 1)

	fetch := &stubFetcher{payloads: map[string][]byte{}}
	post := &stubPost{fail: errs.WrapStage(errs.KindIo, "Move", fmt.Errorf("disk full"))}
	bus := events.New()
	_, ch := bus.Subscribe()

	d := newTestDriver(store, fetch, post, bus, t.TempDir())
	handle := cancel.New(context.Background())

	if err := d.Run(handle.Graceful(), 1, handle); err == nil {
		t.Fatal("Run succeeded despite a failed stage")
	}
	if dl.Status != domain.StatusFailed {
		t.Errorf("Status = %v", dl.Status)
	}

	var stage any
	for {
		done := false
		select {
		case ev := <-ch:
			if ev.Kind == events.KindFailed {
				stage = ev.Payload["stage"]
			}
			continue
		default:
			done = true
		}
		if done {
			break
		}
	}
	if stage != "Move" {
		t.Errorf("failed stage = %v, want Move", stage)
	}
}
