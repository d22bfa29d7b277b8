package store

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/nzbcore/gonzbd/internal/domain"
	"github.com/nzbcore/gonzbd/internal/errs"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"), filepath.Join(dir, "nzbs"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestDownload(t *testing.T, s *Store, name string, priority domain.Priority) int64 {
	t.Helper()
	id, err := s.InsertDownload(context.Background(), &domain.Download{
		DisplayName:       name,
		SourcePath:        name,
		SourceHash:        "hash-" + name,
		ParsedJobName:     "job-" + name,
		DestinationRoot:   "/downloads",
		PostProcessMode:   domain.PostProcessNone,
		Priority:          priority,
		Status:            domain.StatusQueued,
		CreatedAt:         time.Now(),
		DirectUnpackState: domain.DirectUnpackNotStarted,
	})
	if err != nil {
		t.Fatalf("InsertDownload: %v", err)
	}
	return id
}

func TestDownloadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := insertTestDownload(t, s, "release-a", domain.PriorityNormal)

	d, err := s.GetDownload(ctx, id)
	if err != nil {
		t.Fatalf("GetDownload: %v", err)
	}
	if d.DisplayName != "release-a" || d.Status != domain.StatusQueued {
		t.Errorf("round trip mismatch: %+v", d)
	}
	if d.StartedAt != nil || d.CompletedAt != nil {
		t.Error("timestamps should start unset")
	}

	// First transition to Downloading stamps started_at exactly once.
	if err := s.UpdateStatus(ctx, id, domain.StatusDownloading); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	d, _ = s.GetDownload(ctx, id)
	if d.StartedAt == nil {
		t.Fatal("started_at not set on first Downloading transition")
	}
	first := *d.StartedAt

	time.Sleep(10 * time.Millisecond)
	_ = s.UpdateStatus(ctx, id, domain.StatusPaused)
	_ = s.UpdateStatus(ctx, id, domain.StatusDownloading)
	d, _ = s.GetDownload(ctx, id)
	if !d.StartedAt.Equal(first) {
		t.Error("started_at changed on a later Downloading transition")
	}

	// Terminal transition stamps completed_at.
	if err := s.UpdateStatus(ctx, id, domain.StatusComplete); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	d, _ = s.GetDownload(ctx, id)
	if d.CompletedAt == nil {
		t.Error("completed_at not set on Complete")
	}
}

func TestGetDownloadNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetDownload(context.Background(), 9999); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("got %v, want NotFound", err)
	}
}

func TestListDownloadsOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	low := insertTestDownload(t, s, "low", domain.PriorityLow)
	high := insertTestDownload(t, s, "high", domain.PriorityHigh)
	normal := insertTestDownload(t, s, "normal", domain.PriorityNormal)

	list, err := s.ListDownloads(ctx)
	if err != nil {
		t.Fatalf("ListDownloads: %v", err)
	}
	var got []int64
	for _, d := range list {
		got = append(got, d.ID)
	}
	want := []int64{high, normal, low}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestDuplicateLookups(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := insertTestDownload(t, s, "release-x", domain.PriorityNormal)

	if d, _ := s.FindBySourceHash(ctx, "hash-release-x"); d == nil || d.ID != id {
		t.Error("FindBySourceHash missed")
	}
	if d, _ := s.FindByDisplayName(ctx, "release-x"); d == nil || d.ID != id {
		t.Error("FindByDisplayName missed")
	}
	if d, _ := s.FindByJobName(ctx, "job-release-x"); d == nil || d.ID != id {
		t.Error("FindByJobName missed")
	}
	if d, err := s.FindBySourceHash(ctx, "nope"); d != nil || err != nil {
		t.Errorf("miss should be (nil, nil), got (%v, %v)", d, err)
	}
}

func TestArticleBatchInsertAndPendingOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := insertTestDownload(t, s, "big", domain.PriorityNormal)

	// Enough rows to span multiple insert chunks.
	var articles []domain.Article
	for fi := 2; fi >= 0; fi-- {
		for seg := 150; seg >= 1; seg-- {
			articles = append(articles, domain.Article{
				MessageID:     fmt.Sprintf("f%d-s%d@x", fi, seg),
				SegmentNumber: seg,
				FileIndex:     fi,
				SizeBytes:     1000,
				Status:        domain.ArticleStatusPending,
			})
		}
	}
	if err := s.BatchInsertArticles(ctx, id, articles); err != nil {
		t.Fatalf("BatchInsertArticles: %v", err)
	}

	pending, err := s.GetPendingArticles(ctx, id)
	if err != nil {
		t.Fatalf("GetPendingArticles: %v", err)
	}
	if len(pending) != 450 {
		t.Fatalf("pending = %d, want 450", len(pending))
	}
	for i := 1; i < len(pending); i++ {
		prev, cur := pending[i-1], pending[i]
		if cur.FileIndex < prev.FileIndex ||
			(cur.FileIndex == prev.FileIndex && cur.SegmentNumber < prev.SegmentNumber) {
			t.Fatalf("pending not ordered at %d: %+v then %+v", i, prev, cur)
		}
	}
}

func TestBatchUpdateArticleStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := insertTestDownload(t, s, "statuses", domain.PriorityNormal)
	articles := []domain.Article{
		{MessageID: "a@x", SegmentNumber: 1, FileIndex: 0, SizeBytes: 10},
		{MessageID: "b@x", SegmentNumber: 2, FileIndex: 0, SizeBytes: 10},
		{MessageID: "c@x", SegmentNumber: 3, FileIndex: 0, SizeBytes: 10},
	}
	if err := s.BatchInsertArticles(ctx, id, articles); err != nil {
		t.Fatalf("BatchInsertArticles: %v", err)
	}
	pending, _ := s.GetPendingArticles(ctx, id)

	if err := s.BatchUpdateArticleStatus(ctx, []int64{pending[0].ID, pending[1].ID}, domain.ArticleStatusDownloaded); err != nil {
		t.Fatalf("BatchUpdateArticleStatus: %v", err)
	}
	if err := s.BatchUpdateArticleStatus(ctx, []int64{pending[2].ID}, domain.ArticleStatusFailed); err != nil {
		t.Fatalf("BatchUpdateArticleStatus: %v", err)
	}

	counts, err := s.CountArticlesByStatus(ctx, id)
	if err != nil {
		t.Fatalf("CountArticlesByStatus: %v", err)
	}
	if counts[domain.ArticleStatusDownloaded] != 2 || counts[domain.ArticleStatusFailed] != 1 {
		t.Errorf("counts = %v", counts)
	}

	// No article is left pending once each has a final status.
	remaining, _ := s.GetPendingArticles(ctx, id)
	if len(remaining) != 0 {
		t.Errorf("pending = %d, want 0", len(remaining))
	}
}

func TestDetectNewlyCompletedFiles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := insertTestDownload(t, s, "completion", domain.PriorityNormal)
	files := []domain.DownloadFile{
		{FileIndex: 0, ParsedFilename: "a.bin", OriginalSubject: "a", TotalSegments: 2},
		{FileIndex: 1, ParsedFilename: "b.bin", OriginalSubject: "b", TotalSegments: 1},
	}
	if err := s.InsertFiles(ctx, id, files); err != nil {
		t.Fatalf("InsertFiles: %v", err)
	}
	articles := []domain.Article{
		{MessageID: "a1@x", SegmentNumber: 1, FileIndex: 0, SizeBytes: 10},
		{MessageID: "a2@x", SegmentNumber: 2, FileIndex: 0, SizeBytes: 10},
		{MessageID: "b1@x", SegmentNumber: 1, FileIndex: 1, SizeBytes: 10},
	}
	_ = s.BatchInsertArticles(ctx, id, articles)
	pending, _ := s.GetPendingArticles(ctx, id)

	// Complete only file 1's article.
	var b1 int64
	for _, a := range pending {
		if a.FileIndex == 1 {
			b1 = a.ID
		}
	}
	_ = s.BatchUpdateArticleStatus(ctx, []int64{b1}, domain.ArticleStatusDownloaded)

	newly, err := s.DetectNewlyCompletedFiles(ctx, id)
	if err != nil {
		t.Fatalf("DetectNewlyCompletedFiles: %v", err)
	}
	if len(newly) != 1 || newly[0].FileIndex != 1 {
		t.Fatalf("newly = %+v, want just file 1", newly)
	}

	_ = s.MarkFileCompleted(ctx, id, 1)
	newly, _ = s.DetectNewlyCompletedFiles(ctx, id)
	if len(newly) != 0 {
		t.Errorf("file 1 reported newly-complete twice")
	}
}

func TestRenameFileKeepsFirstOriginal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := insertTestDownload(t, s, "rename", domain.PriorityNormal)
	_ = s.InsertFiles(ctx, id, []domain.DownloadFile{
		{FileIndex: 0, ParsedFilename: "obfuscated.bin", OriginalSubject: "s", TotalSegments: 1},
	})

	if err := s.RenameFile(ctx, id, 0, "real-name.mkv"); err != nil {
		t.Fatalf("RenameFile: %v", err)
	}
	files, _ := s.ListFiles(ctx, id)
	if files[0].ParsedFilename != "real-name.mkv" || files[0].OriginalFilename != "obfuscated.bin" {
		t.Fatalf("after first rename: %+v", files[0])
	}

	// A second rename must not overwrite original_filename.
	if err := s.RenameFile(ctx, id, 0, "even-newer.mkv"); err != nil {
		t.Fatalf("RenameFile: %v", err)
	}
	files, _ = s.ListFiles(ctx, id)
	if files[0].OriginalFilename != "obfuscated.bin" {
		t.Fatalf("original_filename overwritten: %+v", files[0])
	}
}

func TestCascadeDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := insertTestDownload(t, s, "cascade", domain.PriorityNormal)
	_ = s.InsertFiles(ctx, id, []domain.DownloadFile{{FileIndex: 0, ParsedFilename: "a", OriginalSubject: "a", TotalSegments: 1}})
	_ = s.BatchInsertArticles(ctx, id, []domain.Article{{MessageID: "a@x", SegmentNumber: 1, FileIndex: 0, SizeBytes: 1}})
	_ = s.SetPassword(ctx, id, "pw")

	if err := s.DeleteDownload(ctx, id); err != nil {
		t.Fatalf("DeleteDownload: %v", err)
	}
	if files, _ := s.ListFiles(ctx, id); len(files) != 0 {
		t.Error("files survived cascade")
	}
	if pending, _ := s.GetPendingArticles(ctx, id); len(pending) != 0 {
		t.Error("articles survived cascade")
	}
	if pw, _ := s.GetPassword(ctx, id); pw != "" {
		t.Error("password survived cascade")
	}
}

func TestRuntimeStateAndProcessedSources(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if v, err := s.GetRuntimeState(ctx, "clean_shutdown"); err != nil || v != "" {
		t.Errorf("unset key: (%q, %v)", v, err)
	}
	_ = s.SetRuntimeState(ctx, "clean_shutdown", "false")
	_ = s.SetRuntimeState(ctx, "clean_shutdown", "true")
	if v, _ := s.GetRuntimeState(ctx, "clean_shutdown"); v != "true" {
		t.Errorf("clean_shutdown = %q", v)
	}

	if ok, _ := s.IsSourceProcessed(ctx, "/watch/a.nzb"); ok {
		t.Error("unprocessed source reported processed")
	}
	_ = s.MarkProcessedSource(ctx, "/watch/a.nzb")
	_ = s.MarkProcessedSource(ctx, "/watch/a.nzb") // idempotent
	if ok, _ := s.IsSourceProcessed(ctx, "/watch/a.nzb"); !ok {
		t.Error("processed source not reported")
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		err := s.InsertHistory(ctx, &domain.HistoryEntry{
			DownloadID:  int64(i + 1),
			DisplayName: fmt.Sprintf("dl-%d", i),
			Status:      domain.StatusComplete,
			CompletedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("InsertHistory: %v", err)
		}
	}

	entries, err := s.QueryHistory(ctx, 10, 0)
	if err != nil {
		t.Fatalf("QueryHistory: %v", err)
	}
	if len(entries) != 3 || entries[0].DisplayName != "dl-2" {
		t.Fatalf("history order wrong: %+v", entries)
	}
}

func TestBlobRoundTrip(t *testing.T) {
	s := openTestStore(t)

	data := []byte("<nzb>raw bytes</nzb>")
	if err := s.SaveBlob(42, data); err != nil {
		t.Fatalf("SaveBlob: %v", err)
	}
	f, err := s.OpenBlob(42)
	if err != nil {
		t.Fatalf("OpenBlob: %v", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Error("blob bytes mismatch")
	}
}
