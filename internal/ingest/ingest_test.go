package ingest

import (
	"context"
	"testing"

	"github.com/nzbcore/gonzbd/internal/config"
	"github.com/nzbcore/gonzbd/internal/domain"
	"github.com/nzbcore/gonzbd/internal/errs"
	"github.com/nzbcore/gonzbd/internal/events"
)

// fakeStore is an in-memory ingest.Store.
type fakeStore struct {
	nextID    int64
	downloads map[int64]*domain.Download
	files     map[int64][]domain.DownloadFile
	articles  map[int64][]domain.Article
	passwords map[int64]string
	blobs     map[int64][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		downloads: make(map[int64]*domain.Download),
		files:     make(map[int64][]domain.DownloadFile),
		articles:  make(map[int64][]domain.Article),
		passwords: make(map[int64]string),
		blobs:     make(map[int64][]byte),
	}
}

func (s *fakeStore) FindBySourceHash(_ context.Context, hash string) (*domain.Download, error) {
	for _, d := range s.downloads {
		if d.SourceHash == hash {
			return d, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) FindByDisplayName(_ context.Context, name string) (*domain.Download, error) {
	for _, d := range s.downloads {
		if d.DisplayName == name {
			return d, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) FindByJobName(_ context.Context, name string) (*domain.Download, error) {
	for _, d := range s.downloads {
		if d.ParsedJobName == name {
			return d, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) InsertDownload(_ context.Context, d *domain.Download) (int64, error) {
	s.nextID++
	d.ID = s.nextID
	s.downloads[d.ID] = d
	return d.ID, nil
}

func (s *fakeStore) InsertFiles(_ context.Context, id int64, files []domain.DownloadFile) error {
	s.files[id] = files
	return nil
}

func (s *fakeStore) BatchInsertArticles(_ context.Context, id int64, articles []domain.Article) error {
	s.articles[id] = articles
	return nil
}

func (s *fakeStore) SetPassword(_ context.Context, id int64, password string) error {
	s.passwords[id] = password
	return nil
}

func (s *fakeStore) SaveBlob(id int64, data []byte) error {
	s.blobs[id] = data
	return nil
}

func collect(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func dupConfig(action string, methods ...string) config.DuplicateConfig {
	return config.DuplicateConfig{Enabled: true, Action: action, Methods: methods}
}

func TestAdmitPersistsEverything(t *testing.T) {
	st := newFakeStore()
	bus := events.New()
	_, ch := bus.Subscribe()

	a := NewAdmitter(st, dupConfig("Block", "NzbHash"), bus)
	id, err := a.Admit(context.Background(), []byte(sampleNZB), Options{
		DisplayName:     "Some.Release.2024.nzb",
		Priority:        domain.PriorityHigh,
		PostProcessMode: domain.PostProcessUnpack,
		DestinationRoot: "/downloads",
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	d := st.downloads[id]
	if d.Status != domain.StatusQueued {
		t.Errorf("Status = %v", d.Status)
	}
	if d.ParsedJobName != "Some.Release.2024" {
		t.Errorf("ParsedJobName = %q", d.ParsedJobName)
	}
	if len(st.files[id]) != 2 {
		t.Errorf("got %d file rows", len(st.files[id]))
	}
	if len(st.articles[id]) != 4 {
		t.Errorf("got %d article rows", len(st.articles[id]))
	}
	// Head metadata password is cached absent an override.
	if st.passwords[id] != "secret" {
		t.Errorf("password = %q", st.passwords[id])
	}
	if len(st.blobs[id]) == 0 {
		t.Error("raw NZB bytes were not saved")
	}

	evs := collect(ch)
	if len(evs) != 1 || evs[0].Kind != events.KindQueued {
		t.Errorf("events = %+v, want a single Queued", evs)
	}
}

func TestAdmitDuplicateBlock(t *testing.T) {
	st := newFakeStore()
	bus := events.New()
	_, ch := bus.Subscribe()

	a := NewAdmitter(st, dupConfig("Block", "NzbHash"), bus)
	ctx := context.Background()

	if _, err := a.Admit(ctx, []byte(sampleNZB), Options{DisplayName: "first.nzb"}); err != nil {
		t.Fatalf("first Admit: %v", err)
	}
	collect(ch) // drain the Queued event

	_, err := a.Admit(ctx, []byte(sampleNZB), Options{DisplayName: "second.nzb"})
	if !errs.Is(err, errs.KindDuplicate) {
		t.Fatalf("second Admit: got %v, want Duplicate", err)
	}
	if len(st.downloads) != 1 {
		t.Errorf("downloads = %d, want 1 (block inserts nothing)", len(st.downloads))
	}

	evs := collect(ch)
	if len(evs) != 1 || evs[0].Kind != events.KindDuplicateDetected {
		t.Errorf("events = %+v, want a single DuplicateDetected", evs)
	}
}

func TestAdmitDuplicateWarnAdmits(t *testing.T) {
	st := newFakeStore()
	bus := events.New()
	_, ch := bus.Subscribe()

	a := NewAdmitter(st, dupConfig("Warn", "NzbName"), bus)
	ctx := context.Background()

	if _, err := a.Admit(ctx, []byte(sampleNZB), Options{DisplayName: "same.nzb"}); err != nil {
		t.Fatalf("first Admit: %v", err)
	}
	collect(ch)

	if _, err := a.Admit(ctx, []byte(sampleNZB), Options{DisplayName: "same.nzb"}); err != nil {
		t.Fatalf("second Admit: %v", err)
	}
	if len(st.downloads) != 2 {
		t.Errorf("downloads = %d, want 2 (warn admits)", len(st.downloads))
	}

	var kinds []events.Kind
	for _, ev := range collect(ch) {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) != 2 || kinds[0] != events.KindDuplicateDetected || kinds[1] != events.KindQueued {
		t.Errorf("kinds = %v, want [DuplicateDetected Queued]", kinds)
	}
}

func TestAdmitDuplicateAllowIsSilent(t *testing.T) {
	st := newFakeStore()
	bus := events.New()
	_, ch := bus.Subscribe()

	a := NewAdmitter(st, dupConfig("Allow", "NzbHash", "NzbName", "JobName"), bus)
	ctx := context.Background()

	if _, err := a.Admit(ctx, []byte(sampleNZB), Options{DisplayName: "same.nzb"}); err != nil {
		t.Fatalf("first Admit: %v", err)
	}
	collect(ch)

	if _, err := a.Admit(ctx, []byte(sampleNZB), Options{DisplayName: "same.nzb"}); err != nil {
		t.Fatalf("second Admit: %v", err)
	}

	for _, ev := range collect(ch) {
		if ev.Kind == events.KindDuplicateDetected {
			t.Error("Allow emitted a DuplicateDetected event")
		}
	}
}

func TestAdmitPasswordOverrideWins(t *testing.T) {
	st := newFakeStore()
	a := NewAdmitter(st, config.DuplicateConfig{}, nil)

	id, err := a.Admit(context.Background(), []byte(sampleNZB), Options{
		DisplayName:      "x.nzb",
		PasswordOverride: "override",
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if st.passwords[id] != "override" {
		t.Errorf("password = %q, want the override", st.passwords[id])
	}
}
