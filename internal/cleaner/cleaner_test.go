package cleaner_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mlm/internal/cleaner"
	"mlm/internal/config"
	"mlm/internal/qbit"
	"mlm/internal/store"
	"mlm/internal/testsupport"
)

type fakeClient struct {
	categories map[string]string
	tags       map[string][]string
	deletes    int
}

func newFakeClient() *fakeClient {
	return &fakeClient{categories: map[string]string{}, tags: map[string][]string{}}
}

func (f *fakeClient) List(context.Context) ([]qbit.Torrent, error)              { return nil, nil }
func (f *fakeClient) Files(context.Context, string) ([]qbit.TorrentFile, error) { return nil, nil }
func (f *fakeClient) Add(context.Context, []byte, qbit.AddOptions) error        { return nil }

func (f *fakeClient) SetCategory(_ context.Context, hash, category string) error {
	f.categories[hash] = category
	return nil
}

func (f *fakeClient) AddTags(_ context.Context, hash string, tags []string) error {
	f.tags[hash] = append(f.tags[hash], tags...)
	return nil
}

func (f *fakeClient) Delete(context.Context, string, bool) error {
	f.deletes++
	return nil
}

type fixture struct {
	cfg     *config.Config
	store   *store.Store
	client  *fakeClient
	cleaner *cleaner.Cleaner
	library string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	library := filepath.Join(t.TempDir(), "library")
	if err := os.MkdirAll(library, 0o755); err != nil {
		t.Fatalf("mkdir library: %v", err)
	}

	cfg := testsupport.NewConfig(t, testsupport.WithLibraryRule(config.LibraryRule{
		Category:   "audiobooks",
		LibraryDir: library,
		Method:     config.MethodHardlink,
	}))
	cfg.QBittorrent = []config.QbitInstance{{
		URL:       "http://localhost:8080",
		OnCleaned: &config.QbitUpdate{Category: "replaced", Tags: []string{"superseded"}},
	}}
	st := testsupport.MustOpenStore(t, cfg)
	client := newFakeClient()
	instances := []*qbit.Instance{{Config: cfg.QBittorrent[0], Client: client}}
	return &fixture{
		cfg:     cfg,
		store:   st,
		client:  client,
		cleaner: cleaner.New(cfg, st, instances, nil),
		library: library,
	}
}

// linkOnDisk persists library state for a torrent and writes its files.
func (f *fixture) linkOnDisk(t *testing.T, torrent *store.TrackedTorrent, leaf string, files []string, audioFormat string) {
	t.Helper()
	dir := filepath.Join(f.library, leaf)
	for _, rel := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}
	ctx := context.Background()
	if err := f.store.UpsertTracked(ctx, torrent); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := f.store.SetLibrary(ctx, torrent.InfoHash, dir, files, audioFormat, ""); err != nil {
		t.Fatalf("SetLibrary: %v", err)
	}
}

func TestFormatUpgradeSupersedes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	oldTorrent := testsupport.NewTracked("hash-mp3", 1, "The Way of Kings",
		testsupport.WithAuthors("Brandon Sanderson"),
		testsupport.WithFiletypes("mp3"),
		testsupport.WithSeries("The Stormlight Archive", "1"))
	f.linkOnDisk(t, oldTorrent, "old-leaf", []string{"a.mp3"}, "mp3")

	newTorrent := testsupport.NewTracked("hash-m4b", 2, "The Way of Kings",
		testsupport.WithAuthors("Brandon Sanderson"),
		testsupport.WithFiletypes("m4b"),
		testsupport.WithSeries("The Stormlight Archive", "1"))
	f.linkOnDisk(t, newTorrent, "new-leaf", []string{"a.m4b"}, "m4b")

	linked, err := f.store.FindByHash(ctx, "hash-m4b")
	if err != nil {
		t.Fatalf("FindByHash: %v", err)
	}
	if err := f.cleaner.CleanSuperseded(ctx, linked); err != nil {
		t.Fatalf("CleanSuperseded: %v", err)
	}

	replaced, err := f.store.FindByHash(ctx, "hash-mp3")
	if err != nil {
		t.Fatalf("FindByHash: %v", err)
	}
	if replaced.ReplacedWith != "hash-m4b" {
		t.Fatalf("replaced_with = %q, want hash-m4b", replaced.ReplacedWith)
	}
	if replaced.LibraryPath != "" || len(replaced.LibraryFiles) != 0 {
		t.Fatalf("library state not cleared: %#v", replaced)
	}
	if _, err := os.Stat(filepath.Join(f.library, "old-leaf", "a.mp3")); !os.IsNotExist(err) {
		t.Fatalf("old file must be removed, stat err %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.library, "old-leaf")); !os.IsNotExist(err) {
		t.Fatalf("old leaf dir must be removed, stat err %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.library, "new-leaf", "a.m4b")); err != nil {
		t.Fatalf("winner's files must stay: %v", err)
	}

	if got := f.client.categories["hash-mp3"]; got != "replaced" {
		t.Fatalf("on_cleaned category = %q", got)
	}
	if got := f.client.tags["hash-mp3"]; len(got) != 1 || got[0] != "superseded" {
		t.Fatalf("on_cleaned tags = %#v", got)
	}
	if f.client.deletes != 0 {
		t.Fatal("cleaner must never delete torrents from the client")
	}

	events, err := f.store.Events(ctx, 10, store.EventCleaned)
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one Cleaned event, got %v err %v", events, err)
	}
	payload := events[0].Payload
	if payload["replacement"] != "hash-m4b" {
		t.Fatalf("unexpected Cleaned payload: %#v", payload)
	}
	files, _ := payload["files"].([]any)
	if len(files) != 1 || files[0] != "a.mp3" {
		t.Fatalf("Cleaned payload files = %#v", payload["files"])
	}
}

func TestEqualRankTieBreaksBySize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	small := testsupport.NewTracked("hash-small", 1, "Same Book",
		testsupport.WithFiletypes("m4b"))
	small.SizeBytes = 100
	f.linkOnDisk(t, small, "small-leaf", []string{"a.m4b"}, "m4b")

	large := testsupport.NewTracked("hash-large", 2, "Same Book",
		testsupport.WithFiletypes("m4b"))
	large.SizeBytes = 200
	f.linkOnDisk(t, large, "large-leaf", []string{"b.m4b"}, "m4b")

	linked, _ := f.store.FindByHash(ctx, "hash-large")
	if err := f.cleaner.CleanSuperseded(ctx, linked); err != nil {
		t.Fatalf("CleanSuperseded: %v", err)
	}

	smallAfter, _ := f.store.FindByHash(ctx, "hash-small")
	largeAfter, _ := f.store.FindByHash(ctx, "hash-large")
	if smallAfter.ReplacedWith != "hash-large" {
		t.Fatalf("smaller torrent must lose the tie: %#v", smallAfter)
	}
	if largeAfter.Replaced() {
		t.Fatal("larger torrent must survive")
	}
}

func TestEqualRankAndSizeKeepsOlder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	older := testsupport.NewTracked("hash-older", 1, "Same Book",
		testsupport.WithFiletypes("m4b"))
	older.CreatedAt = time.Now().UTC().Add(-24 * time.Hour)
	f.linkOnDisk(t, older, "older-leaf", []string{"a.m4b"}, "m4b")

	newer := testsupport.NewTracked("hash-newer", 2, "Same Book",
		testsupport.WithFiletypes("m4b"))
	f.linkOnDisk(t, newer, "newer-leaf", []string{"b.m4b"}, "m4b")

	linked, _ := f.store.FindByHash(ctx, "hash-newer")
	if err := f.cleaner.CleanSuperseded(ctx, linked); err != nil {
		t.Fatalf("CleanSuperseded: %v", err)
	}

	newerAfter, _ := f.store.FindByHash(ctx, "hash-newer")
	olderAfter, _ := f.store.FindByHash(ctx, "hash-older")
	if newerAfter.ReplacedWith != "hash-older" {
		t.Fatalf("newer duplicate must lose the final tie: %#v", newerAfter)
	}
	if olderAfter.Replaced() {
		t.Fatal("older torrent must survive")
	}
}

func TestDifferentAuthorsAreNotSuperseded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := testsupport.NewTracked("hash-one", 1, "Common Title",
		testsupport.WithAuthors("Author One"),
		testsupport.WithFiletypes("mp3"))
	f.linkOnDisk(t, first, "one-leaf", []string{"a.mp3"}, "mp3")

	second := testsupport.NewTracked("hash-two", 2, "Common Title",
		testsupport.WithAuthors("Author Two"),
		testsupport.WithFiletypes("m4b"))
	f.linkOnDisk(t, second, "two-leaf", []string{"b.m4b"}, "m4b")

	linked, _ := f.store.FindByHash(ctx, "hash-two")
	if err := f.cleaner.CleanSuperseded(ctx, linked); err != nil {
		t.Fatalf("CleanSuperseded: %v", err)
	}

	firstAfter, _ := f.store.FindByHash(ctx, "hash-one")
	if firstAfter.Replaced() {
		t.Fatal("different works must not supersede each other")
	}
}

func TestDifferentMainCatsAreIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	audio := testsupport.NewTracked("hash-audio", 1, "Same Title",
		testsupport.WithFiletypes("m4b"))
	f.linkOnDisk(t, audio, "audio-leaf", []string{"a.m4b"}, "m4b")

	ebook := testsupport.NewTracked("hash-ebook", 2, "Same Title",
		testsupport.WithMainCat(store.MainCatEbook),
		testsupport.WithFiletypes("epub"))
	f.linkOnDisk(t, ebook, "ebook-leaf", []string{"b.epub"}, "")
	if err := f.store.SetLibrary(ctx, "hash-ebook", filepath.Join(f.library, "ebook-leaf"), []string{"b.epub"}, "", "epub"); err != nil {
		t.Fatalf("SetLibrary: %v", err)
	}

	linked, _ := f.store.FindByHash(ctx, "hash-ebook")
	if err := f.cleaner.CleanSuperseded(ctx, linked); err != nil {
		t.Fatalf("CleanSuperseded: %v", err)
	}

	audioAfter, _ := f.store.FindByHash(ctx, "hash-audio")
	if audioAfter.Replaced() {
		t.Fatal("an ebook must not supersede the audiobook of the same work")
	}
}
