package linker_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"mlm/internal/cleaner"
	"mlm/internal/linker"
	"mlm/internal/qbit"
	"mlm/internal/store"
	"mlm/internal/testsupport"
)

// TestFormatUpgradeFlow drives the linker and cleaner together: an owned mp3
// audiobook is superseded once the m4b edition of the same work finishes
// downloading.
func TestFormatUpgradeFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	clean := cleaner.New(f.cfg, f.store, []*qbit.Instance{{Client: f.client}}, nil)
	l := linker.New(f.cfg, f.store, []*qbit.Instance{{Client: f.client}}, clean, nil)

	oldTorrent := testsupport.NewTracked("hash-mp3", 1, "The Way of Kings",
		testsupport.WithAuthors("Brandon Sanderson"),
		testsupport.WithFiletypes("mp3"),
		testsupport.WithSeries("The Stormlight Archive", "1"))
	if err := f.store.UpsertTracked(ctx, oldTorrent); err != nil {
		t.Fatalf("seed old: %v", err)
	}
	f.addTorrent(t, "hash-mp3", []string{"a.mp3"})

	// First tick links the mp3 edition.
	if _, err := l.Tick(ctx); err != nil {
		t.Fatalf("first Tick: %v", err)
	}
	linkedOld, _ := f.store.FindByHash(ctx, "hash-mp3")
	if !linkedOld.Linked() {
		t.Fatalf("mp3 edition should be linked: %#v", linkedOld)
	}
	oldPath := linkedOld.LibraryPath

	// The m4b edition arrives and completes.
	newTorrent := testsupport.NewTracked("hash-m4b", 2, "The Way of Kings",
		testsupport.WithAuthors("Brandon Sanderson"),
		testsupport.WithFiletypes("m4b"),
		testsupport.WithSeries("The Stormlight Archive", "1"))
	if err := f.store.UpsertTracked(ctx, newTorrent); err != nil {
		t.Fatalf("seed new: %v", err)
	}
	f.addTorrent(t, "hash-m4b", []string{"a.m4b"})

	if _, err := l.Tick(ctx); err != nil {
		t.Fatalf("second Tick: %v", err)
	}

	newAfter, _ := f.store.FindByHash(ctx, "hash-m4b")
	oldAfter, _ := f.store.FindByHash(ctx, "hash-mp3")
	if !newAfter.Linked() || newAfter.Replaced() {
		t.Fatalf("m4b edition must be linked and live: %#v", newAfter)
	}
	if oldAfter.ReplacedWith != "hash-m4b" {
		t.Fatalf("mp3 edition must be replaced by hash-m4b: %#v", oldAfter)
	}
	if oldAfter.LibraryPath != "" || len(oldAfter.LibraryFiles) != 0 {
		t.Fatalf("mp3 library state must be cleared: %#v", oldAfter)
	}
	if _, err := os.Stat(filepath.Join(oldPath, "a.mp3")); !os.IsNotExist(err) {
		t.Fatalf("mp3 files must be gone from disk, stat err %v", err)
	}
	if _, err := os.Stat(filepath.Join(newAfter.LibraryPath, "a.m4b")); err != nil {
		t.Fatalf("m4b file must exist: %v", err)
	}

	// Both editions share the identity, so they share the library leaf.
	if newAfter.LibraryPath != oldPath {
		t.Logf("note: leaf moved from %q to %q", oldPath, newAfter.LibraryPath)
	}

	// Event trail: Grabbed is the selector's job; here Linked x2 + Cleaned x1.
	linkedEvents, _ := f.store.Events(ctx, 10, store.EventLinked)
	cleanedEvents, _ := f.store.Events(ctx, 10, store.EventCleaned)
	if len(linkedEvents) != 2 {
		t.Fatalf("expected 2 Linked events, got %d", len(linkedEvents))
	}
	if len(cleanedEvents) != 1 {
		t.Fatalf("expected 1 Cleaned event, got %d", len(cleanedEvents))
	}
	if cleanedEvents[0].Payload["replacement"] != "hash-m4b" {
		t.Fatalf("unexpected Cleaned payload: %#v", cleanedEvents[0].Payload)
	}

	// At most one live linked torrent per identity and category.
	hasPath := true
	all, err := f.store.Tracked(ctx, store.Filter{
		TitleSearch:    newAfter.TitleSearch,
		MainCat:        store.MainCatAudio,
		HasLibraryPath: &hasPath,
		Live:           true,
	})
	if err != nil {
		t.Fatalf("Tracked: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("identity invariant violated: %d live linked torrents", len(all))
	}
}
