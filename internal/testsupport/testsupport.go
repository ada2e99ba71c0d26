// Package testsupport provides shared fixtures for package tests: temp-dir
// configs, open stores, and tracked-torrent builders.
package testsupport

import (
	"path/filepath"
	"testing"
	"time"

	"mlm/internal/config"
	"mlm/internal/identity"
	"mlm/internal/store"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.MamID = "test-session"
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithLibraryRule appends a library rule to the test config.
func WithLibraryRule(rule config.LibraryRule) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Libraries = append(cfg.Libraries, rule)
	}
}

// MustOpenStore opens a store under the config's data dir and closes it when
// the test finishes.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()
	s, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

// TorrentOption customizes a generated tracked torrent.
type TorrentOption func(*store.TrackedTorrent)

// NewTracked builds a minimal audio tracked torrent for tests.
func NewTracked(hash string, mamID int64, title string, opts ...TorrentOption) *store.TrackedTorrent {
	torrent := &store.TrackedTorrent{
		TorrentMeta: store.TorrentMeta{
			MamID:     mamID,
			InfoHash:  hash,
			MainCat:   store.MainCatAudio,
			Title:     title,
			Authors:   []string{"Test Author"},
			Filetypes: []string{"m4b"},
			SizeBytes: 1 << 20,
			Cost:      store.CostGlobalFreeleech,
			CreatedAt: time.Now().UTC(),
		},
		TitleSearch: identity.Normalize(title),
	}
	for _, opt := range opts {
		opt(torrent)
	}
	return torrent
}

// WithMainCat overrides the torrent's main category.
func WithMainCat(cat store.MainCat) TorrentOption {
	return func(t *store.TrackedTorrent) {
		t.MainCat = cat
	}
}

// WithAuthors overrides the torrent's author list.
func WithAuthors(authors ...string) TorrentOption {
	return func(t *store.TrackedTorrent) {
		t.Authors = authors
	}
}

// WithFiletypes overrides the torrent's filetype set.
func WithFiletypes(types ...string) TorrentOption {
	return func(t *store.TrackedTorrent) {
		t.Filetypes = types
	}
}

// WithCategory sets the torrent-client category.
func WithCategory(category string) TorrentOption {
	return func(t *store.TrackedTorrent) {
		t.Category = category
	}
}

// WithDownloadDir sets the torrent-client save path.
func WithDownloadDir(dir string) TorrentOption {
	return func(t *store.TrackedTorrent) {
		t.DownloadDir = dir
	}
}

// WithSeries appends a series membership.
func WithSeries(name, index string) TorrentOption {
	return func(t *store.TrackedTorrent) {
		t.Series = append(t.Series, store.Series{Name: name, Index: index})
	}
}
