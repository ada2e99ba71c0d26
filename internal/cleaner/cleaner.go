package cleaner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"mlm/internal/config"
	"mlm/internal/fileutil"
	"mlm/internal/formats"
	"mlm/internal/identity"
	"mlm/internal/logging"
	"mlm/internal/qbit"
	"mlm/internal/store"
)

// Cleaner detects and enacts supersessions: when a freshly linked torrent
// dominates an older one of the same identity, the older torrent's library
// files are removed, its record is marked replaced, and the owning client is
// retagged per on_cleaned.
type Cleaner struct {
	cfg    *config.Config
	store  *store.Store
	qbits  []*qbit.Instance
	logger *slog.Logger

	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

// New constructs the cleaner.
func New(cfg *config.Config, st *store.Store, qbits []*qbit.Instance, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Cleaner{
		cfg:    cfg,
		store:  st,
		qbits:  qbits,
		logger: logger.With(logging.String(logging.FieldComponent, "cleaner")),
		keys:   make(map[string]*sync.Mutex),
	}
}

// CleanSuperseded compares a just-linked torrent against every live torrent
// sharing its identity and retires the losers. Cleaning is serialized per
// identity key.
func (c *Cleaner) CleanSuperseded(ctx context.Context, linked *store.TrackedTorrent) error {
	key := identity.NewKey(linked.Title, linked.Authors, linked.SeriesNames())
	unlock := c.lockKey(key.Title + "|" + string(linked.MainCat))
	defer unlock()

	group, err := c.store.Tracked(ctx, store.Filter{
		TitleSearch: key.Title,
		MainCat:     linked.MainCat,
		Live:        true,
	})
	if err != nil {
		return err
	}

	// Only linked torrents participate: a same-identity torrent that is still
	// downloading must not be retired before the linker has seen it.
	sameWork := group[:0]
	for _, torrent := range group {
		if !torrent.Linked() {
			continue
		}
		torrentKey := identity.NewKey(torrent.Title, torrent.Authors, torrent.SeriesNames())
		if identity.SameWork(key, torrentKey) {
			sameWork = append(sameWork, torrent)
		}
	}
	if len(sameWork) < 2 {
		return nil
	}

	winner := c.pickWinner(sameWork)
	var firstErr error
	for _, torrent := range sameWork {
		if torrent.InfoHash == winner.InfoHash {
			continue
		}
		if err := c.cleanTorrent(ctx, torrent, winner); err != nil {
			c.recordCleanError(ctx, torrent, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// pickWinner orders a same-identity group by linked format rank (lower
// better), then total size (larger better), then age (older better).
func (c *Cleaner) pickWinner(group []*store.TrackedTorrent) *store.TrackedTorrent {
	preferred := c.cfg.PreferredTypes(string(group[0].MainCat))
	ranked := make([]struct {
		torrent *store.TrackedTorrent
		rank    int
	}, 0, len(group))
	for _, torrent := range group {
		rank := len(preferred) + 1
		if suffix := linkedSuffix(torrent); suffix != "" {
			if r, ok := formats.Rank(preferred, []string{suffix}); ok {
				rank = r
			}
		}
		ranked = append(ranked, struct {
			torrent *store.TrackedTorrent
			rank    int
		}{torrent, rank})
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		if ranked[a].rank != ranked[b].rank {
			return ranked[a].rank < ranked[b].rank
		}
		if ranked[a].torrent.SizeBytes != ranked[b].torrent.SizeBytes {
			return ranked[a].torrent.SizeBytes > ranked[b].torrent.SizeBytes
		}
		return ranked[a].torrent.CreatedAt.Before(ranked[b].torrent.CreatedAt)
	})
	return ranked[0].torrent
}

// linkedSuffix returns the format the linker chose for the torrent's main
// category, or "" when the torrent was never linked.
func linkedSuffix(torrent *store.TrackedTorrent) string {
	if torrent.MainCat == store.MainCatAudio {
		if torrent.SelectedAudioFormat != "" {
			return torrent.SelectedAudioFormat
		}
		return torrent.SelectedEbookFormat
	}
	if torrent.SelectedEbookFormat != "" {
		return torrent.SelectedEbookFormat
	}
	return torrent.SelectedAudioFormat
}

func (c *Cleaner) cleanTorrent(ctx context.Context, loser, winner *store.TrackedTorrent) error {
	removedFiles := append([]string{}, loser.LibraryFiles...)
	libraryPath := loser.LibraryPath

	if libraryPath != "" {
		if err := c.removeLibraryFiles(loser); err != nil {
			return fmt.Errorf("remove library files: %w", err)
		}
	}

	if err := c.store.MarkReplaced(ctx, loser.InfoHash, winner.InfoHash); err != nil {
		return fmt.Errorf("mark replaced: %w", err)
	}

	c.applyOnCleaned(ctx, loser)

	event := store.NewEvent(store.EventCleaned, loser.InfoHash, loser.MamID, map[string]any{
		"library_path": libraryPath,
		"files":        removedFiles,
		"replacement":  winner.InfoHash,
	})
	if err := c.store.AppendEvent(ctx, event); err != nil {
		return err
	}

	c.logger.Info("cleaned superseded torrent",
		logging.String(logging.FieldHash, loser.InfoHash),
		logging.String("replacement", winner.InfoHash),
		logging.Int("files", len(removedFiles)),
	)
	return nil
}

// removeLibraryFiles deletes exactly the files the linker created, plus
// orphaned sidecars when the leaf directory is otherwise empty, then prunes
// empty parents up to the owning library root.
func (c *Cleaner) removeLibraryFiles(loser *store.TrackedTorrent) error {
	libraryPath := loser.LibraryPath
	for _, rel := range loser.LibraryFiles {
		path := filepath.Join(libraryPath, rel)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if sub := filepath.Dir(path); sub != libraryPath {
			_ = os.Remove(sub)
		}
	}

	// The leaf may still hold the sidecar and cover the linker wrote; remove
	// them only when nothing else remains.
	if entries, err := os.ReadDir(libraryPath); err == nil {
		onlySidecars := true
		for _, entry := range entries {
			name := entry.Name()
			if name != "metadata.json" && name != "cover.jpg" && name != "cover.png" {
				onlySidecars = false
				break
			}
		}
		if onlySidecars {
			for _, entry := range entries {
				_ = os.Remove(filepath.Join(libraryPath, entry.Name()))
			}
		}
	}
	_ = os.Remove(libraryPath)

	if root := c.libraryRootFor(libraryPath); root != "" {
		fileutil.RemoveEmptyParents(filepath.Dir(libraryPath), root)
	}
	return nil
}

// libraryRootFor finds the configured library root containing a path.
func (c *Cleaner) libraryRootFor(path string) string {
	cleaned := filepath.Clean(path)
	for i := range c.cfg.Libraries {
		root := filepath.Clean(c.cfg.Libraries[i].LibraryDir)
		if root != "" && strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
			return root
		}
	}
	return ""
}

// applyOnCleaned retags the torrent on every instance configured with an
// on_cleaned action. The torrent itself is never deleted from the client.
func (c *Cleaner) applyOnCleaned(ctx context.Context, loser *store.TrackedTorrent) {
	for _, instance := range c.qbits {
		action := instance.Config.OnCleaned
		if action == nil {
			continue
		}
		if action.Category != "" {
			if err := instance.Client.SetCategory(ctx, loser.InfoHash, action.Category); err != nil {
				c.logger.Warn("on_cleaned category failed",
					logging.String(logging.FieldHash, loser.InfoHash),
					logging.Error(err),
				)
			}
		}
		if len(action.Tags) > 0 {
			if err := instance.Client.AddTags(ctx, loser.InfoHash, action.Tags); err != nil {
				c.logger.Warn("on_cleaned tags failed",
					logging.String(logging.FieldHash, loser.InfoHash),
					logging.Error(err),
				)
			}
		}
	}
}

func (c *Cleaner) recordCleanError(ctx context.Context, loser *store.TrackedTorrent, err error) {
	event := store.NewEvent(store.EventError, loser.InfoHash, loser.MamID, map[string]any{
		"kind":    "clean",
		"message": err.Error(),
	})
	if appendErr := c.store.AppendEvent(ctx, event); appendErr != nil {
		c.logger.Warn("error event write failed", logging.Error(appendErr))
	}
	c.logger.Warn("clean failed",
		logging.String(logging.FieldHash, loser.InfoHash),
		logging.Error(err),
	)
}

func (c *Cleaner) lockKey(key string) func() {
	c.mu.Lock()
	lock, ok := c.keys[key]
	if !ok {
		lock = &sync.Mutex{}
		c.keys[key] = lock
	}
	c.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}
