package linker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"mlm/internal/config"
	"mlm/internal/fileutil"
	"mlm/internal/logging"
	"mlm/internal/qbit"
	"mlm/internal/store"
)

// errPermanent marks per-torrent failures that should stick to the torrent
// record and suppress retries until cleared.
var errPermanent = errors.New("permanent torrent error")

// Cleaner is invoked for every freshly linked torrent so supersessions are
// enacted immediately rather than on the next cleaning pass.
type Cleaner interface {
	CleanSuperseded(ctx context.Context, linked *store.TrackedTorrent) error
}

// Linker materializes a canonical on-disk layout for completed torrents.
type Linker struct {
	cfg     *config.Config
	store   *store.Store
	qbits   []*qbit.Instance
	cleaner Cleaner
	logger  *slog.Logger
}

// New constructs the linker loop.
func New(cfg *config.Config, st *store.Store, qbits []*qbit.Instance, cleaner Cleaner, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Linker{
		cfg:     cfg,
		store:   st,
		qbits:   qbits,
		cleaner: cleaner,
		logger:  logger.With(logging.String(logging.FieldComponent, "linker")),
	}
}

// Tick links every completed, unreplaced tracked torrent that matches a
// library rule. Returns the number of torrents newly linked.
func (l *Linker) Tick(ctx context.Context) (int, error) {
	linked := 0
	for _, instance := range l.qbits {
		count, err := l.tickInstance(ctx, instance)
		linked += count
		if err != nil {
			if ctx.Err() != nil {
				return linked, ctx.Err()
			}
			l.logger.Warn("instance tick failed", logging.Error(err))
		}
	}
	return linked, nil
}

func (l *Linker) tickInstance(ctx context.Context, instance *qbit.Instance) (int, error) {
	torrents, err := instance.Client.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list torrents: %w", err)
	}

	linked := 0
	for i := range torrents {
		if err := ctx.Err(); err != nil {
			return linked, err
		}
		clientTorrent := &torrents[i]
		if !clientTorrent.Completed() {
			continue
		}

		tracked, err := l.store.FindByHash(ctx, clientTorrent.Hash)
		if err != nil {
			return linked, err
		}
		if tracked == nil || tracked.Replaced() {
			continue
		}
		if tracked.ErrorMessage != "" {
			// Permanent error: skipped until cleared.
			continue
		}

		if err := l.syncClientState(ctx, tracked, instance, clientTorrent); err != nil {
			l.logger.Warn("client state sync failed",
				logging.String(logging.FieldHash, clientTorrent.Hash),
				logging.Error(err),
			)
			continue
		}

		rule := matchRule(l.cfg.Libraries, clientTorrent)
		if rule == nil {
			continue
		}

		didLink, err := l.linkTorrent(ctx, instance, rule, clientTorrent, tracked)
		if err != nil {
			l.recordLinkError(ctx, tracked, err)
			continue
		}
		if !didLink {
			continue
		}
		linked++

		fresh, err := l.store.FindByHash(ctx, tracked.InfoHash)
		if err != nil || fresh == nil {
			l.logger.Warn("reload after link failed",
				logging.String(logging.FieldHash, tracked.InfoHash),
				logging.Error(err),
			)
			continue
		}
		if l.cleaner != nil {
			if err := l.cleaner.CleanSuperseded(ctx, fresh); err != nil {
				l.logger.Warn("supersession cleaning failed",
					logging.String(logging.FieldHash, tracked.InfoHash),
					logging.Error(err),
				)
			}
		}
	}
	return linked, nil
}

// matchRule returns the first configured rule matching the torrent, or nil.
// A rule matches by category equality or download-dir prefix, then by its
// allow/deny tag predicates.
func matchRule(rules []config.LibraryRule, torrent *qbit.Torrent) *config.LibraryRule {
	for i := range rules {
		rule := &rules[i]
		switch {
		case rule.Category != "":
			if torrent.Category != rule.Category {
				continue
			}
		case rule.DownloadDir != "":
			if !pathHasPrefix(torrent.SavePath, rule.DownloadDir) {
				continue
			}
		default:
			continue
		}

		denied := false
		for _, tag := range rule.DenyTags {
			if torrent.HasTag(tag) {
				denied = true
				break
			}
		}
		if denied {
			continue
		}
		if len(rule.AllowTags) > 0 {
			allowed := false
			for _, tag := range rule.AllowTags {
				if torrent.HasTag(tag) {
					allowed = true
					break
				}
			}
			if !allowed {
				continue
			}
		}
		return rule
	}
	return nil
}

func pathHasPrefix(path, prefix string) bool {
	cleanedPath := filepath.Clean(path)
	cleanedPrefix := filepath.Clean(prefix)
	return cleanedPath == cleanedPrefix ||
		strings.HasPrefix(cleanedPath, cleanedPrefix+string(filepath.Separator))
}

// syncClientState persists category, tags, and save path as reported by the
// client when they drift from the stored record.
func (l *Linker) syncClientState(ctx context.Context, tracked *store.TrackedTorrent, instance *qbit.Instance, clientTorrent *qbit.Torrent) error {
	downloadDir := instance.MapPath(clientTorrent.SavePath)
	changed := tracked.Category != clientTorrent.Category ||
		tracked.DownloadDir != downloadDir ||
		!equalStrings(tracked.Tags, clientTorrent.Tags)
	if !changed {
		return nil
	}
	tracked.Category = clientTorrent.Category
	tracked.DownloadDir = downloadDir
	tracked.Tags = clientTorrent.Tags
	return l.store.UpsertTracked(ctx, tracked)
}

// linkTorrent materializes the library tree for one torrent. Returns false
// when the linker was a no-op (already linked and intact).
func (l *Linker) linkTorrent(ctx context.Context, instance *qbit.Instance, rule *config.LibraryRule, clientTorrent *qbit.Torrent, tracked *store.TrackedTorrent) (bool, error) {
	files, err := instance.Client.Files(ctx, clientTorrent.Hash)
	if err != nil {
		return false, fmt.Errorf("list files: %w", err)
	}
	fileNames := make([]string, 0, len(files))
	for _, file := range files {
		fileNames = append(fileNames, file.Name)
	}

	audioFormat, ebookFormat := selectFormats(l.cfg, rule, fileNames)
	if audioFormat == "" && ebookFormat == "" {
		return false, fmt.Errorf("%w: no wanted formats among %d files", errPermanent, len(files))
	}

	destDir, err := LibraryDir(l.cfg.ExcludeNarratorInLibraryDir, rule, &tracked.TorrentMeta)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errPermanent, err)
	}

	sourceRoot := instance.MapPath(clientTorrent.SavePath)
	plans := planFiles(sourceRoot, destDir, fileNames, audioFormat, ebookFormat)
	if len(plans) == 0 {
		return false, fmt.Errorf("%w: format selection produced no files", errPermanent)
	}

	relFiles := make([]string, 0, len(plans))
	for _, plan := range plans {
		relFiles = append(relFiles, plan.RelativeLib)
	}
	sort.Strings(relFiles)

	if tracked.LibraryPath == destDir && l.allLinksIntact(rule.Method, plans) {
		l.removeUnexpected(tracked, relFiles)
		return false, nil
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return false, fmt.Errorf("create destination: %w", err)
	}
	for _, plan := range plans {
		if parent := filepath.Dir(plan.TargetPath); parent != destDir {
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return false, fmt.Errorf("create disc directory: %w", err)
			}
		}
		if linkedCorrectly(rule.Method, plan.SourcePath, plan.TargetPath) {
			continue
		}
		if err := materialize(rule.Method, plan.SourcePath, plan.TargetPath); err != nil {
			return false, fmt.Errorf("materialize %s: %w", plan.RelativeLib, err)
		}
	}

	if err := l.writeSidecar(destDir, &tracked.TorrentMeta); err != nil {
		return false, fmt.Errorf("write sidecar: %w", err)
	}

	if tracked.LibraryPath != "" && tracked.LibraryPath != destDir {
		// The destination moved (metadata or rule change): clear the old tree.
		l.removeUnexpected(tracked, nil)
	} else {
		l.removeUnexpected(tracked, relFiles)
	}

	if err := l.store.SetLibrary(ctx, tracked.InfoHash, destDir, relFiles, audioFormat, ebookFormat); err != nil {
		return false, err
	}
	event := store.NewEvent(store.EventLinked, tracked.InfoHash, tracked.MamID, map[string]any{
		"library_path": destDir,
		"files":        relFiles,
	})
	if err := l.store.AppendEvent(ctx, event); err != nil {
		return false, err
	}

	l.logger.Info("linked torrent",
		logging.String(logging.FieldHash, tracked.InfoHash),
		logging.String("library_path", destDir),
		logging.Int("files", len(relFiles)),
	)
	return true, nil
}

func (l *Linker) allLinksIntact(method config.LinkMethod, plans []FilePlan) bool {
	for _, plan := range plans {
		if !linkedCorrectly(method, plan.SourcePath, plan.TargetPath) {
			return false
		}
	}
	return true
}

// removeUnexpected deletes previously linked files that the new plan no
// longer expects, only ever under the torrent's own library path.
func (l *Linker) removeUnexpected(tracked *store.TrackedTorrent, expected []string) {
	if tracked.LibraryPath == "" {
		return
	}
	want := make(map[string]struct{}, len(expected))
	for _, rel := range expected {
		want[rel] = struct{}{}
	}
	for _, rel := range tracked.LibraryFiles {
		if _, ok := want[rel]; ok {
			continue
		}
		stale := filepath.Join(tracked.LibraryPath, rel)
		if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("stale file removal failed",
				logging.String("path", stale),
				logging.Error(err),
			)
			continue
		}
		fileutil.RemoveEmptyParents(filepath.Dir(stale), tracked.LibraryPath)
	}
}

type sidecar struct {
	Title     string         `json:"title"`
	Authors   []string       `json:"authors"`
	Narrators []string       `json:"narrators"`
	Series    []store.Series `json:"series"`
	Language  string         `json:"language"`
	MainCat   store.MainCat  `json:"main_cat"`
	MamID     int64          `json:"mam_id"`
	SizeBytes int64          `json:"size_bytes"`
}

func (l *Linker) writeSidecar(destDir string, meta *store.TorrentMeta) error {
	payload := sidecar{
		Title:     meta.Title,
		Authors:   orEmpty(meta.Authors),
		Narrators: orEmpty(meta.Narrators),
		Series:    meta.Series,
		Language:  meta.Language,
		MainCat:   meta.MainCat,
		MamID:     meta.MamID,
		SizeBytes: meta.SizeBytes,
	}
	if payload.Series == nil {
		payload.Series = []store.Series{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(destDir, "metadata.json"), data, 0o644)
}

func (l *Linker) recordLinkError(ctx context.Context, tracked *store.TrackedTorrent, err error) {
	event := store.NewEvent(store.EventError, tracked.InfoHash, tracked.MamID, map[string]any{
		"kind":    "link",
		"message": err.Error(),
	})
	if appendErr := l.store.AppendEvent(ctx, event); appendErr != nil {
		l.logger.Warn("error event write failed", logging.Error(appendErr))
	}
	if errors.Is(err, errPermanent) {
		if setErr := l.store.SetTorrentError(ctx, tracked.InfoHash, err.Error()); setErr != nil {
			l.logger.Warn("error record write failed", logging.Error(setErr))
		}
	}
	l.logger.Warn("link failed",
		logging.String(logging.FieldHash, tracked.InfoHash),
		logging.Error(err),
	)
}

func orEmpty(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
