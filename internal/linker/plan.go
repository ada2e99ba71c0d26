package linker

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"mlm/internal/config"
	"mlm/internal/formats"
	"mlm/internal/store"
	"mlm/internal/textutil"
)

// discPattern recognizes multi-disc subdirectories in torrent layouts.
var discPattern = regexp.MustCompile(`(?i)(?:CD|Disc|Disk)\s*(\d+)`)

// auxiliary file names linked alongside a selected format.
var auxNames = map[string]struct{}{
	"cover.jpg":    {},
	"cover.png":    {},
	"metadata.opf": {},
}

// FilePlan maps one torrent file to its library destination.
type FilePlan struct {
	SourcePath  string
	TargetPath  string
	RelativeLib string
}

// libraryFilePath flattens a torrent-relative file path for the library:
// ancestors matching a disc pattern collapse to "Disc N/<file>", everything
// else keeps only the file name.
func libraryFilePath(torrentPath string) string {
	parts := strings.Split(filepath.ToSlash(torrentPath), "/")
	fileName := parts[len(parts)-1]
	for i := len(parts) - 2; i >= 0; i-- {
		if match := discPattern.FindStringSubmatch(parts[i]); match != nil {
			return filepath.Join("Disc "+match[1], fileName)
		}
	}
	return fileName
}

// LibraryDir computes the destination leaf directory for a torrent under a
// rule's library root, or an error when no safe path can be built.
func LibraryDir(excludeNarrator bool, rule *config.LibraryRule, meta *store.TorrentMeta) (string, error) {
	author := "Unknown Author"
	if len(meta.Authors) > 0 {
		author = meta.Authors[0]
	}
	authorSegment := textutil.SanitizePathComponent(author)
	if authorSegment == "" {
		authorSegment = "Unknown Author"
	}

	titleSegment := textutil.SanitizePathComponent(meta.Title)
	if titleSegment == "" {
		return "", fmt.Errorf("title %q sanitizes to nothing", meta.Title)
	}

	var series *store.Series
	for i := range meta.Series {
		if meta.Series[i].Index != "" {
			series = &meta.Series[i]
			break
		}
	}
	if series == nil && len(meta.Series) > 0 {
		series = &meta.Series[0]
	}

	leaf := titleSegment
	var seriesSegment string
	if series != nil {
		seriesSegment = textutil.SanitizePathComponent(series.Name)
		if seriesSegment == "" {
			return "", fmt.Errorf("series name %q sanitizes to nothing", series.Name)
		}
		if series.Index != "" {
			leaf = textutil.SanitizePathComponent(
				fmt.Sprintf("%s #%s - %s", series.Name, series.Index, meta.Title),
			)
		}
	}

	if meta.MainCat == store.MainCatAudio && !excludeNarrator && len(meta.Narrators) > 0 {
		leaf = textutil.SanitizePathComponent(fmt.Sprintf("%s {%s}", leaf, meta.Narrators[0]))
	}
	if leaf == "" {
		return "", fmt.Errorf("leaf for %q sanitizes to nothing", meta.Title)
	}

	segments := []string{rule.LibraryDir, authorSegment}
	if seriesSegment != "" {
		segments = append(segments, seriesSegment)
	}
	segments = append(segments, leaf)
	dir := filepath.Join(segments...)

	// Sanitized components cannot contain separators or "..", but verify the
	// result stays inside the library root before touching the filesystem.
	root := filepath.Clean(rule.LibraryDir)
	if dir != root && !strings.HasPrefix(dir, root+string(filepath.Separator)) {
		return "", fmt.Errorf("destination %q escapes library root %q", dir, root)
	}
	return dir, nil
}

// selectFormats picks at most one audio and one ebook suffix for a torrent's
// files, preferring per-rule overrides over the global lists.
func selectFormats(cfg *config.Config, rule *config.LibraryRule, fileNames []string) (audio, ebook string) {
	audioPref := rule.AudioTypes
	if len(audioPref) == 0 {
		audioPref = cfg.AudioTypes
	}
	ebookPref := rule.EbookTypes
	if len(ebookPref) == 0 {
		ebookPref = cfg.EbookTypes
	}
	return formats.Select(audioPref, fileNames), formats.Select(ebookPref, fileNames)
}

// planFiles lists the links to materialize: every file of a selected suffix
// plus the auxiliary files, flattened into the destination directory.
func planFiles(sourceRoot, destDir string, fileNames []string, audioFormat, ebookFormat string) []FilePlan {
	var plans []FilePlan
	for _, name := range fileNames {
		suffix := formats.Suffix(name)
		base := strings.ToLower(filepath.Base(name))
		_, isAux := auxNames[base]
		wanted := (audioFormat != "" && suffix == audioFormat) ||
			(ebookFormat != "" && suffix == ebookFormat) ||
			isAux
		if !wanted {
			continue
		}
		rel := libraryFilePath(name)
		plans = append(plans, FilePlan{
			SourcePath:  filepath.Join(sourceRoot, filepath.FromSlash(name)),
			TargetPath:  filepath.Join(destDir, rel),
			RelativeLib: rel,
		})
	}
	return plans
}
