package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Tracker contains connection settings for the MaM tracker API.
type Tracker struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// QbitUpdate describes category/tag changes applied to a torrent in qBittorrent.
type QbitUpdate struct {
	Category string   `toml:"category"`
	Tags     []string `toml:"tags"`
}

// QbitInstance contains connection settings for one qBittorrent instance.
type QbitInstance struct {
	URL         string            `toml:"url"`
	Username    string            `toml:"username"`
	Password    string            `toml:"password"`
	PathMapping map[string]string `toml:"path_mapping"`
	OnCleaned   *QbitUpdate       `toml:"on_cleaned"`
	OnInvalid   *QbitUpdate       `toml:"on_invalid_torrent"`
}

// SearchType selects which tracker listing an autograb spec searches.
type SearchType string

const (
	SearchBookmarks SearchType = "bookmarks"
	SearchFreeleech SearchType = "freeleech"
	SearchNew       SearchType = "new"
	SearchUploader  SearchType = "uploader"
)

// CostPolicy bounds what a spec is allowed to spend on a grab.
type CostPolicy string

const (
	CostFreeOnly CostPolicy = "free"
	CostWedge    CostPolicy = "wedge"
	CostTryWedge CostPolicy = "try_wedge"
	CostRatio    CostPolicy = "ratio"
	CostAll      CostPolicy = "all"
)

// SortOrder controls candidate ordering from the tracker.
type SortOrder string

const (
	SortNewest      SortOrder = "newest"
	SortOldest      SortOrder = "oldest"
	SortRandom      SortOrder = "random"
	SortLowSeeders  SortOrder = "low_seeders"
	SortLowSnatches SortOrder = "low_snatches"
)

// Filter holds the coarse candidate predicates shared by autograb specs and
// tag rules. Zero values mean "no constraint".
type Filter struct {
	Languages       []string        `toml:"languages"`
	Categories      []string        `toml:"categories"`
	Flags           map[string]bool `toml:"flags"`
	MinSizeBytes    int64           `toml:"min_size"`
	MaxSizeBytes    int64           `toml:"max_size"`
	UploadedAfter   string          `toml:"uploaded_after"`
	UploadedBefore  string          `toml:"uploaded_before"`
	MinSeeders      *int64          `toml:"min_seeders"`
	MaxSeeders      *int64          `toml:"max_seeders"`
	MinLeechers     *int64          `toml:"min_leechers"`
	MaxLeechers     *int64          `toml:"max_leechers"`
	MinSnatched     *int64          `toml:"min_snatched"`
	MaxSnatched     *int64          `toml:"max_snatched"`
	ExcludeUploader []string        `toml:"exclude_uploader"`
}

// SearchSpec is one declarative [[autograb]] query.
type SearchSpec struct {
	Name       string     `toml:"name"`
	Type       SearchType `toml:"type"`
	UploaderID int64      `toml:"uploader_id"`
	CostPolicy CostPolicy `toml:"cost"`
	Query      string     `toml:"query"`
	SearchIn   []string   `toml:"search_in"`
	Sort       SortOrder  `toml:"sort"`
	MaxPages   int        `toml:"max_pages"`

	Filter Filter `toml:"filter"`

	UnsatBuffer        *uint64 `toml:"unsat_buffer"`
	WedgeBuffer        *uint64 `toml:"wedge_buffer"`
	MaxActiveDownloads *uint64 `toml:"max_active_downloads"`
	Category           string  `toml:"category"`
	DryRun             bool    `toml:"dry_run"`
}

// TagRule assigns a qBittorrent category and tag set to matching grabs.
type TagRule struct {
	Filter   Filter   `toml:"filter"`
	Category string   `toml:"category"`
	Tags     []string `toml:"tags"`
}

// LinkMethod is how library files are materialized from the download dir.
type LinkMethod string

const (
	MethodHardlink          LinkMethod = "hardlink"
	MethodHardlinkOrCopy    LinkMethod = "hardlink_or_copy"
	MethodHardlinkOrSymlink LinkMethod = "hardlink_or_symlink"
	MethodCopy              LinkMethod = "copy"
	MethodSymlink           LinkMethod = "symlink"
)

// LibraryRule routes completed torrents into a library root. Exactly one of
// Category or DownloadDir selects the rule.
type LibraryRule struct {
	Name        string     `toml:"name"`
	Category    string     `toml:"category"`
	DownloadDir string     `toml:"download_dir"`
	LibraryDir  string     `toml:"library_dir"`
	Method      LinkMethod `toml:"method"`
	AudioTypes  []string   `toml:"audio_types"`
	EbookTypes  []string   `toml:"ebook_types"`
	AllowTags   []string   `toml:"allow_tags"`
	DenyTags    []string   `toml:"deny_tags"`
}

// GoodreadsList imports an RSS shelf and feeds each entry to the selector.
type GoodreadsList struct {
	URL    string       `toml:"url"`
	DryRun bool         `toml:"dry_run"`
	Grabs  []SearchSpec `toml:"grab"`
}

// Config encapsulates all configuration values for the daemon.
//
// Top-level knobs mirror account-wide budgets and loop cadence; repeated
// sections declare per-instance collaborators and per-query behavior:
//   - [[qbittorrent]]: torrent client instances
//   - [[autograb]]: selector search specs
//   - [[tag]]: category/tag routing for grabbed torrents
//   - [[library]]: linker rules
//   - [[goodreads_list]]: RSS shelf imports with nested [[goodreads_list.grab]]
type Config struct {
	MamID                       string   `toml:"mam_id"`
	UnsatBuffer                 uint64   `toml:"unsat_buffer"`
	WedgeBuffer                 uint64   `toml:"wedge_buffer"`
	MinRatio                    float64  `toml:"min_ratio"`
	AddTorrentsStopped          bool     `toml:"add_torrents_stopped"`
	ExcludeNarratorInLibraryDir bool     `toml:"exclude_narrator_in_library_dir"`
	SearchInterval              int      `toml:"search_interval"`
	LinkInterval                int      `toml:"link_interval"`
	GoodreadsInterval           int      `toml:"goodreads_interval"`
	AudioTypes                  []string `toml:"audio_types"`
	EbookTypes                  []string `toml:"ebook_types"`
	IgnoreTorrents              []int64  `toml:"ignore_torrents"`

	Paths   Paths   `toml:"paths"`
	Logging Logging `toml:"logging"`
	Tracker Tracker `toml:"tracker"`

	QBittorrent    []QbitInstance  `toml:"qbittorrent"`
	Autograbs      []SearchSpec    `toml:"autograb"`
	Tags           []TagRule       `toml:"tag"`
	Libraries      []LibraryRule   `toml:"library"`
	GoodreadsLists []GoodreadsList `toml:"goodreads_list"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/mlm/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("mlm.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// Library roots are created on a best-effort basis so the daemon can run when
// external storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	for _, rule := range c.Libraries {
		if strings.TrimSpace(rule.LibraryDir) != "" {
			_ = os.MkdirAll(rule.LibraryDir, 0o755)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "mlm.db")
}

// LockPath returns the daemon instance lock location under the data dir.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "mlm.lock")
}

// PreferredTypes returns the global format preference list for a main category.
func (c *Config) PreferredTypes(mainCat string) []string {
	if mainCat == "audio" {
		return c.AudioTypes
	}
	return c.EbookTypes
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
