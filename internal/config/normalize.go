package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeFormats()
	c.normalizeSpecs()
	c.normalizeLibraries()
	c.normalizeTracker()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	for i := range c.Libraries {
		if c.Libraries[i].LibraryDir, err = expandPath(c.Libraries[i].LibraryDir); err != nil {
			return fmt.Errorf("library[%d].library_dir: %w", i, err)
		}
		if c.Libraries[i].DownloadDir, err = expandPath(c.Libraries[i].DownloadDir); err != nil {
			return fmt.Errorf("library[%d].download_dir: %w", i, err)
		}
	}
	return nil
}

// normalizeFormats lowercases suffix lists and strips any leading dots so
// comparisons against torrent file names are uniform.
func (c *Config) normalizeFormats() {
	c.AudioTypes = normalizeSuffixes(c.AudioTypes)
	c.EbookTypes = normalizeSuffixes(c.EbookTypes)
	for i := range c.Libraries {
		c.Libraries[i].AudioTypes = normalizeSuffixes(c.Libraries[i].AudioTypes)
		c.Libraries[i].EbookTypes = normalizeSuffixes(c.Libraries[i].EbookTypes)
	}
}

func (c *Config) normalizeSpecs() {
	for i := range c.Autograbs {
		normalizeSpec(&c.Autograbs[i])
	}
	for i := range c.GoodreadsLists {
		for j := range c.GoodreadsLists[i].Grabs {
			normalizeSpec(&c.GoodreadsLists[i].Grabs[j])
		}
	}
}

func normalizeSpec(spec *SearchSpec) {
	if spec.Type == "" {
		spec.Type = SearchNew
	}
	if spec.CostPolicy == "" {
		spec.CostPolicy = CostFreeOnly
	}
	if spec.MaxPages <= 0 {
		switch spec.Type {
		case SearchBookmarks, SearchFreeleech:
			spec.MaxPages = 50
		default:
			spec.MaxPages = 1
		}
	}
	for i, lang := range spec.Filter.Languages {
		spec.Filter.Languages[i] = strings.ToLower(strings.TrimSpace(lang))
	}
}

func (c *Config) normalizeLibraries() {
	for i := range c.Libraries {
		if c.Libraries[i].Method == "" {
			c.Libraries[i].Method = MethodHardlink
		}
	}
}

func (c *Config) normalizeTracker() {
	c.Tracker.BaseURL = strings.TrimRight(strings.TrimSpace(c.Tracker.BaseURL), "/")
	if c.Tracker.BaseURL == "" {
		c.Tracker.BaseURL = defaultTrackerBaseURL
	}
	if c.Tracker.TimeoutSeconds <= 0 {
		c.Tracker.TimeoutSeconds = defaultTrackerTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func normalizeSuffixes(suffixes []string) []string {
	out := make([]string, 0, len(suffixes))
	for _, suffix := range suffixes {
		cleaned := strings.ToLower(strings.TrimSpace(suffix))
		cleaned = strings.TrimPrefix(cleaned, ".")
		if cleaned != "" {
			out = append(out, cleaned)
		}
	}
	return out
}
