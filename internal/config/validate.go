package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateAccount(); err != nil {
		return err
	}
	if err := c.validateIntervals(); err != nil {
		return err
	}
	if err := c.validateSpecs(); err != nil {
		return err
	}
	if err := c.validateLibraries(); err != nil {
		return err
	}
	if err := c.validateQbit(); err != nil {
		return err
	}
	if err := c.validateGoodreads(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateAccount() error {
	if strings.TrimSpace(c.MamID) == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/mlm/config.toml"
		}
		return fmt.Errorf("mam_id is required; edit %s (create with 'mlm config init')", defaultPath)
	}
	if c.MinRatio < 1.0 {
		return errors.New("min_ratio must be at least 1.0")
	}
	return nil
}

func (c *Config) validateIntervals() error {
	if c.SearchInterval <= 0 {
		return errors.New("search_interval must be a positive number of minutes")
	}
	if c.LinkInterval <= 0 {
		return errors.New("link_interval must be a positive number of minutes")
	}
	if c.GoodreadsInterval <= 0 {
		return errors.New("goodreads_interval must be a positive number of minutes")
	}
	return nil
}

func (c *Config) validateSpecs() error {
	for i := range c.Autograbs {
		if err := validateSpec(&c.Autograbs[i], fmt.Sprintf("autograb[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

func validateSpec(spec *SearchSpec, section string) error {
	switch spec.Type {
	case SearchBookmarks, SearchFreeleech, SearchNew:
	case SearchUploader:
		if spec.UploaderID <= 0 {
			return fmt.Errorf("%s: uploader_id is required for type %q", section, spec.Type)
		}
	default:
		return fmt.Errorf("%s: unknown type %q", section, spec.Type)
	}
	switch spec.CostPolicy {
	case CostFreeOnly, CostWedge, CostTryWedge, CostRatio, CostAll:
	default:
		return fmt.Errorf("%s: unknown cost %q", section, spec.CostPolicy)
	}
	switch spec.Sort {
	case "", SortNewest, SortOldest, SortRandom, SortLowSeeders, SortLowSnatches:
	default:
		return fmt.Errorf("%s: unknown sort %q", section, spec.Sort)
	}
	if spec.MaxActiveDownloads != nil && strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("%s: name is required when max_active_downloads is set", section)
	}
	for _, field := range []struct {
		value string
		name  string
	}{
		{spec.Filter.UploadedAfter, "uploaded_after"},
		{spec.Filter.UploadedBefore, "uploaded_before"},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", field.value); err != nil {
			return fmt.Errorf("%s: %s must be formatted YYYY-MM-DD: %w", section, field.name, err)
		}
	}
	if spec.Filter.MinSizeBytes < 0 || spec.Filter.MaxSizeBytes < 0 {
		return fmt.Errorf("%s: sizes must be non-negative", section)
	}
	if spec.Filter.MinSizeBytes > 0 && spec.Filter.MaxSizeBytes > 0 && spec.Filter.MinSizeBytes > spec.Filter.MaxSizeBytes {
		return fmt.Errorf("%s: min_size exceeds max_size", section)
	}
	return nil
}

func (c *Config) validateLibraries() error {
	for i, rule := range c.Libraries {
		section := fmt.Sprintf("library[%d]", i)
		hasCategory := strings.TrimSpace(rule.Category) != ""
		hasDownloadDir := strings.TrimSpace(rule.DownloadDir) != ""
		if hasCategory == hasDownloadDir {
			return fmt.Errorf("%s: exactly one of category or download_dir must be set", section)
		}
		if strings.TrimSpace(rule.LibraryDir) == "" {
			return fmt.Errorf("%s: library_dir must be set", section)
		}
		switch rule.Method {
		case MethodHardlink, MethodHardlinkOrCopy, MethodHardlinkOrSymlink, MethodCopy, MethodSymlink:
		default:
			return fmt.Errorf("%s: unknown method %q", section, rule.Method)
		}
	}
	return nil
}

func (c *Config) validateQbit() error {
	for i, instance := range c.QBittorrent {
		if strings.TrimSpace(instance.URL) == "" {
			return fmt.Errorf("qbittorrent[%d]: url must be set", i)
		}
	}
	return nil
}

func (c *Config) validateGoodreads() error {
	for i, list := range c.GoodreadsLists {
		if strings.TrimSpace(list.URL) == "" {
			return fmt.Errorf("goodreads_list[%d]: url must be set", i)
		}
		for j := range list.Grabs {
			if err := validateSpec(&list.Grabs[j], fmt.Sprintf("goodreads_list[%d].grab[%d]", i, j)); err != nil {
				return err
			}
		}
	}
	return nil
}
