package mam

import (
	"context"
	"time"

	"mlm/internal/config"
)

// Source produces a finite, lazily paged, non-restartable candidate stream
// for one search spec. Coarse filters (size, dates, peers, languages,
// categories, flags, excluded uploaders) are applied here; identity and
// format-dominance checks belong to the selector.
type Source struct {
	tracker Tracker
	spec    *config.SearchSpec
	page    int
	buffer  []CandidateTorrent
	done    bool
}

// NewSource wraps a spec and tracker into a candidate stream.
func NewSource(tracker Tracker, spec *config.SearchSpec) *Source {
	return &Source{tracker: tracker, spec: spec}
}

// Next returns the next candidate passing the coarse filters, or nil when the
// stream is exhausted. The stream ends after spec.MaxPages pages or the first
// empty page.
func (s *Source) Next(ctx context.Context) (*CandidateTorrent, error) {
	for {
		if len(s.buffer) > 0 {
			candidate := s.buffer[0]
			s.buffer = s.buffer[1:]
			if !MatchesFilter(&s.spec.Filter, &candidate) {
				continue
			}
			return &candidate, nil
		}
		if s.done {
			return nil, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.page++
		page, err := s.tracker.Search(ctx, s.spec, s.page)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 || s.page >= s.spec.MaxPages {
			s.done = true
		}
		s.buffer = page
		if len(s.buffer) == 0 {
			return nil, nil
		}
	}
}

// MatchesFilter applies the coarse predicates shared by search specs and tag
// rules. Zero-valued fields never constrain.
func MatchesFilter(filter *config.Filter, candidate *CandidateTorrent) bool {
	if filter == nil {
		return true
	}
	if filter.MinSizeBytes > 0 && candidate.SizeBytes < filter.MinSizeBytes {
		return false
	}
	if filter.MaxSizeBytes > 0 && candidate.SizeBytes > filter.MaxSizeBytes {
		return false
	}
	if !matchesDateRange(filter, candidate.UploadedAt) {
		return false
	}
	if !inRange(candidate.Seeders, filter.MinSeeders, filter.MaxSeeders) {
		return false
	}
	if !inRange(candidate.Leechers, filter.MinLeechers, filter.MaxLeechers) {
		return false
	}
	if !inRange(candidate.Snatched, filter.MinSnatched, filter.MaxSnatched) {
		return false
	}
	if len(filter.Languages) > 0 && !containsString(filter.Languages, candidate.Language) {
		return false
	}
	if len(filter.Categories) > 0 &&
		!containsString(filter.Categories, string(candidate.MainCat)) &&
		!containsString(filter.Categories, candidate.Category) {
		return false
	}
	for _, uploader := range filter.ExcludeUploader {
		if uploader == candidate.UploaderName {
			return false
		}
	}
	for name, required := range filter.Flags {
		value, known := candidate.Flags.Named(name)
		if !known || value != required {
			return false
		}
	}
	return true
}

func matchesDateRange(filter *config.Filter, uploaded time.Time) bool {
	if filter.UploadedAfter != "" {
		after, err := time.Parse("2006-01-02", filter.UploadedAfter)
		if err == nil && uploaded.Before(after) {
			return false
		}
	}
	if filter.UploadedBefore != "" {
		before, err := time.Parse("2006-01-02", filter.UploadedBefore)
		if err == nil && uploaded.After(before) {
			return false
		}
	}
	return true
}

func inRange(value int64, minBound, maxBound *int64) bool {
	if minBound != nil && value < *minBound {
		return false
	}
	if maxBound != nil && value > *maxBound {
		return false
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, value := range haystack {
		if value == needle {
			return true
		}
	}
	return false
}
