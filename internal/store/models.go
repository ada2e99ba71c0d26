package store

import (
	"time"
)

// MainCat partitions the tracker catalog into the two media families the
// library cares about. It decides which format preference list applies.
type MainCat string

const (
	MainCatAudio MainCat = "audio"
	MainCatEbook MainCat = "ebook"
)

// CostKind records how a torrent was (or would be) paid for.
type CostKind string

const (
	CostVip               CostKind = "vip"
	CostGlobalFreeleech   CostKind = "global_freeleech"
	CostPersonalFreeleech CostKind = "personal_freeleech"
	CostWedge             CostKind = "wedge"
	CostRatio             CostKind = "ratio"
)

// Free reports whether the cost consumes neither a wedge nor ratio buffer.
func (c CostKind) Free() bool {
	switch c {
	case CostVip, CostGlobalFreeleech, CostPersonalFreeleech:
		return true
	default:
		return false
	}
}

// Series names one series membership; Index stays a string so entries like
// "3.5" survive round trips.
type Series struct {
	Name  string `json:"name"`
	Index string `json:"index,omitempty"`
}

// Flags carries the tracker's content flags.
type Flags struct {
	Explicit      bool `json:"explicit,omitempty"`
	SomeExplicit  bool `json:"some_explicit,omitempty"`
	Abridged      bool `json:"abridged,omitempty"`
	LGBT          bool `json:"lgbt,omitempty"`
	Violence      bool `json:"violence,omitempty"`
	CrudeLanguage bool `json:"crude_language,omitempty"`
}

// Named returns the flag value by config name; unknown names report false.
func (f Flags) Named(name string) (value, known bool) {
	switch name {
	case "explicit":
		return f.Explicit, true
	case "some_explicit":
		return f.SomeExplicit, true
	case "abridged":
		return f.Abridged, true
	case "lgbt":
		return f.LGBT, true
	case "violence":
		return f.Violence, true
	case "crude_language":
		return f.CrudeLanguage, true
	default:
		return false, false
	}
}

// TorrentMeta is the canonical record for one tracker torrent.
type TorrentMeta struct {
	MamID     int64
	InfoHash  string
	MainCat   MainCat
	Title     string
	Authors   []string
	Narrators []string
	Series    []Series
	Language  string
	Filetypes []string
	SizeBytes int64
	Flags     Flags
	Cost      CostKind
	CreatedAt time.Time
}

// SeriesNames returns the series name list for identity computations.
func (m *TorrentMeta) SeriesNames() []string {
	names := make([]string, 0, len(m.Series))
	for _, s := range m.Series {
		names = append(names, s.Name)
	}
	return names
}

// HasFiletype reports whether the torrent advertises the given suffix.
func (m *TorrentMeta) HasFiletype(suffix string) bool {
	for _, ft := range m.Filetypes {
		if ft == suffix {
			return true
		}
	}
	return false
}

// TrackedTorrent is a TorrentMeta plus the local state the loops manage.
type TrackedTorrent struct {
	TorrentMeta

	// TitleSearch is the normalized title used to group identity candidates.
	TitleSearch string

	DownloadDir string
	Category    string
	Tags        []string

	LibraryPath         string
	LibraryFiles        []string
	SelectedAudioFormat string
	SelectedEbookFormat string

	// ReplacedWith holds the info hash of the superseding torrent; set once,
	// terminal.
	ReplacedWith string
	ReplacedAt   *time.Time

	ErrorMessage string
	UpdatedAt    time.Time
}

// Linked reports whether the linker has materialized this torrent.
func (t *TrackedTorrent) Linked() bool {
	return t.LibraryPath != ""
}

// Replaced reports whether a newer torrent has superseded this one.
func (t *TrackedTorrent) Replaced() bool {
	return t.ReplacedWith != ""
}

// LedgerEntry records one committed selector decision.
type LedgerEntry struct {
	MamID     int64
	Cost      CostKind
	Spec      string
	CreatedAt time.Time
}

// Filter narrows Tracked listings. Zero values mean "no constraint".
type Filter struct {
	Category       string
	DownloadDir    string
	TitleSearch    string
	MainCat        MainCat
	HasLibraryPath *bool
	Live           bool // replaced_with is null
}

// HealthSummary describes aggregated torrent counts for status output.
type HealthSummary struct {
	Total    int
	Linked   int
	Replaced int
	Errored  int
}
