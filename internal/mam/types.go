package mam

import (
	"time"

	"mlm/internal/store"
)

// CandidateTorrent is one search result carrying enough to populate a
// TorrentMeta plus the grab handle for its .torrent file.
type CandidateTorrent struct {
	MamID     int64
	Title     string
	Authors   []string
	Narrators []string
	Series    []store.Series
	MainCat   store.MainCat
	Category  string
	Language  string
	Filetypes []string
	SizeBytes int64
	Flags     store.Flags

	UploaderName string
	Seeders      int64
	Leechers     int64
	Snatched     int64
	UploadedAt   time.Time

	Vip               bool
	PersonalFreeleech bool
	GlobalFreeleech   bool

	// DownloadToken is the tracker handle passed to GetTorrentFile.
	DownloadToken string
}

// Free reports whether grabbing the candidate costs nothing right now.
func (c *CandidateTorrent) Free() bool {
	return c.Vip || c.PersonalFreeleech || c.GlobalFreeleech
}

// FreeCost maps the candidate's freeleech state to a cost kind; ok is false
// when the candidate is a paid download.
func (c *CandidateTorrent) FreeCost() (store.CostKind, bool) {
	switch {
	case c.Vip:
		return store.CostVip, true
	case c.PersonalFreeleech:
		return store.CostPersonalFreeleech, true
	case c.GlobalFreeleech:
		return store.CostGlobalFreeleech, true
	default:
		return "", false
	}
}

// Meta converts the candidate into the canonical torrent record. The info
// hash and final cost are filled in by the selector once known.
func (c *CandidateTorrent) Meta() store.TorrentMeta {
	return store.TorrentMeta{
		MamID:     c.MamID,
		MainCat:   c.MainCat,
		Title:     c.Title,
		Authors:   append([]string{}, c.Authors...),
		Narrators: append([]string{}, c.Narrators...),
		Series:    append([]store.Series{}, c.Series...),
		Language:  c.Language,
		Filetypes: append([]string{}, c.Filetypes...),
		SizeBytes: c.SizeBytes,
		Flags:     c.Flags,
	}
}

// UserStatus is the per-tick snapshot of account counters.
type UserStatus struct {
	UnsatUsed       uint64
	UnsatLimit      uint64
	Wedges          uint64
	UploadedBytes   int64
	DownloadedBytes int64
	Ratio           float64
}
