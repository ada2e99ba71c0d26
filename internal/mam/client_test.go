package mam

import (
	"testing"

	"mlm/internal/store"
)

func TestDecodeNameMapPreservesOrder(t *testing.T) {
	names := decodeNameMap(`{"12":"First Author","7":"Second Author"}`)
	if len(names) != 2 || names[0] != "First Author" || names[1] != "Second Author" {
		t.Fatalf("decodeNameMap = %#v", names)
	}
	if got := decodeNameMap(""); got != nil {
		t.Fatalf("empty input must yield nil, got %#v", got)
	}
	if got := decodeNameMap("not json"); got != nil {
		t.Fatalf("bad input must yield nil, got %#v", got)
	}
}

func TestDecodeSeriesMap(t *testing.T) {
	series := decodeSeriesMap(`{"4":["The Stormlight Archive","1"]}`)
	if len(series) != 1 || series[0].Name != "The Stormlight Archive" || series[0].Index != "1" {
		t.Fatalf("decodeSeriesMap = %#v", series)
	}
}

func TestSplitFiletypes(t *testing.T) {
	got := splitFiletypes("M4B, mp3 .epub")
	if len(got) != 3 || got[0] != "m4b" || got[1] != "mp3" || got[2] != "epub" {
		t.Fatalf("splitFiletypes = %#v", got)
	}
}

func TestTorrentRowCandidate(t *testing.T) {
	row := torrentRow{
		ID:         42,
		Title:      "Some Book",
		AuthorInfo: `{"1":"An Author"}`,
		MainCat:    mainCatAudio,
		Language:   "EN",
		Filetype:   "m4b mp3",
		SizeBytes:  1 << 20,
		Free:       true,
		DL:         "dl-token",
		Added:      "2026-05-01 12:00:00",
	}
	candidate, err := row.candidate()
	if err != nil {
		t.Fatalf("candidate: %v", err)
	}
	if candidate.MainCat != store.MainCatAudio || candidate.Language != "en" {
		t.Fatalf("unexpected candidate: %#v", candidate)
	}
	if !candidate.Free() || candidate.DownloadToken != "dl-token" {
		t.Fatalf("freeleech/token lost: %#v", candidate)
	}
	if candidate.UploadedAt.IsZero() {
		t.Fatal("uploaded_at not parsed")
	}

	row.MainCat = 99
	if _, err := row.candidate(); err == nil {
		t.Fatal("unknown media type must error")
	}
}
