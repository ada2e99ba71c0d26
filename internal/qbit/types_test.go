package qbit

import (
	"testing"

	"mlm/internal/config"
)

func TestMapPathLongestPrefixWins(t *testing.T) {
	instance := &Instance{Config: config.QbitInstance{PathMapping: map[string]string{
		"/downloads":            "/books",
		"/downloads/audiobooks": "/audiobooks",
	}}}

	cases := []struct {
		in   string
		want string
	}{
		{"/downloads/torrent", "/books/torrent"},
		{"/downloads/audiobooks/torrent", "/audiobooks/torrent"},
		{"/downloads/audiobooks/torrent/deep", "/audiobooks/torrent/deep"},
		{"/elsewhere/torrent", "/elsewhere/torrent"},
		{"/downloads", "/books"},
	}
	for _, tc := range cases {
		if got := instance.MapPath(tc.in); got != tc.want {
			t.Errorf("MapPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMapPathWithoutMapping(t *testing.T) {
	instance := &Instance{}
	if got := instance.MapPath("/anything"); got != "/anything" {
		t.Fatalf("MapPath without mapping = %q", got)
	}
}

func TestSplitTags(t *testing.T) {
	if got := splitTags(" a, b ,,c "); len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("splitTags = %#v", got)
	}
	if got := splitTags(""); got != nil {
		t.Fatalf("splitTags empty = %#v", got)
	}
}
