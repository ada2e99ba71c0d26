package goodreads

import (
	"testing"

	"mlm/internal/config"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>to-read</title>
    <item>
      <title>The Way of Kings (The Stormlight Archive, #1)</title>
      <author_name>Brandon Sanderson</author_name>
    </item>
    <item>
      <title>Project Hail Mary</title>
      <author_name>Andy Weir</author_name>
    </item>
    <item>
      <title>Hogfather (Discworld #20)</title>
      <author_name>Terry Pratchett</author_name>
    </item>
  </channel>
</rss>`

func TestParseRSS(t *testing.T) {
	items, err := ParseRSS([]byte(sampleFeed))
	if err != nil {
		t.Fatalf("ParseRSS: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}

	first := items[0]
	if first.Title != "The Way of Kings" || first.SeriesName != "The Stormlight Archive" || first.SeriesIndex != "1" {
		t.Fatalf("series split failed: %#v", first)
	}

	second := items[1]
	if second.Title != "Project Hail Mary" || second.SeriesName != "" {
		t.Fatalf("plain title mangled: %#v", second)
	}

	third := items[2]
	if third.Title != "Hogfather" || third.SeriesName != "Discworld" || third.SeriesIndex != "20" {
		t.Fatalf("no-comma series split failed: %#v", third)
	}
}

func TestSpecForItemNarrowsQuery(t *testing.T) {
	list := &config.GoodreadsList{
		URL:    "https://example.com/feed",
		DryRun: true,
		Grabs:  []config.SearchSpec{{Type: config.SearchNew, CostPolicy: config.CostTryWedge}},
	}
	item := Item{Title: "Elantris", Author: "Brandon Sanderson"}
	spec := specForItem(&list.Grabs[0], list, &item)

	if spec.Query != "Brandon Sanderson Elantris" {
		t.Fatalf("unexpected query: %q", spec.Query)
	}
	if !spec.DryRun {
		t.Fatal("list dry_run must propagate to derived specs")
	}
	if spec.MaxPages != 1 {
		t.Fatalf("unexpected max pages: %d", spec.MaxPages)
	}
}
