// Package goodreads imports RSS shelf lists and feeds each entry through the
// selector as a narrowly scoped search. A list is just another source of
// candidate queries; all budget and dedup rules apply unchanged.
package goodreads

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"mlm/internal/budget"
	"mlm/internal/config"
	"mlm/internal/logging"
	"mlm/internal/mam"
)

// seriesPattern splits "Title (Series, #3)" shelf entries.
var seriesPattern = regexp.MustCompile(`^(.*?) \(([^)]*?),? #?(\d+(?:\.\d+)?)\)$`)

// SpecRunner is the slice of the selector the importer drives.
type SpecRunner interface {
	RunSpec(ctx context.Context, oracle *budget.Oracle, spec *config.SearchSpec) (int, error)
}

// Importer walks the configured Goodreads lists each tick.
type Importer struct {
	cfg      *config.Config
	tracker  mam.Tracker
	selector SpecRunner
	http     *http.Client
	logger   *slog.Logger
}

// New constructs the importer.
func New(cfg *config.Config, tracker mam.Tracker, selector SpecRunner, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Importer{
		cfg:      cfg,
		tracker:  tracker,
		selector: selector,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger.With(logging.String(logging.FieldComponent, "goodreads")),
	}
}

// Tick imports every configured list. Returns total committed grabs.
func (i *Importer) Tick(ctx context.Context) (int, error) {
	if len(i.cfg.GoodreadsLists) == 0 {
		return 0, nil
	}
	status, err := i.tracker.UserStatus(ctx)
	if err != nil {
		return 0, fmt.Errorf("user status: %w", err)
	}
	oracle := budget.NewOracle(i.cfg, status)

	grabbed := 0
	for listIndex := range i.cfg.GoodreadsLists {
		list := &i.cfg.GoodreadsLists[listIndex]
		count, err := i.importList(ctx, oracle, list)
		grabbed += count
		if err != nil {
			if ctx.Err() != nil {
				return grabbed, ctx.Err()
			}
			i.logger.Warn("list import failed",
				logging.String("url", list.URL),
				logging.Error(err),
			)
		}
	}
	return grabbed, nil
}

// Item is one shelf entry after title/series splitting.
type Item struct {
	Title       string
	Author      string
	SeriesName  string
	SeriesIndex string
}

func (i *Importer) importList(ctx context.Context, oracle *budget.Oracle, list *config.GoodreadsList) (int, error) {
	items, err := i.fetchList(ctx, list.URL)
	if err != nil {
		return 0, err
	}

	grabbed := 0
	for _, item := range items {
		for grabIndex := range list.Grabs {
			spec := specForItem(&list.Grabs[grabIndex], list, &item)
			count, err := i.selector.RunSpec(ctx, oracle, &spec)
			grabbed += count
			if err != nil {
				if ctx.Err() != nil {
					return grabbed, ctx.Err()
				}
				i.logger.Warn("item grab failed",
					logging.String("title", item.Title),
					logging.Error(err),
				)
			}
			if count > 0 {
				// One edition per entry is enough; later grab templates are
				// fallbacks for entries the earlier ones could not find.
				break
			}
		}
	}
	return grabbed, nil
}

// specForItem narrows a grab template to one shelf entry.
func specForItem(template *config.SearchSpec, list *config.GoodreadsList, item *Item) config.SearchSpec {
	spec := *template
	spec.Query = strings.TrimSpace(item.Author + " " + item.Title)
	spec.SearchIn = []string{"author", "title"}
	if spec.Name == "" {
		spec.Name = "goodreads"
	}
	if spec.MaxPages <= 0 {
		spec.MaxPages = 1
	}
	spec.DryRun = spec.DryRun || list.DryRun
	return spec
}

func (i *Importer) fetchList(ctx context.Context, listURL string) ([]Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := i.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch list: status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read list: %w", err)
	}
	return ParseRSS(data)
}

type rssDocument struct {
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title  string `xml:"title"`
	Author string `xml:"author_name"`
}

// ParseRSS decodes a Goodreads shelf feed and splits series annotations out
// of entry titles.
func ParseRSS(data []byte) ([]Item, error) {
	var doc rssDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode rss: %w", err)
	}
	items := make([]Item, 0, len(doc.Channel.Items))
	for _, raw := range doc.Channel.Items {
		item := Item{
			Title:  strings.TrimSpace(raw.Title),
			Author: strings.TrimSpace(raw.Author),
		}
		if match := seriesPattern.FindStringSubmatch(item.Title); match != nil {
			item.Title = match[1]
			item.SeriesName = match[2]
			item.SeriesIndex = match[3]
		}
		if item.Title == "" {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}
