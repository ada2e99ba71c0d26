package mam

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mlm/internal/config"
	"mlm/internal/store"
)

// ErrRateLimited marks tracker responses that should be retried after a
// cool-down rather than treated as failures.
var ErrRateLimited = errors.New("tracker rate limited")

// Tracker is the narrow surface the loops consume from the MaM API.
type Tracker interface {
	Search(ctx context.Context, spec *config.SearchSpec, page int) ([]CandidateTorrent, error)
	GetTorrentFile(ctx context.Context, token string) ([]byte, error)
	ApplyWedge(ctx context.Context, mamID int64) error
	UserStatus(ctx context.Context) (UserStatus, error)
}

// Client talks to the tracker's JSON API using the configured session id.
type Client struct {
	baseURL string
	mamID   string
	http    *http.Client
}

// NewClient builds a tracker client from configuration.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL: cfg.Tracker.BaseURL,
		mamID:   cfg.MamID,
		http: &http.Client{
			Timeout: time.Duration(cfg.Tracker.TimeoutSeconds) * time.Second,
		},
	}
}

const searchPageSize = 100

// Search runs one page of a spec's query. Pages are 1-based.
func (c *Client) Search(ctx context.Context, spec *config.SearchSpec, page int) ([]CandidateTorrent, error) {
	if page < 1 {
		page = 1
	}
	payload := buildSearchPayload(spec, page)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal search payload: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/tor/js/loadSearchJSONbasic.php", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var response searchResponse
	if err := c.doJSON(req, &response); err != nil {
		return nil, err
	}

	candidates := make([]CandidateTorrent, 0, len(response.Data))
	for _, row := range response.Data {
		candidate, err := row.candidate()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

// GetTorrentFile downloads the .torrent payload for a grab token.
func (c *Client) GetTorrentFile(ctx context.Context, token string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/tor/download.php/"+strings.TrimPrefix(token, "/"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch torrent file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch torrent file: status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read torrent file: %w", err)
	}
	return data, nil
}

// ApplyWedge spends a wedge credit to make a torrent freeleech.
func (c *Client) ApplyWedge(ctx context.Context, mamID int64) error {
	values := url.Values{}
	values.Set("torrentid", strconv.FormatInt(mamID, 10))
	req, err := c.newRequest(ctx, http.MethodGet, "/json/bonusBuy.php?spendtype=personalFL&"+values.Encode(), nil)
	if err != nil {
		return err
	}

	var response struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := c.doJSON(req, &response); err != nil {
		return err
	}
	if !response.Success {
		if response.Error == "" {
			response.Error = "unknown wedge error"
		}
		return fmt.Errorf("apply wedge: %s", response.Error)
	}
	return nil
}

// UserStatus fetches the account counters the budget oracle snapshots.
func (c *Client) UserStatus(ctx context.Context) (UserStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/jsonLoad.php?snatch_summary=true", nil)
	if err != nil {
		return UserStatus{}, err
	}

	var response userResponse
	if err := c.doJSON(req, &response); err != nil {
		return UserStatus{}, err
	}

	status := UserStatus{
		UnsatUsed:       response.Unsat.Count,
		UnsatLimit:      response.Unsat.Limit,
		Wedges:          response.Wedges,
		UploadedBytes:   response.UploadedBytes,
		DownloadedBytes: response.DownloadedBytes,
	}
	if status.DownloadedBytes > 0 {
		status.Ratio = float64(status.UploadedBytes) / float64(status.DownloadedBytes)
	}
	return status, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.AddCookie(&http.Cookie{Name: "mam_id", Value: c.mamID})
	return req, nil
}

func (c *Client) doJSON(req *http.Request, target any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tracker request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tracker request: status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode tracker response: %w", err)
	}
	return nil
}

type searchResponse struct {
	Data  []torrentRow `json:"data"`
	Found int          `json:"found"`
}

type userResponse struct {
	Unsat struct {
		Count uint64 `json:"count"`
		Limit uint64 `json:"limit"`
	} `json:"unsat"`
	Wedges          uint64 `json:"wedges"`
	UploadedBytes   int64  `json:"uploaded_bytes"`
	DownloadedBytes int64  `json:"downloaded_bytes"`
}

// torrentRow mirrors the tracker's search row. Author, narrator, and series
// info arrive as JSON-encoded strings keyed by id.
type torrentRow struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	AuthorInfo   string `json:"author_info"`
	NarratorInfo string `json:"narrator_info"`
	SeriesInfo   string `json:"series_info"`
	MainCat      int    `json:"main_cat"`
	CatName      string `json:"catname"`
	Language     string `json:"lang_code"`
	Filetype     string `json:"filetype"`
	SizeBytes    int64  `json:"size_bytes"`
	OwnerName    string `json:"owner_name"`
	Seeders      int64  `json:"seeders"`
	Leechers     int64  `json:"leechers"`
	Snatched     int64  `json:"times_completed"`
	Added        string `json:"added"`
	Vip          bool   `json:"vip"`
	PersonalFL   bool   `json:"personal_freeleech"`
	Free         bool   `json:"free"`
	DL           string `json:"dl"`

	BrowseFlags browseFlags `json:"browseflags"`
}

type browseFlags struct {
	Explicit      intBool `json:"explicit"`
	SomeExplicit  intBool `json:"some_explicit"`
	Abridged      intBool `json:"abridged"`
	LGBT          intBool `json:"lgbt"`
	Violence      intBool `json:"violence"`
	CrudeLanguage intBool `json:"crude_language"`
}

// intBool accepts 0/1, true/false, and "0"/"1".
type intBool bool

func (b *intBool) UnmarshalJSON(data []byte) error {
	trimmed := strings.Trim(string(data), `"`)
	*b = trimmed == "1" || trimmed == "true"
	return nil
}

const (
	mainCatAudio = 13
	mainCatEbook = 14
)

func (r *torrentRow) candidate() (CandidateTorrent, error) {
	var mainCat store.MainCat
	switch r.MainCat {
	case mainCatAudio:
		mainCat = store.MainCatAudio
	case mainCatEbook:
		mainCat = store.MainCatEbook
	default:
		return CandidateTorrent{}, fmt.Errorf("unknown media type %d for torrent %d", r.MainCat, r.ID)
	}

	candidate := CandidateTorrent{
		MamID:        r.ID,
		Title:        r.Title,
		Authors:      decodeNameMap(r.AuthorInfo),
		Narrators:    decodeNameMap(r.NarratorInfo),
		Series:       decodeSeriesMap(r.SeriesInfo),
		MainCat:      mainCat,
		Category:     r.CatName,
		Language:     strings.ToLower(r.Language),
		Filetypes:    splitFiletypes(r.Filetype),
		SizeBytes:    r.SizeBytes,
		UploaderName: r.OwnerName,
		Seeders:      r.Seeders,
		Leechers:     r.Leechers,
		Snatched:     r.Snatched,
		Vip:          r.Vip,

		PersonalFreeleech: r.PersonalFL,
		GlobalFreeleech:   r.Free,
		DownloadToken:     r.DL,
		Flags: store.Flags{
			Explicit:      bool(r.BrowseFlags.Explicit),
			SomeExplicit:  bool(r.BrowseFlags.SomeExplicit),
			Abridged:      bool(r.BrowseFlags.Abridged),
			LGBT:          bool(r.BrowseFlags.LGBT),
			Violence:      bool(r.BrowseFlags.Violence),
			CrudeLanguage: bool(r.BrowseFlags.CrudeLanguage),
		},
	}
	if uploaded, err := time.Parse("2006-01-02 15:04:05", r.Added); err == nil {
		candidate.UploadedAt = uploaded
	}
	return candidate, nil
}

// decodeNameMap parses the tracker's {"id": "Name", ...} JSON-string fields,
// preserving the object's key order.
func decodeNameMap(encoded string) []string {
	if strings.TrimSpace(encoded) == "" {
		return nil
	}
	decoder := json.NewDecoder(strings.NewReader(encoded))
	if tok, err := decoder.Token(); err != nil || tok != json.Delim('{') {
		return nil
	}
	var names []string
	for {
		keyToken, err := decoder.Token()
		if err != nil {
			break
		}
		if delim, ok := keyToken.(json.Delim); ok && delim == '}' {
			break
		}
		var name string
		if err := decoder.Decode(&name); err != nil {
			break
		}
		names = append(names, name)
	}
	return names
}

func decodeSeriesMap(encoded string) []store.Series {
	if strings.TrimSpace(encoded) == "" {
		return nil
	}
	var raw map[string][]string
	if err := json.Unmarshal([]byte(encoded), &raw); err != nil {
		return nil
	}
	series := make([]store.Series, 0, len(raw))
	for _, pair := range raw {
		if len(pair) == 0 {
			continue
		}
		entry := store.Series{Name: pair[0]}
		if len(pair) > 1 {
			entry.Index = pair[1]
		}
		series = append(series, entry)
	}
	return series
}

func splitFiletypes(value string) []string {
	parts := strings.FieldsFunc(strings.ToLower(value), func(r rune) bool {
		return r == ' ' || r == ','
	})
	out := parts[:0]
	for _, part := range parts {
		part = strings.TrimPrefix(strings.TrimSpace(part), ".")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func buildSearchPayload(spec *config.SearchSpec, page int) map[string]any {
	tor := map[string]any{
		"text":        spec.Query,
		"srchIn":      spec.SearchIn,
		"searchType":  searchKind(spec),
		"sortType":    sortType(spec),
		"startNumber": (page - 1) * searchPageSize,
		"perpage":     searchPageSize,
	}
	if spec.Type == config.SearchBookmarks {
		tor["bookmarks"] = 1
	}
	if spec.Type == config.SearchUploader && spec.UploaderID > 0 {
		tor["uploader"] = spec.UploaderID
	}
	if spec.Filter.UploadedAfter != "" {
		tor["startDate"] = spec.Filter.UploadedAfter
	}
	if spec.Filter.UploadedBefore != "" {
		tor["endDate"] = spec.Filter.UploadedBefore
	}
	if len(spec.Filter.Languages) > 0 {
		tor["browse_lang"] = spec.Filter.Languages
	}
	return map[string]any{"tor": tor, "dlLink": true}
}

func searchKind(spec *config.SearchSpec) string {
	switch {
	case spec.Type == config.SearchFreeleech:
		return "fl"
	case spec.CostPolicy == config.CostFreeOnly:
		return "fl-VIP"
	default:
		return "all"
	}
}

func sortType(spec *config.SearchSpec) string {
	switch spec.Sort {
	case config.SortOldest:
		return "dateAsc"
	case config.SortRandom:
		return "random"
	case config.SortLowSeeders:
		return "seedersAsc"
	case config.SortLowSnatches:
		return "snatchedAsc"
	case config.SortNewest:
		return "dateDesc"
	default:
		if spec.Type == config.SearchNew {
			return "dateDesc"
		}
		return ""
	}
}
