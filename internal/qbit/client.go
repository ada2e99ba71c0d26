package qbit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"mlm/internal/config"
)

// Client is the narrow torrent-client surface the loops consume.
type Client interface {
	List(ctx context.Context) ([]Torrent, error)
	Files(ctx context.Context, hash string) ([]TorrentFile, error)
	Add(ctx context.Context, torrent []byte, opts AddOptions) error
	SetCategory(ctx context.Context, hash, category string) error
	AddTags(ctx context.Context, hash string, tags []string) error
	// Delete is reserved; the cleaner never removes torrents from the client.
	Delete(ctx context.Context, hash string, deleteFiles bool) error
}

// HTTPClient implements Client against the qBittorrent Web API v2. Requests
// are serialized per instance; the API dislikes concurrent session use.
type HTTPClient struct {
	baseURL  string
	username string
	password string

	mu       sync.Mutex
	http     *http.Client
	loggedIn bool
}

// NewHTTPClient builds a client for one configured instance.
func NewHTTPClient(instance config.QbitInstance) *HTTPClient {
	jarClient := &http.Client{Timeout: 30 * time.Second}
	return &HTTPClient{
		baseURL:  strings.TrimRight(instance.URL, "/"),
		username: instance.Username,
		password: instance.Password,
		http:     jarClient,
	}
}

type torrentRow struct {
	Hash     string  `json:"hash"`
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Tags     string  `json:"tags"`
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
	SavePath string  `json:"save_path"`
}

type fileRow struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// List returns all torrents known to the client.
func (c *HTTPClient) List(ctx context.Context) ([]Torrent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	body, err := c.get(ctx, "/api/v2/torrents/info", nil)
	if err != nil {
		return nil, err
	}
	var rows []torrentRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode torrent list: %w", err)
	}
	torrents := make([]Torrent, 0, len(rows))
	for _, row := range rows {
		torrents = append(torrents, Torrent{
			Hash:     row.Hash,
			Name:     row.Name,
			Category: row.Category,
			Tags:     splitTags(row.Tags),
			State:    row.State,
			Progress: row.Progress,
			SavePath: row.SavePath,
		})
	}
	return torrents, nil
}

// Files returns the file listing for one torrent.
func (c *HTTPClient) Files(ctx context.Context, hash string) ([]TorrentFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	body, err := c.get(ctx, "/api/v2/torrents/files", url.Values{"hash": {hash}})
	if err != nil {
		return nil, err
	}
	var rows []fileRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode torrent files: %w", err)
	}
	files := make([]TorrentFile, 0, len(rows))
	for _, row := range rows {
		files = append(files, TorrentFile{Name: row.Name, Size: row.Size})
	}
	return files, nil
}

// Add hands a .torrent payload to the client.
func (c *HTTPClient) Add(ctx context.Context, torrent []byte, opts AddOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("torrents", "upload.torrent")
	if err != nil {
		return fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(torrent); err != nil {
		return fmt.Errorf("write torrent payload: %w", err)
	}
	if opts.Category != "" {
		if err := writer.WriteField("category", opts.Category); err != nil {
			return fmt.Errorf("write category field: %w", err)
		}
	}
	if len(opts.Tags) > 0 {
		if err := writer.WriteField("tags", strings.Join(opts.Tags, ",")); err != nil {
			return fmt.Errorf("write tags field: %w", err)
		}
	}
	if opts.Paused {
		if err := writer.WriteField("stopped", "true"); err != nil {
			return fmt.Errorf("write stopped field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	if err := c.ensureLogin(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v2/torrents/add", &buf)
	if err != nil {
		return fmt.Errorf("build add request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("add torrent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("add torrent: status %s", resp.Status)
	}
	return nil
}

// SetCategory assigns a category, creating it on the client first.
func (c *HTTPClient) SetCategory(ctx context.Context, hash, category string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Creation fails with 409 when the category exists; both outcomes are fine.
	_ = c.postForm(ctx, "/api/v2/torrents/createCategory", url.Values{
		"category": {category},
		"savePath": {""},
	})
	return c.postForm(ctx, "/api/v2/torrents/setCategory", url.Values{
		"hashes":   {hash},
		"category": {category},
	})
}

// AddTags unions tags onto a torrent.
func (c *HTTPClient) AddTags(ctx context.Context, hash string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.postForm(ctx, "/api/v2/torrents/addTags", url.Values{
		"hashes": {hash},
		"tags":   {strings.Join(tags, ",")},
	})
}

// Delete removes a torrent from the client.
func (c *HTTPClient) Delete(ctx context.Context, hash string, deleteFiles bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deleteValue := "false"
	if deleteFiles {
		deleteValue = "true"
	}
	return c.postForm(ctx, "/api/v2/torrents/delete", url.Values{
		"hashes":      {hash},
		"deleteFiles": {deleteValue},
	})
}

func (c *HTTPClient) ensureLogin(ctx context.Context) error {
	if c.loggedIn {
		return nil
	}
	values := url.Values{
		"username": {c.username},
		"password": {c.password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v2/auth/login", strings.NewReader(values.Encode()))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: status %s", resp.Status)
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "SID" {
			c.http.Transport = &cookieTransport{sid: cookie.Value, base: http.DefaultTransport}
			c.loggedIn = true
			return nil
		}
	}
	return fmt.Errorf("login: no session cookie returned")
}

type cookieTransport struct {
	sid  string
	base http.RoundTripper
}

func (t *cookieTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.AddCookie(&http.Cookie{Name: "SID", Value: t.sid})
	return t.base.RoundTrip(req)
}

func (c *HTTPClient) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qbit request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("qbit request %s: status %s", path, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (c *HTTPClient) postForm(ctx context.Context, path string, values url.Values) error {
	if err := c.ensureLogin(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(values.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("qbit request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qbit request %s: status %s", path, resp.Status)
	}
	return nil
}


func splitTags(tags string) []string {
	if strings.TrimSpace(tags) == "" {
		return nil
	}
	parts := strings.Split(tags, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
