// Package remote talks to the HuggingFace Hub API: repository search and
// listing, per-file metadata and download URL construction.
package remote

import (
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

	"github.com/rs/zerolog"

	"modelhub/internal/download"
)

const (
	// DefaultBaseURL is the public HuggingFace Hub.
	DefaultBaseURL  = "https://huggingface.co"
	defaultRevision = "main"
	defaultTimeout  = 30 * time.Second
	errBodyLimit    = 1 << 10
)

// ErrRepoNotFound is returned when the registry does not know a repository.
var ErrRepoNotFound = errors.New("remote: repository not found")

// Config configures a Client.
type Config struct {
	BaseURL string
	// Token is sent as a bearer token; gated repositories require one.
	Token     string
	Revision  string
	UserAgent string
	// Client is used for API calls; a client with a 30s timeout when nil.
	Client *http.Client
	Logger zerolog.Logger
}

// Client is a HuggingFace Hub API client.
type Client struct {
	base      string
	token     string
	revision  string
	userAgent string
	hc        *http.Client
	log       zerolog.Logger
}

// New constructs a Client from cfg, applying defaults.
func New(cfg Config) *Client {
	c := &Client{
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		revision:  cfg.Revision,
		userAgent: cfg.UserAgent,
		hc:        cfg.Client,
		log:       cfg.Logger,
	}
	if c.base == "" {
		c.base = DefaultBaseURL
	}
	if c.revision == "" {
		c.revision = defaultRevision
	}
	if c.userAgent == "" {
		c.userAgent = "modelhub/1.0"
	}
	if c.hc == nil {
		c.hc = &http.Client{Timeout: defaultTimeout}
	}
	return c
}

// Query selects repositories in Search.
type Query struct {
	Search string
	// Filters are tag filters such as "gguf" or "text-generation".
	Filters []string
	Author  string
	Limit   int
	// Sort is a field such as "downloads", "likes" or "lastModified"; results
	// are always descending.
	Sort string
}

// Search lists repositories matching q.
func (c *Client) Search(ctx context.Context, q Query) ([]RepoInfo, error) {
	v := url.Values{}
	if q.Search != "" {
		v.Set("search", q.Search)
	}
	for _, f := range q.Filters {
		v.Add("filter", f)
	}
	if q.Author != "" {
		v.Set("author", q.Author)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Sort != "" {
		v.Set("sort", q.Sort)
		v.Set("direction", "-1")
	}
	var out []RepoInfo
	if err := c.getJSON(ctx, c.base+"/api/models?"+v.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRepo fetches repository metadata including file sizes.
func (c *Client) GetRepo(ctx context.Context, repoID string) (RepoInfo, error) {
	if err := validRepoID(repoID); err != nil {
		return RepoInfo{}, err
	}
	var info RepoInfo
	u := c.base + "/api/models/" + repoID
	if c.revision != defaultRevision {
		u += "/revision/" + url.PathEscape(c.revision)
	}
	if err := c.getJSON(ctx, u+"?blobs=true", &info); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return RepoInfo{}, fmt.Errorf("%w: %s", ErrRepoNotFound, repoID)
		}
		return RepoInfo{}, err
	}
	if info.ID == "" {
		info.ID = repoID
	}
	return info, nil
}

// ListFiles returns the files of a repository with their sizes.
func (c *Client) ListFiles(ctx context.Context, repoID string) ([]download.RemoteFile, error) {
	info, err := c.GetRepo(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return info.Files(), nil
}

// FileURL returns the download URL of path within repoID at the configured
// revision.
func (c *Client) FileURL(repoID, path string) string {
	segs := strings.Split(path, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return c.base + "/" + repoID + "/resolve/" + url.PathEscape(c.revision) + "/" + strings.Join(segs, "/")
}

// FileInfo describes a remote file without downloading it.
type FileInfo struct {
	Size         int64
	MIME         string
	ETag         string
	LastModified time.Time
}

// FileInfo issues a HEAD request for one file. Redirects to the CDN are
// followed; X-Linked-Size wins over Content-Length for LFS files.
func (c *Client) FileInfo(ctx context.Context, repoID, path string) (FileInfo, error) {
	u := c.FileURL(repoID, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return FileInfo{}, err
	}
	c.decorate(req)
	resp, err := c.hc.Do(req)
	if err != nil {
		return FileInfo{}, &download.Error{URL: u, Err: err}
	}
	defer resp.Body.Close()
	if err := statusError(u, resp); err != nil {
		return FileInfo{}, err
	}
	fi := FileInfo{
		Size: resp.ContentLength,
		MIME: resp.Header.Get("Content-Type"),
		ETag: strings.Trim(firstNonEmpty(resp.Header.Get("X-Linked-Etag"), resp.Header.Get("ETag")), `"`),
	}
	if s := resp.Header.Get("X-Linked-Size"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			fi.Size = n
		}
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			fi.LastModified = t
		}
	}
	return fi, nil
}

func (c *Client) decorate(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	c.decorate(req)
	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return &download.Error{URL: u, Err: err}
	}
	defer resp.Body.Close()
	c.log.Debug().Str("url", u).Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("registry request")
	if err := statusError(u, resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: decode %s: %w", u, err)
	}
	return nil
}

func statusError(u string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return &download.AuthRequiredError{URL: u}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
	return &download.Error{URL: u, StatusCode: resp.StatusCode, Err: remoteMessage(body)}
}

// remoteMessage extracts the registry's error text, if any.
func remoteMessage(body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return errors.New(payload.Error)
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return errors.New(s)
	}
	return nil
}

func isStatus(err error, code int) bool {
	var de *download.Error
	return errors.As(err, &de) && de.StatusCode == code
}

func validRepoID(repoID string) error {
	parts := strings.Split(repoID, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || strings.ContainsAny(repoID, " ?#") || parts[0] == ".." || parts[1] == ".." {
		return fmt.Errorf("remote: invalid repository id %q", repoID)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
