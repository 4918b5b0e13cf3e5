package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	appLog "calmirror/internal/log"
)

// DefaultCacheBustParam is appended to every feed request so intermediate
// caches never serve a stale copy of the feed.
const DefaultCacheBustParam = "t"

// Source represents the calendar feed being mirrored.
type Source struct {
	// ID is an internal identifier used in logs.
	ID string
	// URL is the ICS endpoint.
	URL string
}

// FetchResult contains the outcome of fetching a feed.
type FetchResult struct {
	Source    Source
	Body      []byte // ICS payload (either freshly fetched or from cache)
	FromCache bool   // true if we reused cached body due to 304
}

// FetchError reports a non-OK HTTP status from the feed server.
type FetchError struct {
	StatusCode int
	Status     string
}

func (e *FetchError) Error() string {
	return "ics fetch: unexpected status " + e.Status
}

// cacheEntry holds HTTP cache metadata for a single ICS URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher retrieves the feed with a cache-defeating query parameter and,
// when cacheDir is set, conditional requests (ETag / Last-Modified) backed
// by a disk cache.
type Fetcher struct {
	client         *http.Client
	cacheDir       string
	cacheBustParam string
	now            func() time.Time
}

// FetcherOptions configures NewFetcher. Zero values select defaults.
type FetcherOptions struct {
	// CacheDir enables the conditional-request cache. Empty disables it.
	CacheDir string
	// CacheBustParam names the query parameter carrying a per-fetch nonce.
	// "-" disables cache busting.
	CacheBustParam string
	Timeout        time.Duration
	Client         *http.Client
}

// NewFetcher creates a new ICS Fetcher.
func NewFetcher(opts FetcherOptions) *Fetcher {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	param := opts.CacheBustParam
	if param == "" {
		param = DefaultCacheBustParam
	}
	return &Fetcher{
		client:         client,
		cacheDir:       opts.CacheDir,
		cacheBustParam: param,
		now:            time.Now,
	}
}

// FetchOne fetches the feed. Any network failure or non-OK status is
// returned as an error; the fetcher never falls back to stale content,
// because mirroring an outdated feed would delete records that still exist.
// A 304 answer reuses the cached body.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, errors.New("ics fetch: source URL is empty")
	}

	requestURL, err := f.requestURL(src.URL)
	if err != nil {
		return FetchResult{}, fmt.Errorf("ics fetch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("ics fetch: %w", err)
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")

	var (
		cachePath  string
		cachedBody []byte
	)
	if f.cacheDir != "" {
		cachePath = f.cachePathForURL(src.URL)
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			return FetchResult{}, fmt.Errorf("ics fetch: cache dir: %w", err)
		}
		meta, _ := f.loadCacheMeta(cachePath)
		cachedBody, _ = f.loadCacheBody(cachePath)
		// Conditional headers only make sense when we can serve the body.
		if len(cachedBody) > 0 {
			if meta.ETag != "" {
				req.Header.Set("If-None-Match", meta.ETag)
			}
			if meta.LastModified != "" {
				req.Header.Set("If-Modified-Since", meta.LastModified)
			}
		}
	}

	appLog.Info("ics fetch start", "id", src.ID, "url", redactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		// The feed URL often embeds a secret token.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = redactURL(urlErr.URL)
		}
		return FetchResult{}, fmt.Errorf("ics fetch: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return FetchResult{}, fmt.Errorf("ics fetch: read body: %w", readErr)
		}

		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          src.URL,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := f.saveCache(cachePath, newMeta, body); err != nil {
				// Log but still return the freshly fetched body.
				appLog.Error("ics cache save failed", err, "id", src.ID, "url", redactURL(src.URL))
			}
		}

		appLog.Info("ics fetch success", "id", src.ID, "url", redactURL(src.URL), "status", resp.StatusCode, "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, errors.New("ics fetch: received 304 Not Modified but no cached body available")
		}
		appLog.Info("ics fetch not modified; using cache", "id", src.ID, "url", redactURL(src.URL))
		return FetchResult{Source: src, Body: cachedBody, FromCache: true}, nil

	default:
		return FetchResult{}, &FetchError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
}

// requestURL appends the cache-busting nonce to raw.
func (f *Fetcher) requestURL(raw string) (string, error) {
	if f.cacheBustParam == "-" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(f.cacheBustParam, strconv.FormatInt(f.now().UnixNano(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *Fetcher) cachePathForURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	// Use first 16 hex chars as directory name.
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL hides path and query of a feed URL for logging purposes;
// private calendar links carry their secret there.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func redactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "ics://...(redacted)"
	}
	return parsed.Scheme + "://" + parsed.Host + "/...(redacted)"
}

// RedactURL is redactURL for callers outside the package.
func RedactURL(u string) string {
	return redactURL(u)
}
