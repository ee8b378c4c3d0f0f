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
	"strings"
	"sync"
	"time"

	appLog "icsreminder/internal/log"
)

// maxPayloadBytes bounds a single calendar download.
const maxPayloadBytes = 4 << 20

// Resolver turns a content reference with a non-HTTP scheme (for example
// an mxc:// URI) into raw bytes.
type Resolver interface {
	Download(ctx context.Context, ref string) ([]byte, error)
}

// cacheEntry holds HTTP cache metadata for a single calendar URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher resolves content references to calendar bytes. HTTP(S) URLs use
// conditional requests backed by a disk cache; other schemes go through
// registered resolvers.
type Fetcher struct {
	client   *http.Client
	cacheDir string

	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// NewFetcher creates a Fetcher caching under cacheDir
// (e.g. "/var/lib/icsreminder/ics-cache").
func NewFetcher(cacheDir string) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		cacheDir:  cacheDir,
		resolvers: make(map[string]Resolver),
	}
}

// Register routes references with the given scheme ("mxc") to r.
func (f *Fetcher) Register(scheme string, r Resolver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolvers[strings.ToLower(scheme)] = r
}

// Fetch returns the bytes behind ref.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || u.Scheme == "" {
		return nil, fmt.Errorf("ics: invalid content reference %q", redactURL(ref))
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "http" || scheme == "https" {
		return f.fetchHTTP(ctx, u.String())
	}

	f.mu.RLock()
	r, ok := f.resolvers[scheme]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("ics: no resolver for scheme %q", scheme)
	}
	return r.Download(ctx, ref)
}

// fetchHTTP honours ETag and Last-Modified, and falls back to the cached
// body on network errors and non-OK statuses.
func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	cachePath := f.cachePathForURL(rawURL)
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return nil, err
	}

	meta, _ := loadCacheMeta(cachePath)
	cachedBody, _ := os.ReadFile(filepath.Join(cachePath, "body.ics"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if len(cachedBody) > 0 {
			appLog.Error("ics fetch network error, using cached body", err, "url", redactURL(rawURL))
			return cachedBody, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes+1))
		if err != nil {
			return nil, err
		}
		if len(body) > maxPayloadBytes {
			return nil, fmt.Errorf("ics: payload exceeds %d bytes", maxPayloadBytes)
		}

		newMeta := cacheEntry{
			URL:          rawURL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := saveCache(cachePath, newMeta, body); err != nil {
			appLog.Error("ics cache save failed", err, "url", redactURL(rawURL))
		}
		appLog.Debug("ics fetch success", "url", redactURL(rawURL), "bytes", len(body))
		return body, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return nil, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Debug("ics fetch not modified; using cache", "url", redactURL(rawURL))
		return cachedBody, nil

	default:
		if len(cachedBody) > 0 {
			appLog.Error("ics fetch non-OK, using cached body", errors.New(resp.Status), "url", redactURL(rawURL))
			return cachedBody, nil
		}
		return nil, errors.New(resp.Status)
	}
}

func (f *Fetcher) cachePathForURL(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
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

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Body first so meta never points at a missing body.
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

// redactURL keeps scheme and host only; calendar URLs often embed tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
