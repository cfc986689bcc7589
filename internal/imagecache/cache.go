// Package imagecache mirrors remote listing images onto local disk, keyed by
// the SHA-256 of the resolved remote URL.
package imagecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/FranksOps/poolfeed/internal/fetch"
	"github.com/FranksOps/poolfeed/internal/listing"
	"github.com/FranksOps/poolfeed/internal/metrics"
	"github.com/FranksOps/poolfeed/internal/storage"
)

// ErrDownload marks a resolution that could not produce a local file. Callers
// fall back to the placeholder.
var ErrDownload = errors.New("imagecache: download failed")

const (
	// DefaultURLPrefix is the public path cached files are served under.
	DefaultURLPrefix = "/media/"
	// DefaultPlaceholder is the neutral image shown when resolution fails.
	DefaultPlaceholder = "/static/placeholder.svg"
)

// Getter performs gated downloads; *fetch.Fetcher satisfies it.
type Getter interface {
	Get(ctx context.Context, req fetch.Request) (*fetch.Response, error)
}

var _ Getter = (*fetch.Fetcher)(nil)

// Config configures a Cache.
type Config struct {
	// Root is the directory cached files are written under.
	Root string
	// URLPrefix defaults to DefaultURLPrefix.
	URLPrefix string
	// Placeholder defaults to DefaultPlaceholder.
	Placeholder string
	// PlaceholderDigests lists hex SHA-256 digests of image bodies known to
	// be marketplace placeholders. A download matching one is rejected and
	// its key added to the known-bad set.
	PlaceholderDigests []string
	// AllowPrivateHosts permits downloads from loopback, private and
	// link-local addresses. Off outside tests.
	AllowPrivateHosts bool
}

// Options tunes a single resolution.
type Options struct {
	// Force skips the cache and downloads again.
	Force bool
}

// Cache resolves remote image URLs to local paths. Safe for concurrent use.
type Cache struct {
	cfg          Config
	getter       Getter
	index        storage.ImageIndex
	knownBad     KnownBad
	placeholders map[string]struct{}
	group        singleflight.Group
	logger       *slog.Logger
	now          func() time.Time
}

// New builds a cache. A nil knownBad uses an empty in-memory set.
func New(cfg Config, getter Getter, index storage.ImageIndex, knownBad KnownBad, logger *slog.Logger) (*Cache, error) {
	if cfg.Root == "" {
		return nil, errors.New("imagecache: root directory required")
	}
	if cfg.URLPrefix == "" {
		cfg.URLPrefix = DefaultURLPrefix
	}
	if !strings.HasSuffix(cfg.URLPrefix, "/") {
		cfg.URLPrefix += "/"
	}
	if cfg.Placeholder == "" {
		cfg.Placeholder = DefaultPlaceholder
	}
	if knownBad == nil {
		knownBad = NewMemoryKnownBad()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("imagecache: create root: %w", err)
	}

	placeholders := make(map[string]struct{}, len(cfg.PlaceholderDigests))
	for _, d := range cfg.PlaceholderDigests {
		placeholders[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}

	return &Cache{
		cfg:          cfg,
		getter:       getter,
		index:        index,
		knownBad:     knownBad,
		placeholders: placeholders,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Root is the directory files are stored under.
func (c *Cache) Root() string { return c.cfg.Root }

// URLPrefix is the public path prefix of cached files.
func (c *Cache) URLPrefix() string { return c.cfg.URLPrefix }

// Placeholder is the neutral fallback path.
func (c *Cache) Placeholder() string { return c.cfg.Placeholder }

// KnownBad exposes the known-bad set for management.
func (c *Cache) KnownBad() KnownBad { return c.knownBad }

// IsLocal reports whether ref already denotes a local path.
func (c *Cache) IsLocal(ref string) bool {
	ref = strings.TrimSpace(ref)
	return strings.HasPrefix(ref, c.cfg.URLPrefix) || ref == c.cfg.Placeholder
}

// Resolve returns the local path for remote, downloading it when there is no
// usable cached copy. Local references are returned unchanged.
func (c *Cache) Resolve(ctx context.Context, remote string, opts Options) (string, error) {
	ref := strings.TrimSpace(remote)
	if c.IsLocal(ref) {
		metrics.RecordImage("local")
		return ref, nil
	}

	resolved, err := ResolveURL(ref)
	if err != nil {
		metrics.RecordImage("failed")
		return "", fmt.Errorf("%w: %w", ErrDownload, err)
	}
	key := Key(resolved)

	if !opts.Force {
		if p, ok := c.lookup(ctx, key); ok {
			metrics.RecordImage("hit")
			return p, nil
		}
	}

	// The shared download outlives any single caller; each caller only
	// stops waiting when its own context ends.
	ch := c.group.DoChan(key, func() (any, error) {
		return c.download(context.WithoutCancel(ctx), key, resolved)
	})
	select {
	case <-ctx.Done():
		metrics.RecordImage("failed")
		return "", fmt.Errorf("%w: %s: %w", ErrDownload, resolved, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			metrics.RecordImage("failed")
			return "", res.Err
		}
		metrics.RecordImage("miss")
		return res.Val.(string), nil
	}
}

// ResolveOrPlaceholder is Resolve that degrades to the placeholder path.
func (c *Cache) ResolveOrPlaceholder(ctx context.Context, remote string, opts Options) string {
	p, err := c.Resolve(ctx, remote, opts)
	if err != nil {
		c.logger.Warn("image resolution failed, using placeholder", "url", remote, "err", err)
		return c.cfg.Placeholder
	}
	return p
}

// Invalidate drops the cached entry and file for remote.
func (c *Cache) Invalidate(ctx context.Context, remote string) error {
	resolved, err := ResolveURL(strings.TrimSpace(remote))
	if err != nil {
		return err
	}
	key := Key(resolved)
	img, err := c.index.GetImage(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("imagecache: invalidate %s: %w", key, err)
	}
	if file := c.filePath(img.Path); file != "" {
		if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("imagecache: remove %s: %w", file, err)
		}
	}
	return c.index.DeleteImage(ctx, key)
}

// lookup returns a servable cached path for key.
func (c *Cache) lookup(ctx context.Context, key string) (string, bool) {
	img, err := c.index.GetImage(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("image index lookup failed", "key", key, "err", err)
		}
		return "", false
	}
	if img.KnownBad {
		metrics.RecordImage("known_bad")
		return "", false
	}
	bad, err := c.knownBad.Contains(ctx, key)
	if err != nil {
		c.logger.Warn("known-bad lookup failed", "key", key, "err", err)
		return "", false
	}
	if bad {
		metrics.RecordImage("known_bad")
		return "", false
	}
	if _, err := os.Stat(c.filePath(img.Path)); err != nil {
		return "", false
	}
	return img.Path, true
}

func (c *Cache) download(ctx context.Context, key, resolved string) (string, error) {
	u, _ := url.Parse(resolved)
	resp, err := c.getter.Get(ctx, fetch.Request{
		URL:        resolved,
		GateKey:    "image:" + u.Hostname(),
		Accept:     fetch.AcceptImage,
		PublicOnly: !c.cfg.AllowPrivateHosts,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrDownload, resolved, err)
	}
	if len(resp.Body) == 0 {
		return "", fmt.Errorf("%w: %s: empty body", ErrDownload, resolved)
	}

	contentType := imageType(resp.Header.Get("Content-Type"), resp.Body)
	if contentType == "" {
		return "", fmt.Errorf("%w: %s: not an image", ErrDownload, resolved)
	}

	sum := sha256.Sum256(resp.Body)
	if _, ok := c.placeholders[hex.EncodeToString(sum[:])]; ok {
		if err := c.knownBad.Add(ctx, key); err != nil {
			c.logger.Warn("mark known-bad failed", "key", key, "err", err)
		}
		return "", fmt.Errorf("%w: %s: marketplace placeholder image", ErrDownload, resolved)
	}

	rel := path.Join(key[:2], key+extension(contentType))
	if err := c.write(rel, resp.Body); err != nil {
		return "", err
	}

	public := c.cfg.URLPrefix + rel
	if prev, err := c.index.GetImage(ctx, key); err == nil && prev.Path != public {
		if old := c.filePath(prev.Path); old != "" {
			_ = os.Remove(old)
		}
	}

	img := &listing.CachedImage{
		Key:         key,
		SourceURL:   resolved,
		Path:        public,
		ContentType: contentType,
		Size:        int64(len(resp.Body)),
		FetchedAt:   c.now(),
	}
	if err := c.index.PutImage(ctx, img); err != nil {
		return "", fmt.Errorf("imagecache: record %s: %w", key, err)
	}

	c.logger.Debug("image cached", "url", resolved, "path", public, "bytes", img.Size)
	return public, nil
}

// write stores data at rel under the root via a temp file and rename, so a
// reader never sees a partial file.
func (c *Cache) write(rel string, data []byte) error {
	final := filepath.Join(c.cfg.Root, filepath.FromSlash(rel))
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("imagecache: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return fmt.Errorf("imagecache: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("imagecache: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("imagecache: close: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return fmt.Errorf("imagecache: rename: %w", err)
	}
	return nil
}

// filePath maps a public path back onto the filesystem.
func (c *Cache) filePath(public string) string {
	rel, ok := strings.CutPrefix(public, c.cfg.URLPrefix)
	if !ok || rel == "" {
		return ""
	}
	return filepath.Join(c.cfg.Root, filepath.FromSlash(path.Clean("/"+rel)))
}

// ResolveURL trims ref and resolves protocol-relative URLs to https. Only
// absolute http(s) URLs are accepted.
func ResolveURL(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "//") {
		ref = "https:" + ref
	}
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid image url %q", ref)
	}
	return u.String(), nil
}

// Key is the content key of an already resolved URL.
func Key(resolved string) string {
	sum := sha256.Sum256([]byte(resolved))
	return hex.EncodeToString(sum[:])
}

// imageType returns the raster image media type from the header, falling
// back to sniffing the body. Empty means not an acceptable image. SVG is
// refused since it can carry script.
func imageType(header string, body []byte) string {
	for _, candidate := range []string{header, http.DetectContentType(body)} {
		mt, _, err := mime.ParseMediaType(candidate)
		if err != nil || !strings.HasPrefix(mt, "image/") {
			continue
		}
		if mt == "image/svg+xml" {
			return ""
		}
		return mt
	}
	return ""
}

var extensions = map[string]string{
	"image/jpeg":   ".jpg",
	"image/png":    ".png",
	"image/gif":    ".gif",
	"image/webp":   ".webp",
	"image/avif":   ".avif",
	"image/bmp":    ".bmp",
	"image/x-icon": ".ico",
}

func extension(contentType string) string {
	if ext, ok := extensions[contentType]; ok {
		return ext
	}
	return ".img"
}
