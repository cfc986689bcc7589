package imagecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FranksOps/poolfeed/internal/fetch"
	"github.com/FranksOps/poolfeed/internal/gate"
	"github.com/FranksOps/poolfeed/internal/storage/memory"
)

var pngBody = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")

type stubGetter struct {
	mu    sync.Mutex
	calls int
	urls  []string
	body  []byte
	ctype string
	err   error
	delay time.Duration
}

func (s *stubGetter) Get(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
	s.mu.Lock()
	s.calls++
	s.urls = append(s.urls, req.URL)
	s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	return &fetch.Response{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{s.ctype}},
		Body:       s.body,
	}, nil
}

func (s *stubGetter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestCache(t *testing.T, g Getter, cfg Config) (*Cache, *memory.Store) {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	store := memory.New()
	c, err := New(cfg, g, store, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, store
}

// files lists every regular file under root.
func files(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			out = append(out, p)
		}
		return nil
	})
	return out
}

func TestResolve_LocalUnchanged(t *testing.T) {
	g := &stubGetter{body: pngBody, ctype: "image/png"}
	c, _ := newTestCache(t, g, Config{})
	ctx := context.Background()

	for _, ref := range []string{"/media/ab/abcdef.jpg", DefaultPlaceholder} {
		got, err := c.Resolve(ctx, ref, Options{Force: true})
		if err != nil || got != ref {
			t.Errorf("Resolve(%q) = %q, %v", ref, got, err)
		}
	}
	if g.Calls() != 0 {
		t.Errorf("local references must not fetch, got %d calls", g.Calls())
	}
}

func TestResolve_CacheStability(t *testing.T) {
	g := &stubGetter{body: pngBody, ctype: "image/png"}
	c, _ := newTestCache(t, g, Config{})
	ctx := context.Background()

	first, err := c.Resolve(ctx, "https://cdn.example/a.jpg", Options{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, err := c.Resolve(ctx, "https://cdn.example/a.jpg", Options{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if first != second {
		t.Errorf("paths differ: %q vs %q", first, second)
	}
	if g.Calls() != 1 {
		t.Errorf("expected exactly 1 fetch, got %d", g.Calls())
	}

	key := Key("https://cdn.example/a.jpg")
	want := "/media/" + key[:2] + "/" + key + ".png"
	if first != want {
		t.Errorf("path = %q, want %q", first, want)
	}
	data, err := os.ReadFile(filepath.Join(c.Root(), key[:2], key+".png"))
	if err != nil || string(data) != string(pngBody) {
		t.Errorf("cached file missing or wrong: %v", err)
	}
}

func TestResolve_KnownBadOverride(t *testing.T) {
	g := &stubGetter{body: pngBody, ctype: "image/png"}
	c, _ := newTestCache(t, g, Config{})
	ctx := context.Background()
	src := "https://cdn.example/bad.jpg"

	if _, err := c.Resolve(ctx, src, Options{}); err != nil {
		t.Fatal(err)
	}
	if err := c.KnownBad().Add(ctx, Key(src)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Resolve(ctx, src, Options{}); err != nil {
		t.Fatal(err)
	}
	if g.Calls() != 2 {
		t.Errorf("known-bad key should force a fresh fetch, got %d calls", g.Calls())
	}
}

func TestResolve_Force(t *testing.T) {
	g := &stubGetter{body: pngBody, ctype: "image/png"}
	c, _ := newTestCache(t, g, Config{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Resolve(ctx, "https://cdn.example/a.jpg", Options{Force: true}); err != nil {
			t.Fatal(err)
		}
	}
	if g.Calls() != 2 {
		t.Errorf("force should always fetch, got %d calls", g.Calls())
	}
}

func TestResolve_ProtocolRelative(t *testing.T) {
	g := &stubGetter{body: pngBody, ctype: "image/png"}
	c, _ := newTestCache(t, g, Config{})

	got, err := c.Resolve(context.Background(), "  //cdn.example/a.jpg ", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, Key("https://cdn.example/a.jpg")) {
		t.Errorf("protocol-relative URL not resolved to https: %q", got)
	}
	if g.urls[0] != "https://cdn.example/a.jpg" {
		t.Errorf("fetched %q", g.urls[0])
	}
}

func TestResolve_SniffsContentType(t *testing.T) {
	g := &stubGetter{body: pngBody, ctype: "application/octet-stream"}
	c, _ := newTestCache(t, g, Config{})

	got, err := c.Resolve(context.Background(), "https://cdn.example/a", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(got, ".png") {
		t.Errorf("expected sniffed png extension, got %q", got)
	}
}

func TestResolve_Failures(t *testing.T) {
	tests := []struct {
		name string
		src  string
		g    *stubGetter
	}{
		{"not an image", "https://cdn.example/a.jpg", &stubGetter{body: []byte("<html><body>denied</body></html>"), ctype: "text/html"}},
		{"empty body", "https://cdn.example/a.jpg", &stubGetter{ctype: "image/png"}},
		{"fetch error", "https://cdn.example/a.jpg", &stubGetter{err: &fetch.Error{Kind: fetch.KindTimeout, URL: "https://cdn.example/a.jpg"}}},
		{"invalid url", "not a url", &stubGetter{body: pngBody, ctype: "image/png"}},
		{"svg", "https://cdn.example/a.svg", &stubGetter{body: []byte(`<svg xmlns="http://www.w3.org/2000/svg"><script>alert(1)</script></svg>`), ctype: "image/svg+xml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, store := newTestCache(t, tt.g, Config{})
			_, err := c.Resolve(context.Background(), tt.src, Options{})
			if !errors.Is(err, ErrDownload) {
				t.Fatalf("expected ErrDownload, got %v", err)
			}
			if f := files(t, c.Root()); len(f) != 0 {
				t.Errorf("failure left files behind: %v", f)
			}
			if _, err := store.GetImage(context.Background(), Key(tt.src)); err == nil {
				t.Errorf("failure recorded an index entry")
			}
		})
	}
}

func TestResolve_FetchErrorStaysTransient(t *testing.T) {
	g := &stubGetter{err: &fetch.Error{Kind: fetch.KindBlocked, URL: "https://cdn.example/a.jpg"}}
	c, _ := newTestCache(t, g, Config{})
	_, err := c.Resolve(context.Background(), "https://cdn.example/a.jpg", Options{})
	if !errors.Is(err, fetch.ErrTransient) {
		t.Errorf("expected wrapped transient error, got %v", err)
	}
}

func TestResolveOrPlaceholder(t *testing.T) {
	g := &stubGetter{err: errors.New("boom")}
	c, _ := newTestCache(t, g, Config{Placeholder: "/static/none.png"})

	if got := c.ResolveOrPlaceholder(context.Background(), "https://cdn.example/a.jpg", Options{}); got != "/static/none.png" {
		t.Errorf("got %q", got)
	}
}

func TestResolve_PlaceholderDigest(t *testing.T) {
	sum := sha256.Sum256(pngBody)
	g := &stubGetter{body: pngBody, ctype: "image/png"}
	c, _ := newTestCache(t, g, Config{PlaceholderDigests: []string{strings.ToUpper(hex.EncodeToString(sum[:]))}})
	ctx := context.Background()
	src := "https://cdn.example/placeholder.png"

	if _, err := c.Resolve(ctx, src, Options{}); !errors.Is(err, ErrDownload) {
		t.Fatalf("expected ErrDownload, got %v", err)
	}
	bad, _ := c.KnownBad().Contains(ctx, Key(src))
	if !bad {
		t.Errorf("placeholder image not marked known-bad")
	}
	if f := files(t, c.Root()); len(f) != 0 {
		t.Errorf("placeholder image written to disk: %v", f)
	}
}

func TestInvalidate(t *testing.T) {
	g := &stubGetter{body: pngBody, ctype: "image/png"}
	c, store := newTestCache(t, g, Config{})
	ctx := context.Background()
	src := "https://cdn.example/a.jpg"

	if _, err := c.Resolve(ctx, src, Options{}); err != nil {
		t.Fatal(err)
	}
	if err := c.Invalidate(ctx, src); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if f := files(t, c.Root()); len(f) != 0 {
		t.Errorf("file not removed: %v", f)
	}
	if _, err := store.GetImage(ctx, Key(src)); err == nil {
		t.Errorf("index entry not removed")
	}
	if err := c.Invalidate(ctx, src); err != nil {
		t.Errorf("second Invalidate should be a no-op: %v", err)
	}
}

func TestResolve_MissingFileRefetches(t *testing.T) {
	g := &stubGetter{body: pngBody, ctype: "image/png"}
	c, _ := newTestCache(t, g, Config{})
	ctx := context.Background()

	if _, err := c.Resolve(ctx, "https://cdn.example/a.jpg", Options{}); err != nil {
		t.Fatal(err)
	}
	for _, f := range files(t, c.Root()) {
		_ = os.Remove(f)
	}
	if _, err := c.Resolve(ctx, "https://cdn.example/a.jpg", Options{}); err != nil {
		t.Fatal(err)
	}
	if g.Calls() != 2 {
		t.Errorf("expected refetch after file loss, got %d calls", g.Calls())
	}
}

func TestResolve_CollapsesConcurrentCalls(t *testing.T) {
	g := &stubGetter{body: pngBody, ctype: "image/png", delay: 50 * time.Millisecond}
	c, _ := newTestCache(t, g, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Resolve(context.Background(), "https://cdn.example/same.jpg", Options{}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if g.Calls() != 1 {
		t.Errorf("expected one download, got %d", g.Calls())
	}
}

func TestResolve_ConcurrencyBound(t *testing.T) {
	var inFlight, highWater atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			hw := highWater.Load()
			if n <= hw || highWater.CompareAndSwap(hw, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBody)
	}))
	defer ts.Close()

	g := gate.New(gate.Config{MaxConcurrent: 6})
	f, err := fetch.New(fetch.Config{Fingerprint: fetch.ProfileGo, Gate: g}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c, _ := newTestCache(t, f, Config{AllowPrivateHosts: true})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := c.Resolve(context.Background(), fmt.Sprintf("%s/img/%d.png", ts.URL, i), Options{}); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	if hw := highWater.Load(); hw > 6 || hw == 0 {
		t.Errorf("server saw %d concurrent fetches, want 1..6", hw)
	}
	if hw := g.HighWater(); hw > 6 {
		t.Errorf("gate high-water %d exceeds 6", hw)
	}
	if n := len(files(t, c.Root())); n != 50 {
		t.Errorf("expected 50 cached files, got %d", n)
	}
}

func TestExtension(t *testing.T) {
	if extension("image/jpeg") != ".jpg" || extension("image/x-unknown") != ".img" {
		t.Errorf("unexpected extensions")
	}
}

func TestResolve_RequestsArePublicOnly(t *testing.T) {
	var public []bool
	g := getterFunc(func(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
		public = append(public, req.PublicOnly)
		return &fetch.Response{StatusCode: http.StatusOK, Header: http.Header{"Content-Type": []string{"image/png"}}, Body: pngBody}, nil
	})

	c, _ := newTestCache(t, g, Config{})
	if _, err := c.Resolve(context.Background(), "https://cdn.example/a.png", Options{}); err != nil {
		t.Fatal(err)
	}
	c, _ = newTestCache(t, g, Config{AllowPrivateHosts: true})
	if _, err := c.Resolve(context.Background(), "https://cdn.example/a.png", Options{}); err != nil {
		t.Fatal(err)
	}
	if len(public) != 2 || !public[0] || public[1] {
		t.Errorf("unexpected PublicOnly flags %v", public)
	}
}

func TestResolve_CallerTimeoutDoesNotFailOthers(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	g := getterFunc(func(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &fetch.Response{StatusCode: http.StatusOK, Header: http.Header{"Content-Type": []string{"image/png"}}, Body: pngBody}, nil
	})
	c, _ := newTestCache(t, g, Config{})
	const src = "https://cdn.example/slow.png"

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Resolve(short, src, Options{})
		firstErr <- err
	}()

	// Join the same download before the first caller gives up.
	for calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	second := make(chan error, 1)
	var got string
	go func() {
		p, err := c.Resolve(context.Background(), src, Options{})
		got = p
		second <- err
	}()

	if err := <-firstErr; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("first caller: expected deadline exceeded, got %v", err)
	}
	close(release)
	if err := <-second; err != nil {
		t.Fatalf("second caller failed with the first caller's context: %v", err)
	}
	if !strings.HasPrefix(got, DefaultURLPrefix) {
		t.Errorf("unexpected path %q", got)
	}
	if calls.Load() != 1 {
		t.Errorf("expected one shared download, got %d", calls.Load())
	}
}

type getterFunc func(context.Context, fetch.Request) (*fetch.Response, error)

func (f getterFunc) Get(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
	return f(ctx, req)
}
