package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FranksOps/poolfeed/internal/gate"
	"github.com/FranksOps/poolfeed/pkg/proxy"
	"github.com/FranksOps/poolfeed/pkg/useragent"
)

func newTestFetcher(t *testing.T, cfg Config) *Fetcher {
	t.Helper()
	if cfg.Fingerprint == "" {
		cfg.Fingerprint = ProfileGo
	}
	f, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func TestFetcher_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "TestBrowser/1.0" {
			t.Errorf("unexpected User-Agent %q", r.Header.Get("User-Agent"))
		}
		if r.Header.Get("Accept") != AcceptImage {
			t.Errorf("unexpected Accept %q", r.Header.Get("Accept"))
		}
		w.Header().Set("X-Test", "true")
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	f := newTestFetcher(t, Config{
		Timeout: 5 * time.Second,
		UAPool:  useragent.NewPool([]string{"TestBrowser/1.0"}),
	})

	res, err := f.Get(context.Background(), Request{URL: ts.URL, Accept: AcceptImage})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", res.StatusCode)
	}
	if string(res.Body) != "ok" {
		t.Errorf("expected body 'ok', got %s", res.Body)
	}
	if res.Header.Get("X-Test") != "true" {
		t.Errorf("expected X-Test header, got %v", res.Header)
	}
	if res.Duration == 0 {
		t.Errorf("expected non-zero duration")
	}
}

func TestFetcher_NotFoundIsNotTransient(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	f := newTestFetcher(t, Config{})
	_, err := f.Get(context.Background(), Request{URL: ts.URL})
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if errors.Is(err, ErrTransient) {
		t.Errorf("not found must not match ErrTransient")
	}
}

func TestFetcher_StatusIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	f := newTestFetcher(t, Config{})
	_, err := f.Get(context.Background(), Request{URL: ts.URL})
	if !errors.Is(err, ErrTransient) || KindOf(err) != KindStatus {
		t.Fatalf("expected transient status failure, got %v", err)
	}
	var fe *Error
	if !errors.As(err, &fe) || fe.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status code on error, got %v", err)
	}
}

func TestFetcher_Blocked(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "cloudflare")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("Attention Required! | Cloudflare"))
	}))
	defer ts.Close()

	f := newTestFetcher(t, Config{})
	_, err := f.Get(context.Background(), Request{URL: ts.URL})
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindBlocked || fe.Source != "Cloudflare" {
		t.Fatalf("expected Cloudflare block, got %v", err)
	}
	if !errors.Is(err, ErrTransient) {
		t.Errorf("blocked must match ErrTransient")
	}
}

func TestFetcher_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	f := newTestFetcher(t, Config{Timeout: 10 * time.Millisecond})
	_, err := f.Get(context.Background(), Request{URL: ts.URL})
	if KindOf(err) != KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !errors.Is(err, ErrTransient) {
		t.Errorf("timeout must match ErrTransient")
	}
}

func TestFetcher_BodyLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer ts.Close()

	f := newTestFetcher(t, Config{MaxBodyBytes: 16})
	_, err := f.Get(context.Background(), Request{URL: ts.URL})
	if KindOf(err) != KindMalformed {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestFetcher_InvalidURL(t *testing.T) {
	f := newTestFetcher(t, Config{})
	for _, u := range []string{"", "ftp://example.com/a", "not a url", "http://"} {
		if _, err := f.Get(context.Background(), Request{URL: u}); KindOf(err) != KindMalformed {
			t.Errorf("%q: expected malformed, got %v", u, err)
		}
	}
}

func TestFetcher_GateExhausted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	g := gate.New(gate.Config{MaxConcurrent: 1, MaxWait: 20 * time.Millisecond})
	held, err := g.Acquire(context.Background(), "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer held.Release()

	f := newTestFetcher(t, Config{Gate: g})
	_, err = f.Get(context.Background(), Request{URL: ts.URL})
	if KindOf(err) != KindExhausted {
		t.Fatalf("expected exhausted, got %v", err)
	}
	if !errors.Is(err, ErrTransient) || !errors.Is(err, gate.ErrWaitExceeded) {
		t.Errorf("expected transient wrapping ErrWaitExceeded, got %v", err)
	}
}

func TestFetcher_ReleasesPermitOnFailure(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	g := gate.New(gate.Config{MaxConcurrent: 1, MaxWait: time.Second})
	f := newTestFetcher(t, Config{Gate: g})

	for i := 0; i < 5; i++ {
		if _, err := f.Get(context.Background(), Request{URL: ts.URL, GateKey: "test"}); KindOf(err) != KindStatus {
			t.Fatalf("call %d: expected status failure, got %v", i, err)
		}
	}
	if g.InFlight() != 0 {
		t.Errorf("expected no permits held, got %d", g.InFlight())
	}
	if hits.Load() != 5 {
		t.Errorf("expected 5 requests, got %d", hits.Load())
	}
}

func TestFetcher_CallerCancellation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	f := newTestFetcher(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Get(ctx, Request{URL: ts.URL})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFetcher_Proxy(t *testing.T) {
	// The "proxy" answers every request itself, so a 418 proves routing.
	proxyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer proxyServer.Close()

	pool := proxy.NewPool(proxy.Config{MaxFailures: 1, Cooldown: time.Second})
	if err := pool.Add(proxyServer.URL); err != nil {
		t.Fatalf("failed to add proxy: %v", err)
	}

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	f := newTestFetcher(t, Config{Timeout: 5 * time.Second, ProxyPool: pool})
	_, err := f.Get(context.Background(), Request{URL: target.URL})
	var fe *Error
	if !errors.As(err, &fe) || fe.StatusCode != http.StatusTeapot {
		t.Errorf("expected 418 from proxy, got %v", err)
	}
}
