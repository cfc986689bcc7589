// Package fetch performs every outbound marketplace and image request. Each
// call holds a gate permit for its whole duration, carries a bounded timeout
// and reports failures as classified *Error values.
package fetch

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/FranksOps/poolfeed/internal/gate"
	"github.com/FranksOps/poolfeed/internal/metrics"
	"github.com/FranksOps/poolfeed/pkg/httpclient"
	"github.com/FranksOps/poolfeed/pkg/proxy"
	"github.com/FranksOps/poolfeed/pkg/useragent"
)

type contextKey string

const proxyKey contextKey = "proxy_url"

const (
	defaultTimeout      = 20 * time.Second
	defaultMaxBodyBytes = 16 << 20

	// AcceptHTML is the Accept header for page and API fetches.
	AcceptHTML = "text/html,application/xhtml+xml,application/xml;q=0.9,application/json;q=0.8,*/*;q=0.7"
	// AcceptImage is the Accept header for image downloads.
	AcceptImage = "image/avif,image/webp,image/apng,image/*,*/*;q=0.8"
)

// Config configures a Fetcher.
type Config struct {
	// Timeout bounds each call including the gate wait. Defaults to 20s.
	Timeout time.Duration
	// MaxBodyBytes caps response bodies. Defaults to 16MiB.
	MaxBodyBytes int64
	MaxRedirects int
	UseCookieJar bool
	Fingerprint  Profile
	ProxyPool    *proxy.Pool
	UAPool       *useragent.Pool
	// Gate admits outbound calls. A nil gate admits everything.
	Gate *gate.Gate
	// Detectors defaults to DefaultDetectors().
	Detectors []Detector
	// RootCAs overrides the system roots for the fingerprinted transport.
	RootCAs *x509.CertPool
	// Transport overrides the fingerprinted transport; used by tests.
	Transport http.RoundTripper
	// Resolver checks hosts of public-only requests. Defaults to
	// net.DefaultResolver.
	Resolver *net.Resolver
}

// Request is a single GET.
type Request struct {
	URL string
	// GateKey selects the rate budget, e.g. "alibaba" or "image:cdn.example".
	GateKey string
	// Accept defaults to AcceptHTML.
	Accept string
	Header http.Header
	// PublicOnly refuses loopback, private and link-local destinations on
	// every hop, redirects included.
	PublicOnly bool
}

// Response is a fully read response body.
type Response struct {
	URL string
	// FinalURL is the URL after redirects.
	FinalURL   string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher performs gated GETs.
type Fetcher struct {
	cfg    Config
	client *httpclient.Client
	logger *slog.Logger
}

// New builds a Fetcher. A single client is kept for the fetcher's lifetime
// so connection pools and cookie jars persist across calls.
func New(cfg Config, logger *slog.Logger) (*Fetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.UAPool == nil {
		cfg.UAPool = useragent.NewPool(nil)
	}
	if cfg.Detectors == nil {
		cfg.Detectors = DefaultDetectors()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}

	transport := cfg.Transport
	if transport == nil {
		// The proxy is chosen per request and carried in the request context.
		proxyFunc := func(req *http.Request) (*url.URL, error) {
			if u, ok := req.Context().Value(proxyKey).(*url.URL); ok && u != nil {
				return u, nil
			}
			return http.ProxyFromEnvironment(req)
		}
		var err error
		transport, err = NewTransport(cfg.Fingerprint, TransportConfig{Proxy: proxyFunc, RootCAs: cfg.RootCAs})
		if err != nil {
			return nil, fmt.Errorf("fetch: setup transport: %w", err)
		}
	}
	transport = &publicOnlyTransport{next: transport, resolver: cfg.Resolver}

	client, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: cfg.MaxRedirects,
		UseCookieJar: cfg.UseCookieJar,
		Transport:    transport,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch: create client: %w", err)
	}

	return &Fetcher{cfg: cfg, client: client, logger: logger}, nil
}

// Get acquires a gate permit for r.GateKey, performs the request and reads
// the body. Non-2xx statuses, detected bot challenges and network failures
// come back as *Error. The permit is released on every path.
func (f *Fetcher) Get(ctx context.Context, r Request) (*Response, error) {
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &Error{Kind: KindMalformed, URL: r.URL, Err: fmt.Errorf("invalid url")}
	}
	host := u.Hostname()

	callCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	if f.cfg.Gate != nil {
		permit, err := f.cfg.Gate.Acquire(callCtx, r.GateKey)
		if err != nil {
			return nil, f.gateErr(ctx, r.URL, err)
		}
		defer permit.Release()
	}

	start := time.Now()
	resp, err := f.do(callCtx, u, r)
	d := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch %s: %w", r.URL, ctx.Err())
		}
		var fe *Error
		switch {
		case errors.As(err, &fe):
		case errors.Is(err, ErrPrivateAddress):
			f.logger.Warn("fetch refused", "url", r.URL, "err", err)
			fe = &Error{Kind: KindForbidden, URL: r.URL, Err: err}
		default:
			fe = classify(r.URL, err)
		}
		metrics.RecordFetch(host, 0, string(fe.Kind), 0, d)
		return nil, fe
	}
	resp.Duration = d

	if blocked, source := Detect(resp, f.cfg.Detectors); blocked {
		f.logger.Warn("fetch blocked", "url", r.URL, "status", resp.StatusCode, "by", source)
		metrics.RecordFetch(host, resp.StatusCode, string(KindBlocked), len(resp.Body), d)
		return nil, &Error{Kind: KindBlocked, URL: r.URL, StatusCode: resp.StatusCode, Source: source}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		metrics.RecordFetch(host, resp.StatusCode, string(KindNotFound), len(resp.Body), d)
		return nil, &Error{Kind: KindNotFound, URL: r.URL, StatusCode: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		metrics.RecordFetch(host, resp.StatusCode, string(KindStatus), len(resp.Body), d)
		return nil, &Error{Kind: KindStatus, URL: r.URL, StatusCode: resp.StatusCode}
	}

	metrics.RecordFetch(host, resp.StatusCode, "", len(resp.Body), d)
	return resp, nil
}

func (f *Fetcher) do(ctx context.Context, u *url.URL, r Request) (*Response, error) {
	var activeProxy *url.URL
	if f.cfg.ProxyPool != nil {
		activeProxy = f.cfg.ProxyPool.Next()
		if activeProxy != nil {
			ctx = context.WithValue(ctx, proxyKey, activeProxy)
		}
	}
	if r.PublicOnly {
		ctx = context.WithValue(ctx, publicOnlyKey, true)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if activeProxy == nil {
		// Pin the environment proxy so the dial guard knows the connection
		// goes to a proxy rather than the destination.
		if envProxy, _ := http.ProxyFromEnvironment(req); envProxy != nil {
			ctx = context.WithValue(ctx, proxyKey, envProxy)
		}
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.cfg.UAPool.ForHost(u.Hostname()))
	}
	accept := r.Accept
	if accept == "" {
		accept = AcceptHTML
	}
	req.Header.Set("Accept", accept)
	if req.Header.Get("Accept-Language") == "" {
		req.Header.Set("Accept-Language", "en-US,en;q=0.8")
	}

	resp, err := f.client.Do(ctx, req)
	if err != nil {
		if activeProxy != nil {
			_ = f.cfg.ProxyPool.MarkFailure(activeProxy)
			metrics.ProxyFailures.WithLabelValues(activeProxy.Host).Inc()
		}
		return nil, err
	}
	defer resp.Body.Close()

	if activeProxy != nil {
		_ = f.cfg.ProxyPool.MarkSuccess(activeProxy)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return nil, &Error{Kind: KindMalformed, URL: r.URL, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("body exceeds %d bytes", f.cfg.MaxBodyBytes)}
	}

	final := r.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	return &Response{
		URL:        r.URL,
		FinalURL:   final,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (f *Fetcher) gateErr(parent context.Context, rawURL string, err error) error {
	if errors.Is(err, gate.ErrWaitExceeded) {
		return &Error{Kind: KindExhausted, URL: rawURL, Err: err}
	}
	if parent.Err() != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, parent.Err())
	}
	// The per-call timeout ran out while queued at the gate.
	return &Error{Kind: KindTimeout, URL: rawURL, Err: err}
}
