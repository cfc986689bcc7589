package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/sync/singleflight"
)

// Profile is the TLS ClientHello a fetcher presents to marketplaces.
type Profile string

const (
	ProfileChrome  Profile = "chrome"
	ProfileFirefox Profile = "firefox"
	ProfileSafari  Profile = "safari"
	ProfileGo      Profile = "go"     // standard library TLS
	ProfileRandom  Profile = "random" // randomized uTLS hello
)

// TransportConfig tunes NewTransport.
type TransportConfig struct {
	// Proxy selects the upstream proxy per request.
	Proxy func(*http.Request) (*url.URL, error)
	// RootCAs overrides the system roots.
	RootCAs *x509.CertPool
}

// NewTransport returns a round tripper presenting the profile's TLS
// fingerprint. ProfileGo yields a plain http.Transport. Every dial refuses
// non-public addresses for requests marked public-only.
func NewTransport(p Profile, cfg TransportConfig) (http.RoundTripper, error) {
	dialer := &net.Dialer{
		Timeout:        30 * time.Second,
		KeepAlive:      30 * time.Second,
		ControlContext: guardDial,
	}

	h1 := http.DefaultTransport.(*http.Transport).Clone()
	h1.MaxIdleConnsPerHost = 8
	h1.DialContext = dialer.DialContext
	if cfg.Proxy != nil {
		h1.Proxy = cfg.Proxy
	}
	if cfg.RootCAs != nil {
		h1.TLSClientConfig = &tls.Config{RootCAs: cfg.RootCAs}
	}
	if p == ProfileGo || p == "" {
		return h1, nil
	}

	var hello utls.ClientHelloID
	switch p {
	case ProfileChrome:
		hello = utls.HelloChrome_Auto
	case ProfileFirefox:
		hello = utls.HelloFirefox_Auto
	case ProfileSafari:
		hello = utls.HelloIOS_Auto
	case ProfileRandom:
		hello = utls.HelloRandomizedALPN
	default:
		return nil, fmt.Errorf("fetch: unknown TLS profile %q", p)
	}

	t := &fingerprintTransport{
		h1:     h1,
		hello:  hello,
		roots:  cfg.RootCAs,
		dialer: dialer,
		protos: make(map[string]string),
	}
	// A *utls.UConn is not a *tls.Conn, so net/http cannot see the ALPN
	// result. Each transport only ever receives connections that negotiated
	// its own protocol.
	h1.ForceAttemptHTTP2 = false
	h1.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	h1.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return t.dialProto(ctx, network, addr, false)
	}
	t.h2 = &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return t.dialProto(ctx, network, addr, true)
		},
		ReadIdleTimeout: 30 * time.Second,
	}
	return t, nil
}

// fingerprintTransport sends each https request over HTTP/2 or HTTP/1.1
// according to what the host negotiated for the uTLS hello.
type fingerprintTransport struct {
	h1     *http.Transport
	h2     *http2.Transport
	hello  utls.ClientHelloID
	roots  *x509.CertPool
	dialer *net.Dialer

	alpnLookups singleflight.Group
	mu          sync.Mutex
	protos      map[string]string // host:port -> negotiated ALPN
}

var errProtocolChanged = errors.New("fetch: server changed negotiated protocol")

func (t *fingerprintTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return t.h1.RoundTrip(req)
	}
	if t.h1.Proxy != nil {
		// Proxied https is tunnelled by net/http with its own TLS client.
		if u, err := t.h1.Proxy(req); err != nil || u != nil {
			return t.h1.RoundTrip(req)
		}
	}

	addr := hostPort(req.URL)
	proto, err := t.protocol(req.Context(), addr)
	if err != nil {
		return nil, err
	}
	if proto == http2.NextProtoTLS {
		return t.h2.RoundTrip(req)
	}
	return t.h1.RoundTrip(req)
}

func (t *fingerprintTransport) CloseIdleConnections() {
	t.h1.CloseIdleConnections()
	t.h2.CloseIdleConnections()
}

// protocol returns the ALPN protocol addr negotiates, handshaking once when
// it is not yet known.
func (t *fingerprintTransport) protocol(ctx context.Context, addr string) (string, error) {
	t.mu.Lock()
	proto, ok := t.protos[addr]
	t.mu.Unlock()
	if ok {
		return proto, nil
	}

	key := addr
	if publicOnly(ctx) {
		key += "|public"
	}
	v, err, _ := t.alpnLookups.Do(key, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.dialer.Timeout)
		defer cancel()
		conn, err := t.handshake(lookupCtx, "tcp", addr)
		if err != nil {
			return "", err
		}
		proto := conn.ConnectionState().NegotiatedProtocol
		_ = conn.Close()
		t.remember(addr, proto)
		return proto, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (t *fingerprintTransport) remember(addr, proto string) {
	t.mu.Lock()
	t.protos[addr] = proto
	t.mu.Unlock()
}

// dialProto dials for the h1 or h2 transport and refuses a connection that
// negotiated the other protocol.
func (t *fingerprintTransport) dialProto(ctx context.Context, network, addr string, wantH2 bool) (net.Conn, error) {
	conn, err := t.handshake(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	proto := conn.ConnectionState().NegotiatedProtocol
	if (proto == http2.NextProtoTLS) != wantH2 {
		_ = conn.Close()
		t.remember(addr, proto)
		return nil, fmt.Errorf("%w: %s now speaks %q", errProtocolChanged, addr, proto)
	}
	return conn, nil
}

func (t *fingerprintTransport) handshake(ctx context.Context, network, addr string) (*utls.UConn, error) {
	raw, err := t.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	conn := utls.UClient(raw, &utls.Config{ServerName: host, RootCAs: t.roots}, t.hello)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("fetch: utls handshake with %s: %w", host, err)
	}
	return conn, nil
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), "443")
}
