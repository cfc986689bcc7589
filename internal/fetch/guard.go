package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"
)

// ErrPrivateAddress is returned when a public-only request would reach a
// loopback, private, link-local or otherwise non-routable address.
var ErrPrivateAddress = errors.New("fetch: destination is not a public address")

const publicOnlyKey contextKey = "public_only"

func publicOnly(ctx context.Context) bool {
	v, _ := ctx.Value(publicOnlyKey).(bool)
	return v
}

// IsPublicAddr reports whether a is a globally routable unicast address.
func IsPublicAddr(a netip.Addr) bool {
	a = a.Unmap()
	switch {
	case !a.IsValid(),
		a.IsUnspecified(),
		a.IsLoopback(),
		a.IsPrivate(),
		a.IsLinkLocalUnicast(),
		a.IsLinkLocalMulticast(),
		a.IsInterfaceLocalMulticast(),
		a.IsMulticast():
		return false
	}
	for _, p := range reservedPrefixes {
		if p.Contains(a) {
			return false
		}
	}
	return true
}

var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("64:ff9b::/96"),
}

// guardDial rejects the resolved address of a direct connection. Dials to a
// configured proxy are left alone; the destination host was already checked
// by publicOnlyTransport.
func guardDial(ctx context.Context, _, address string, _ syscall.RawConn) error {
	if !publicOnly(ctx) || proxied(ctx) {
		return nil
	}
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, address)
	}
	if !IsPublicAddr(ap.Addr()) {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, ap.Addr())
	}
	return nil
}

func proxied(ctx context.Context) bool {
	return ctx.Value(proxyKey) != nil
}

// publicOnlyTransport checks the host of every hop of a public-only request,
// redirects included, before handing it on.
type publicOnlyTransport struct {
	next     http.RoundTripper
	resolver *net.Resolver
}

func (t *publicOnlyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if publicOnly(req.Context()) {
		if err := checkHost(req.Context(), t.resolver, req.URL.Hostname()); err != nil {
			return nil, err
		}
	}
	return t.next.RoundTrip(req)
}

func (t *publicOnlyTransport) CloseIdleConnections() {
	if c, ok := t.next.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

func checkHost(ctx context.Context, r *net.Resolver, host string) error {
	if a, err := netip.ParseAddr(host); err == nil {
		if !IsPublicAddr(a) {
			return fmt.Errorf("%w: %s", ErrPrivateAddress, host)
		}
		return nil
	}
	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, a := range addrs {
		if !IsPublicAddr(a) {
			return fmt.Errorf("%w: %s resolves to %s", ErrPrivateAddress, host, a)
		}
	}
	return nil
}
