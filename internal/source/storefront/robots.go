package storefront

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/temoto/robotstxt"

	"github.com/FranksOps/poolfeed/internal/fetch"
	"github.com/FranksOps/poolfeed/internal/source"
)

// robotsPolicy fetches and caches robots.txt per origin.
type robotsPolicy struct {
	getter  source.Getter
	gateKey string
	agent   string
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]*robotstxt.RobotsData
}

func newRobotsPolicy(getter source.Getter, gateKey, agent string, logger *slog.Logger) *robotsPolicy {
	if agent == "" {
		agent = "*"
	}
	return &robotsPolicy{
		getter:  getter,
		gateKey: gateKey,
		agent:   agent,
		logger:  logger,
		cache:   make(map[string]*robotstxt.RobotsData),
	}
}

// Allowed reports whether the storefront's robots.txt permits targetURL.
// Missing or unreadable robots files allow everything.
func (r *robotsPolicy) Allowed(ctx context.Context, targetURL string) (bool, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return false, fmt.Errorf("invalid url: %w", err)
	}
	data := r.get(ctx, u.Scheme+"://"+u.Host)
	if data == nil {
		return true, nil
	}
	path := u.EscapedPath()
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return data.FindGroup(r.agent).Test(path), nil
}

// Sitemaps lists the sitemap URLs robots.txt declares for origin.
func (r *robotsPolicy) Sitemaps(ctx context.Context, origin string) []string {
	data := r.get(ctx, origin)
	if data == nil {
		return nil
	}
	return data.Sitemaps
}

func (r *robotsPolicy) get(ctx context.Context, origin string) *robotstxt.RobotsData {
	r.mu.Lock()
	defer r.mu.Unlock()
	if data, ok := r.cache[origin]; ok {
		return data
	}

	robotsURL := origin + "/robots.txt"
	resp, err := r.getter.Get(ctx, fetch.Request{URL: robotsURL, GateKey: r.gateKey, Accept: "text/plain"})
	if err != nil {
		if !fetch.IsNotFound(err) {
			r.logger.Debug("robots.txt fetch failed, defaulting to allow", "origin", origin, "err", err)
			// Transient failures are retried on the next call.
			return nil
		}
		r.cache[origin] = nil
		return nil
	}

	data, err := robotstxt.FromBytes(resp.Body)
	if err != nil {
		r.logger.Debug("robots.txt parse failed", "origin", origin, "err", err)
		data = nil
	}
	r.cache[origin] = data
	return data
}
