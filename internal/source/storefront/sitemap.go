package storefront

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	sitemap "github.com/oxffaa/gopher-parse-sitemap"

	"github.com/FranksOps/poolfeed/internal/fetch"
)

const maxSitemapDepth = 3

// sitemapURLs fetches a sitemap or sitemap index and returns page URLs
// accepted by keep, stopping once limit URLs are collected.
func (a *Adapter) sitemapURLs(ctx context.Context, sitemapURL string, keep func(string) bool, limit, depth int) ([]string, error) {
	if depth > maxSitemapDepth {
		return nil, nil
	}
	a.logger.Debug("fetching sitemap", "url", sitemapURL)

	resp, err := a.getter.Get(ctx, fetch.Request{URL: sitemapURL, GateKey: a.cfg.GateKey, Accept: "application/xml,text/xml;q=0.9,*/*;q=0.5"})
	if err != nil {
		return nil, err
	}

	var urls []string
	err = sitemap.Parse(bytes.NewReader(resp.Body), func(e sitemap.Entry) error {
		if loc := e.GetLocation(); keep(loc) {
			urls = append(urls, loc)
		}
		if limit > 0 && len(urls) >= limit {
			return errLimit
		}
		return nil
	})
	if errors.Is(err, errLimit) {
		return urls, nil
	}
	if err == nil && len(urls) > 0 {
		return urls, nil
	}

	var nested []string
	indexErr := sitemap.ParseIndex(bytes.NewReader(resp.Body), func(e sitemap.IndexEntry) error {
		nested = append(nested, e.GetLocation())
		return nil
	})
	if indexErr != nil && err != nil {
		return nil, fetch.Malformed(sitemapURL, fmt.Errorf("not a sitemap or index: %w", err))
	}

	for _, n := range nested {
		more, err := a.sitemapURLs(ctx, n, keep, limit-len(urls), depth+1)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.logger.Warn("failed to fetch nested sitemap", "url", n, "err", err)
			continue
		}
		urls = append(urls, more...)
		if limit > 0 && len(urls) >= limit {
			return urls[:limit], nil
		}
	}
	return urls, nil
}
