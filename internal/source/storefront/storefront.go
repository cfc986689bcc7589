// Package storefront is a generic connector for HTML storefronts, driven by
// configurable CSS selectors.
//
// Search uses the storefront's search page when SearchPath is set;
// otherwise listing URLs are discovered from the sitemaps robots.txt
// declares and each page is read as a detail. robots.txt rules are honored
// when RespectRobots is set.
package storefront

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/FranksOps/poolfeed/internal/fetch"
	"github.com/FranksOps/poolfeed/internal/listing"
	"github.com/FranksOps/poolfeed/internal/source"
	"github.com/FranksOps/poolfeed/pkg/ratelimit"
)

var errLimit = errors.New("limit reached")

// Selectors locate listing fields. Search selectors are evaluated inside
// each Item; detail selectors against the whole page. A selector may end in
// "@attr" to read an attribute instead of text.
type Selectors struct {
	Item     string `mapstructure:"item"`
	Link     string `mapstructure:"link"`
	Title    string `mapstructure:"title"`
	Price    string `mapstructure:"price"`
	MOQ      string `mapstructure:"moq"`
	Image    string `mapstructure:"image"`
	Store    string `mapstructure:"store"`
	Category string `mapstructure:"category"`

	DetailTitle       string `mapstructure:"detail_title"`
	DetailPrice       string `mapstructure:"detail_price"`
	DetailMOQ         string `mapstructure:"detail_moq"`
	DetailImage       string `mapstructure:"detail_image"`
	DetailStore       string `mapstructure:"detail_store"`
	DetailCategory    string `mapstructure:"detail_category"`
	DetailDescription string `mapstructure:"detail_description"`
}

// DefaultSelectors match common storefront markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Item:     ".product-item, [data-product-id]",
		Link:     "a[href]@href",
		Title:    ".product-title, .title, h2, h3",
		Price:    ".price",
		MOQ:      ".moq, .min-order",
		Image:    "img@src",
		Store:    ".store, .seller, .supplier",
		Category: ".category",

		DetailTitle:       "h1, meta[property='og:title']@content",
		DetailPrice:       ".price",
		DetailMOQ:         ".moq, .min-order",
		DetailImage:       "meta[property='og:image']@content, .gallery img@src",
		DetailStore:       ".store, .seller, .supplier",
		DetailCategory:    ".breadcrumb a, .category",
		DetailDescription: "meta[name='description']@content, .description",
	}
}

func (s Selectors) withDefaults() Selectors {
	d := DefaultSelectors()
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&s.Item, d.Item)
	fill(&s.Link, d.Link)
	fill(&s.Title, d.Title)
	fill(&s.Price, d.Price)
	fill(&s.MOQ, d.MOQ)
	fill(&s.Image, d.Image)
	fill(&s.Store, d.Store)
	fill(&s.Category, d.Category)
	fill(&s.DetailTitle, d.DetailTitle)
	fill(&s.DetailPrice, d.DetailPrice)
	fill(&s.DetailMOQ, d.DetailMOQ)
	fill(&s.DetailImage, d.DetailImage)
	fill(&s.DetailStore, d.DetailStore)
	fill(&s.DetailCategory, d.DetailCategory)
	fill(&s.DetailDescription, d.DetailDescription)
	return s
}

// Config configures an Adapter.
type Config struct {
	Marketplace listing.Marketplace
	BaseURL     string
	// SearchPath is appended to BaseURL with {query} and {page} substituted,
	// e.g. "/search?q={query}&page={page}".
	SearchPath string
	// ProductPattern selects listing URLs during sitemap discovery.
	ProductPattern string
	Selectors      Selectors
	RespectRobots  bool
	// RobotsAgent is the group looked up in robots.txt. Defaults to "*".
	RobotsAgent string
	// GateKey defaults to the marketplace name.
	GateKey string
	Pacer   *ratelimit.Pacer
}

// Adapter scrapes an HTML storefront.
type Adapter struct {
	cfg     Config
	base    *url.URL
	product *regexp.Regexp
	getter  source.Getter
	loader  Loader
	robots  *robotsPolicy
	logger  *slog.Logger
}

var _ source.Adapter = (*Adapter)(nil)

// New builds an adapter. getter is used for robots.txt and sitemaps; loader
// for pages, and defaults to an HTTPLoader over getter.
func New(cfg Config, getter source.Getter, loader Loader, logger *slog.Logger) (*Adapter, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("storefront: invalid BaseURL %q", cfg.BaseURL)
	}
	if cfg.Marketplace == "" {
		cfg.Marketplace = listing.Generic
	}
	if cfg.GateKey == "" {
		cfg.GateKey = string(cfg.Marketplace)
	}
	cfg.Selectors = cfg.Selectors.withDefaults()
	if cfg.ProductPattern == "" {
		cfg.ProductPattern = `/(item|items|product|products|p|product-detail)/`
	}
	product, err := regexp.Compile(cfg.ProductPattern)
	if err != nil {
		return nil, fmt.Errorf("storefront: product pattern: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if loader == nil {
		loader = &HTTPLoader{Getter: getter, GateKey: cfg.GateKey}
	}
	return &Adapter{
		cfg:     cfg,
		base:    base,
		product: product,
		getter:  getter,
		loader:  loader,
		robots:  newRobotsPolicy(getter, cfg.GateKey, cfg.RobotsAgent, logger),
		logger:  logger,
	}, nil
}

// Marketplace implements source.Adapter.
func (a *Adapter) Marketplace() listing.Marketplace { return a.cfg.Marketplace }

// Search implements source.Adapter.
func (a *Adapter) Search(ctx context.Context, query string, limit int, opts source.SearchOptions) ([]source.RawListing, error) {
	if a.cfg.SearchPath == "" {
		return a.searchSitemaps(ctx, query, limit)
	}

	page := opts.Page
	if page <= 0 {
		page = 1
	}
	path := strings.NewReplacer("{query}", url.QueryEscape(strings.TrimSpace(query)), "{page}", strconv.Itoa(page)).Replace(a.cfg.SearchPath)
	searchURL := a.base.String() + path

	body, err := a.load(ctx, searchURL)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fetch.Malformed(searchURL, err)
	}

	sel := a.cfg.Selectors
	out := []source.RawListing{}
	doc.Find(sel.Item).EachWithBreak(func(_ int, item *goquery.Selection) bool {
		rec := source.RawListing{
			URL:       a.resolve(extract(item, sel.Link)),
			Title:     extract(item, sel.Title),
			PriceText: extract(item, sel.Price),
			MOQText:   extract(item, sel.MOQ),
			Image:     a.resolve(extractImage(item, sel.Image)),
			Store:     extract(item, sel.Store),
			Category:  extract(item, sel.Category),
		}
		if opts.Category != "" && rec.Category == "" {
			rec.Category = opts.Category
		}
		if rec.URL == "" && rec.Title == "" {
			return true
		}
		out = append(out, rec)
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

func (a *Adapter) searchSitemaps(ctx context.Context, query string, limit int) ([]source.RawListing, error) {
	origin := a.base.Scheme + "://" + a.base.Host
	maps := a.robots.Sitemaps(ctx, origin)
	if len(maps) == 0 {
		maps = []string{origin + "/sitemap.xml"}
	}

	terms := strings.Fields(strings.ToLower(query))
	keep := func(loc string) bool {
		if !a.product.MatchString(loc) {
			return false
		}
		l := strings.ToLower(loc)
		for _, t := range terms {
			if !strings.Contains(l, t) {
				return false
			}
		}
		return true
	}

	var urls []string
	for _, m := range maps {
		found, err := a.sitemapURLs(ctx, m, keep, limit-len(urls), 0)
		if err != nil {
			return nil, err
		}
		urls = append(urls, found...)
		if limit > 0 && len(urls) >= limit {
			break
		}
	}

	out := make([]source.RawListing, 0, len(urls))
	for _, u := range urls {
		d, err := a.FetchDetail(ctx, u)
		if errors.Is(err, source.ErrNotFound) {
			a.logger.Debug("sitemap listing gone", "url", u)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d.Listing)
	}
	return out, nil
}

// FetchDetail implements source.Adapter.
func (a *Adapter) FetchDetail(ctx context.Context, pageURL string) (*source.RawDetail, error) {
	body, err := a.load(ctx, pageURL)
	if err != nil {
		return nil, source.NotFound(err, pageURL)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fetch.Malformed(pageURL, err)
	}

	sel := a.cfg.Selectors
	rec := source.RawListing{
		URL:         pageURL,
		Title:       extract(doc.Selection, sel.DetailTitle),
		PriceText:   extract(doc.Selection, sel.DetailPrice),
		MOQText:     extract(doc.Selection, sel.DetailMOQ),
		Image:       a.resolve(extractImage(doc.Selection, sel.DetailImage)),
		Store:       extract(doc.Selection, sel.DetailStore),
		Categories:  extractAll(doc.Selection, sel.DetailCategory),
		Description: extract(doc.Selection, sel.DetailDescription),
	}
	if canonical, ok := doc.Find("link[rel='canonical']").Attr("href"); ok && canonical != "" {
		if rec.Extra == nil {
			rec.Extra = map[string]string{}
		}
		rec.Extra["canonical"] = a.resolve(canonical)
	}
	return &source.RawDetail{URL: pageURL, Listing: rec, FetchedAt: time.Now().UTC()}, nil
}

func (a *Adapter) load(ctx context.Context, pageURL string) ([]byte, error) {
	if a.cfg.RespectRobots {
		allowed, err := a.robots.Allowed(ctx, pageURL)
		if err != nil {
			return nil, fetch.Malformed(pageURL, err)
		}
		if !allowed {
			return nil, &fetch.Error{Kind: fetch.KindBlocked, URL: pageURL, Source: "robots.txt"}
		}
	}
	if err := a.cfg.Pacer.Wait(ctx); err != nil {
		return nil, err
	}
	return a.loader.Load(ctx, pageURL)
}

func (a *Adapter) resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "//") {
		return "https:" + ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return a.base.ResolveReference(u).String()
}

// extract returns the first non-empty match of a comma separated selector
// list, honoring an "@attr" suffix per alternative.
func extract(s *goquery.Selection, spec string) string {
	for _, alt := range splitSpec(spec) {
		css, attr := alt.css, alt.attr
		var val string
		s.Find(css).EachWithBreak(func(_ int, m *goquery.Selection) bool {
			if attr != "" {
				val, _ = m.Attr(attr)
			} else {
				val = m.Text()
			}
			val = strings.Join(strings.Fields(val), " ")
			return val == ""
		})
		if val != "" {
			return val
		}
	}
	return ""
}

// extractImage is extract with lazy-load attributes as fallback for img src.
func extractImage(s *goquery.Selection, spec string) string {
	if v := extract(s, spec); v != "" && !strings.HasPrefix(v, "data:") {
		return v
	}
	for _, attr := range []string{"data-src", "data-lazy-src", "data-original"} {
		if v, ok := s.Find("img[" + attr + "]").First().Attr(attr); ok && v != "" {
			return v
		}
	}
	return ""
}

func extractAll(s *goquery.Selection, spec string) []string {
	var out []string
	for _, alt := range splitSpec(spec) {
		s.Find(alt.css).Each(func(_ int, m *goquery.Selection) {
			var v string
			if alt.attr != "" {
				v, _ = m.Attr(alt.attr)
			} else {
				v = m.Text()
			}
			if v = strings.Join(strings.Fields(v), " "); v != "" {
				out = append(out, v)
			}
		})
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

type selector struct{ css, attr string }

func splitSpec(spec string) []selector {
	var out []selector
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sel := selector{css: part}
		if i := strings.LastIndex(part, "@"); i > 0 {
			sel = selector{css: strings.TrimSpace(part[:i]), attr: strings.TrimSpace(part[i+1:])}
		}
		out = append(out, sel)
	}
	return out
}
