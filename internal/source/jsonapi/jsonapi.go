// Package jsonapi is a generic connector for marketplaces that expose a
// JSON search API.
//
// Expected endpoints:
//
//	GET {base}/api/search?q=...&limit=...&page=...&category=...
//	  -> {"listings":[...]}, {"items":[...]} or a bare array
//	GET {base}/api/listings?url=...
//	  -> {"listing":{...}} or a bare object
//
// Record fields are matched loosely (url/link/href, title/name/subject,
// price as number or text, and so on) since every marketplace names them
// differently.
package jsonapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/FranksOps/poolfeed/internal/fetch"
	"github.com/FranksOps/poolfeed/internal/listing"
	"github.com/FranksOps/poolfeed/internal/source"
	"github.com/FranksOps/poolfeed/pkg/ratelimit"
)

// Options configures an Adapter.
type Options struct {
	Marketplace listing.Marketplace
	BaseURL     string
	// GateKey defaults to the marketplace name.
	GateKey string
	// Pacer spaces requests to the marketplace. Nil disables pacing.
	Pacer *ratelimit.Pacer
}

// Adapter talks to a JSON marketplace API.
type Adapter struct {
	opts    Options
	baseURL string
	getter  source.Getter
	logger  *slog.Logger
}

var _ source.Adapter = (*Adapter)(nil)

// New validates opts and returns an adapter issuing requests through getter.
func New(opts Options, getter source.Getter, logger *slog.Logger) (*Adapter, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("jsonapi: BaseURL is required")
	}
	if u, err := url.Parse(base); err != nil || u.Host == "" {
		return nil, fmt.Errorf("jsonapi: invalid BaseURL %q", base)
	}
	if opts.Marketplace == "" {
		opts.Marketplace = listing.Generic
	}
	if opts.GateKey == "" {
		opts.GateKey = string(opts.Marketplace)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		opts:    opts,
		baseURL: strings.TrimRight(base, "/"),
		getter:  getter,
		logger:  logger,
	}, nil
}

// Marketplace implements source.Adapter.
func (a *Adapter) Marketplace() listing.Marketplace { return a.opts.Marketplace }

// Search implements source.Adapter.
func (a *Adapter) Search(ctx context.Context, query string, limit int, opts source.SearchOptions) ([]source.RawListing, error) {
	u, err := url.Parse(a.baseURL + "/api/search")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("q", strings.TrimSpace(query))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Category != "" {
		q.Set("category", opts.Category)
	}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	u.RawQuery = q.Encode()

	body, err := a.get(ctx, u.String())
	if err != nil {
		return nil, err
	}

	items, err := decodeList(body)
	if err != nil {
		return nil, fetch.Malformed(u.String(), err)
	}
	out := make([]source.RawListing, 0, len(items))
	for _, item := range items {
		rec, err := decodeRecord(item)
		if err != nil {
			a.logger.Debug("skipping undecodable record", "url", u.String(), "err", err)
			continue
		}
		if rec.URL != "" {
			rec.URL = a.resolve(rec.URL)
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// FetchDetail implements source.Adapter.
func (a *Adapter) FetchDetail(ctx context.Context, listingURL string) (*source.RawDetail, error) {
	listingURL = strings.TrimSpace(listingURL)
	if listingURL == "" {
		return nil, errors.New("jsonapi: listing url is required")
	}
	u := a.baseURL + "/api/listings?url=" + url.QueryEscape(listingURL)
	body, err := a.get(ctx, u)
	if err != nil {
		return nil, source.NotFound(err, listingURL)
	}

	var wrapped struct {
		Listing json.RawMessage `json:"listing"`
	}
	obj := json.RawMessage(body)
	if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.Listing) > 0 && string(wrapped.Listing) != "null" {
		obj = wrapped.Listing
	}
	rec, err := decodeRecord(obj)
	if err != nil {
		return nil, fetch.Malformed(u, err)
	}
	if rec.URL == "" {
		rec.URL = listingURL
	}
	return &source.RawDetail{URL: listingURL, Listing: rec, FetchedAt: time.Now().UTC()}, nil
}

func (a *Adapter) get(ctx context.Context, u string) ([]byte, error) {
	if err := a.opts.Pacer.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := a.getter.Get(ctx, fetch.Request{
		URL:     u,
		GateKey: a.opts.GateKey,
		Accept:  "application/json",
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (a *Adapter) resolve(ref string) string {
	if strings.HasPrefix(ref, "//") {
		return "https:" + ref
	}
	base, err := url.Parse(a.baseURL + "/")
	if err != nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func decodeList(body []byte) ([]json.RawMessage, error) {
	var wrapped struct {
		Listings []json.RawMessage `json:"listings"`
		Items    []json.RawMessage `json:"items"`
		Results  []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		switch {
		case wrapped.Listings != nil:
			return wrapped.Listings, nil
		case wrapped.Items != nil:
			return wrapped.Items, nil
		case wrapped.Results != nil:
			return wrapped.Results, nil
		}
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(body, &arr); err != nil {
		return nil, fmt.Errorf("search payload: %w", err)
	}
	return arr, nil
}

// known lists the field aliases consumed into typed RawListing fields.
var known = map[string]bool{}

func aliases(keys ...string) []string {
	for _, k := range keys {
		known[k] = true
	}
	return keys
}

var (
	urlKeys      = aliases("url", "link", "href", "productUrl", "product_url", "detailUrl")
	titleKeys    = aliases("title")
	nameKeys     = aliases("name", "productName", "product_name")
	subjectKeys  = aliases("subject")
	priceKeys    = aliases("price", "salePrice", "sale_price")
	priceTxtKeys = aliases("priceText", "price_text", "priceRange", "price_range")
	currencyKeys = aliases("currency", "currencyCode", "currency_code")
	moqKeys      = aliases("moq", "moqText", "moq_text", "minOrder", "min_order")
	imageKeys    = aliases("image", "imageUrl", "image_url", "img", "thumbnail")
	imagesKeys   = aliases("images", "imageUrls", "image_urls")
	storeKeys    = aliases("store", "storeName", "store_name", "seller", "shop", "supplier")
	categoryKeys = aliases("category")
	catsKeys     = aliases("categories", "tags")
	descKeys     = aliases("description", "desc", "summary")
)

func decodeRecord(raw json.RawMessage) (source.RawListing, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return source.RawListing{}, err
	}
	rec := source.RawListing{
		URL:         pickString(m, urlKeys),
		Title:       pickString(m, titleKeys),
		Name:        pickString(m, nameKeys),
		Subject:     pickString(m, subjectKeys),
		PriceText:   pickString(m, priceTxtKeys),
		Currency:    pickString(m, currencyKeys),
		MOQText:     pickString(m, moqKeys),
		Image:       pickString(m, imageKeys),
		Images:      pickStrings(m, imagesKeys),
		Store:       pickString(m, storeKeys),
		Category:    pickString(m, categoryKeys),
		Categories:  pickStrings(m, catsKeys),
		Description: pickString(m, descKeys),
		Raw:         append(json.RawMessage(nil), raw...),
	}
	for _, k := range priceKeys {
		v, ok := m[k]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(v, &f); err == nil {
			rec.Price = &f
			break
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil && rec.PriceText == "" {
			rec.PriceText = strings.TrimSpace(s)
			break
		}
	}
	for k, v := range m {
		if known[k] {
			continue
		}
		if s, ok := scalar(v); ok && s != "" {
			if rec.Extra == nil {
				rec.Extra = make(map[string]string)
			}
			rec.Extra[k] = s
		}
	}
	return rec, nil
}

func pickString(m map[string]json.RawMessage, keys []string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := scalar(v); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func pickStrings(m map[string]json.RawMessage, keys []string) []string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		var arr []string
		if err := json.Unmarshal(v, &arr); err == nil && len(arr) > 0 {
			return arr
		}
		if s, ok := scalar(v); ok && s != "" {
			return []string{s}
		}
	}
	return nil
}

// scalar renders a JSON string, number or bool as text.
func scalar(v json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s), true
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String(), true
	}
	var b bool
	if err := json.Unmarshal(v, &b); err == nil {
		return strconv.FormatBool(b), true
	}
	return "", false
}
