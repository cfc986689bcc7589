// Package normalize maps heterogeneous marketplace records onto the
// canonical listing shape.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/FranksOps/poolfeed/internal/listing"
	"github.com/FranksOps/poolfeed/internal/source"
)

// ErrRejected wraps every record that cannot be coerced into a minimally
// viable listing.
var ErrRejected = errors.New("normalize: record rejected")

// LocalPrefix marks image references already served from the local cache.
const LocalPrefix = "/media/"

// Normalizer converts raw records. The zero value is not usable; call New.
type Normalizer struct {
	now             func() time.Time
	defaultCurrency map[listing.Marketplace]string
}

// New returns a Normalizer with the built-in per-marketplace currency defaults.
func New() *Normalizer {
	return &Normalizer{now: time.Now, defaultCurrency: defaultCurrency}
}

// Normalize builds a canonical listing from raw. It fails with ErrRejected
// when raw has no usable URL, since identity derives from the URL. A record
// with a URL but no title is titled "Untitled".
func (n *Normalizer) Normalize(raw source.RawListing, m listing.Marketplace) (*listing.Listing, error) {
	title := coalesce(raw.Title, raw.Name, raw.Subject, raw.Extra["title"])

	canonical, err := CanonicalURL(raw.URL)
	if err != nil {
		if title == "" {
			return nil, fmt.Errorf("%w: no usable title and no usable url", ErrRejected)
		}
		return nil, fmt.Errorf("%w: %q has no usable url", ErrRejected, title)
	}
	if title == "" {
		title = listing.Untitled
	}

	now := n.now().UTC()
	l := &listing.Listing{
		ID:          hashKey(canonical),
		SourceURL:   canonical,
		Title:       title,
		Description: strings.TrimSpace(raw.Description),
		Price:       n.price(raw, m),
		MOQ:         ParseMOQ(coalesce(raw.MOQText, raw.Extra["moq"])),
		Marketplace: m,
		Store:       collapse(raw.Store),
		Categories:  listing.NormalizeCategories(append(append([]string{}, raw.Categories...), raw.Category)),
		ProductRef:  ProductRef(m, canonical),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	img := coalesce(append([]string{raw.Image}, raw.Images...)...)
	switch {
	case img == "":
	case strings.HasPrefix(img, LocalPrefix):
		l.Image = img
	default:
		l.RemoteImage = resolveRef(img)
	}
	return l, nil
}

// NormalizeDetail normalizes a detail record and stores the detail as the
// listing's raw blob. Fields missing from the detail fall back to the
// search record.
func (n *Normalizer) NormalizeDetail(search source.RawListing, d *source.RawDetail, m listing.Marketplace) (*listing.Listing, error) {
	merged := d.Listing
	if merged.URL == "" {
		merged.URL = search.URL
	}
	fill := func(dst *string, v string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = v
		}
	}
	fill(&merged.Title, coalesce(search.Title, search.Name, search.Subject))
	fill(&merged.PriceText, search.PriceText)
	fill(&merged.Currency, search.Currency)
	fill(&merged.MOQText, search.MOQText)
	fill(&merged.Image, search.Image)
	fill(&merged.Store, search.Store)
	fill(&merged.Category, search.Category)
	fill(&merged.Description, search.Description)
	if merged.Price == nil && merged.PriceText == "" {
		merged.Price = search.Price
	}
	if len(merged.Categories) == 0 {
		merged.Categories = search.Categories
	}

	l, err := n.Normalize(merged, m)
	if err != nil {
		return nil, err
	}
	stored := *d
	stored.Listing = merged
	blob, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("normalize: encode detail: %w", err)
	}
	l.RawDetail = blob
	return l, nil
}

func (n *Normalizer) price(raw source.RawListing, m listing.Marketplace) *listing.PriceRange {
	fallback := strings.ToUpper(strings.TrimSpace(raw.Currency))
	if fallback == "" {
		fallback = n.defaultCurrency[m]
	}
	if raw.Price != nil && *raw.Price >= 0 {
		text := raw.PriceText
		if text == "" {
			text = strconv.FormatFloat(*raw.Price, 'f', -1, 64)
		}
		return &listing.PriceRange{Min: *raw.Price, Max: *raw.Price, Currency: fallback, Raw: text}
	}
	return ParsePrice(raw.PriceText, fallback)
}

func coalesce(vals ...string) string {
	for _, v := range vals {
		if v = collapse(v); v != "" {
			return v
		}
	}
	return ""
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func resolveRef(ref string) string {
	if strings.HasPrefix(ref, "//") {
		return "https:" + ref
	}
	return ref
}
