// Package listing defines the canonical, marketplace-agnostic shapes the
// ingestion pipeline produces and the image cache consumes.
package listing

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Marketplace identifies the external source a listing was ingested from.
type Marketplace string

const (
	Alibaba     Marketplace = "alibaba"
	AliExpress  Marketplace = "aliexpress"
	DHgate      Marketplace = "dhgate"
	MadeInChina Marketplace = "made-in-china"
	Generic     Marketplace = "generic"
)

// Marketplaces lists every known marketplace in a stable order.
func Marketplaces() []Marketplace {
	return []Marketplace{Alibaba, AliExpress, DHgate, MadeInChina, Generic}
}

// ParseMarketplace maps a user supplied name onto a Marketplace.
func ParseMarketplace(s string) (Marketplace, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "madeinchina", "mic":
		return MadeInChina, nil
	}
	for _, m := range Marketplaces() {
		if string(m) == name {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown marketplace %q", s)
}

// PriceRange is a parsed price. Raw always carries the text it was parsed from
// so that partially understood prices are never lost.
type PriceRange struct {
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Currency string  `json:"currency,omitempty"`
	Raw      string  `json:"raw,omitempty"`
}

// Parsed reports whether numeric bounds were recovered.
func (p *PriceRange) Parsed() bool {
	return p != nil && (p.Min > 0 || p.Max > 0)
}

// MOQ is a minimum order quantity. Quantity is zero when only free text exists.
type MOQ struct {
	Quantity int    `json:"quantity,omitempty"`
	Unit     string `json:"unit,omitempty"`
	Raw      string `json:"raw,omitempty"`
}

// Listing is the canonical listing record. ID is a pure function of SourceURL.
type Listing struct {
	ID          string          `json:"id"`
	SourceURL   string          `json:"source_url"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Image       string          `json:"image,omitempty"`
	RemoteImage string          `json:"remote_image,omitempty"`
	Price       *PriceRange     `json:"price,omitempty"`
	MOQ         *MOQ            `json:"moq,omitempty"`
	Marketplace Marketplace     `json:"marketplace"`
	Store       string          `json:"store,omitempty"`
	Categories  []string        `json:"categories,omitempty"`
	ProductRef  string          `json:"product_ref,omitempty"`
	RawDetail   json.RawMessage `json:"raw_detail,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// DisplayTitle is the title shown to buyers: whitespace collapsed, the store
// name appended when the title alone is a placeholder.
func (l *Listing) DisplayTitle() string {
	title := strings.Join(strings.Fields(l.Title), " ")
	if title == "" || title == Untitled {
		if l.Store != "" {
			return fmt.Sprintf("%s (%s)", Untitled, l.Store)
		}
		return Untitled
	}
	const maxRunes = 120
	if r := []rune(title); len(r) > maxRunes {
		return strings.TrimSpace(string(r[:maxRunes-1])) + "…"
	}
	return title
}

// HasCategory reports whether the listing carries the given category tag.
func (l *Listing) HasCategory(c string) bool {
	c = strings.ToLower(strings.TrimSpace(c))
	for _, have := range l.Categories {
		if have == c {
			return true
		}
	}
	return false
}

// Untitled is the last-resort title of a listing with a usable URL but no name.
const Untitled = "Untitled"

// NormalizeCategories lowercases, trims, de-duplicates and sorts tags.
func NormalizeCategories(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.ToLower(strings.Join(strings.Fields(c), " "))
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// CachedImage is one entry of the content-addressed image cache. Key is
// derived from the resolved remote URL, not from the image bytes.
type CachedImage struct {
	Key         string    `json:"key"`
	SourceURL   string    `json:"source_url"`
	Path        string    `json:"path"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	FetchedAt   time.Time `json:"fetched_at"`
	KnownBad    bool      `json:"known_bad,omitempty"`
}
