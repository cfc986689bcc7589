// Package source defines the capability every marketplace connector
// implements and a registry that selects connectors by marketplace.
//
// Adapters report failures as *fetch.Error values matching
// fetch.ErrTransient, and a missing detail page as ErrNotFound. An empty
// result with a nil error always means the marketplace had no listings.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FranksOps/poolfeed/internal/fetch"
	"github.com/FranksOps/poolfeed/internal/listing"
)

var (
	// ErrNotFound means the marketplace answered that the listing does not exist.
	ErrNotFound = errors.New("source: listing not found")
	// ErrNoAdapter is returned by Registry.Get for unregistered marketplaces.
	ErrNoAdapter = errors.New("source: no adapter registered")
)

// RawListing is one loosely-typed record as a marketplace returned it.
// Adapters fill whichever fields the marketplace exposes.
type RawListing struct {
	URL         string            `json:"url,omitempty"`
	Title       string            `json:"title,omitempty"`
	Name        string            `json:"name,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	PriceText   string            `json:"price_text,omitempty"`
	Price       *float64          `json:"price,omitempty"`
	Currency    string            `json:"currency,omitempty"`
	MOQText     string            `json:"moq_text,omitempty"`
	Image       string            `json:"image,omitempty"`
	Images      []string          `json:"images,omitempty"`
	Store       string            `json:"store,omitempty"`
	Category    string            `json:"category,omitempty"`
	Categories  []string          `json:"categories,omitempty"`
	Description string            `json:"description,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
	Raw         json.RawMessage   `json:"raw,omitempty"`
}

// RawDetail is the result of a detail fetch. It is stored verbatim on the
// canonical listing so fields can be rebuilt without refetching.
type RawDetail struct {
	URL       string     `json:"url"`
	Listing   RawListing `json:"listing"`
	FetchedAt time.Time  `json:"fetched_at"`
}

// DecodeDetail parses a stored RawDetail blob.
func DecodeDetail(b json.RawMessage) (*RawDetail, error) {
	if len(b) == 0 {
		return nil, errors.New("source: empty detail")
	}
	var d RawDetail
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("source: decode detail: %w", err)
	}
	return &d, nil
}

// SearchOptions narrows a search. Adapters ignore options they cannot honor.
type SearchOptions struct {
	Page     int
	Category string
	Sort     string
}

// Adapter is a marketplace connector.
type Adapter interface {
	Marketplace() listing.Marketplace
	Search(ctx context.Context, query string, limit int, opts SearchOptions) ([]RawListing, error)
	FetchDetail(ctx context.Context, url string) (*RawDetail, error)
}

// Getter performs a gated outbound GET. *fetch.Fetcher implements it.
type Getter interface {
	Get(ctx context.Context, r fetch.Request) (*fetch.Response, error)
}

var _ Getter = (*fetch.Fetcher)(nil)

// NotFound converts a definitive not-found fetch failure into ErrNotFound
// and passes every other error through unchanged.
func NotFound(err error, url string) error {
	if fetch.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	return err
}

// Registry maps marketplaces to adapters. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[listing.Marketplace]Adapter
}

// NewRegistry creates a registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[listing.Marketplace]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Marketplace().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Marketplace()] = a
}

// Get returns the adapter for m.
func (r *Registry) Get(m listing.Marketplace) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[m]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoAdapter, m)
	}
	return a, nil
}

// Marketplaces lists registered marketplaces in sorted order.
func (r *Registry) Marketplaces() []listing.Marketplace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]listing.Marketplace, 0, len(r.adapters))
	for m := range r.adapters {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
