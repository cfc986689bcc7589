// Package storage defines the listing store and image index the pipeline
// persists into, with sqlite, postgres, NDJSON and in-memory backends in
// subpackages.
package storage

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/FranksOps/poolfeed/internal/listing"
)

// ErrNotFound is returned by lookups that match nothing.
var ErrNotFound = errors.New("storage: not found")

// Filter selects listings. Zero fields match everything; Limit 0 means no
// limit. Results are ordered by UpdatedAt descending, then ID.
type Filter struct {
	// Text matches title or description, case-insensitively.
	Text        string
	Marketplace listing.Marketplace
	Category    string
	Offset      int
	Limit       int
}

// ListingStore is a durable keyed collection of canonical listings.
type ListingStore interface {
	Get(ctx context.Context, id string) (*listing.Listing, error)
	// GetByProductRef returns the most recently updated listing carrying ref.
	GetByProductRef(ctx context.Context, ref string) (*listing.Listing, error)
	// Upsert writes l in one statement keyed by l.ID, replacing every column
	// except created_at on conflict. created reports whether a row was inserted.
	Upsert(ctx context.Context, l *listing.Listing) (created bool, err error)
	// SetImage points a listing at a locally cached image.
	SetImage(ctx context.Context, id, path string) error
	Query(ctx context.Context, f Filter) ([]*listing.Listing, error)
	Close() error
}

// ImageIndex records cached images by content key.
type ImageIndex interface {
	GetImage(ctx context.Context, key string) (*listing.CachedImage, error)
	PutImage(ctx context.Context, img *listing.CachedImage) error
	DeleteImage(ctx context.Context, key string) error
}

// Backend is a store holding both listings and the image index.
type Backend interface {
	ListingStore
	ImageIndex
}

// Match reports whether l satisfies f's predicates. Backends that filter in
// memory share it.
func (f Filter) Match(l *listing.Listing) bool {
	if f.Marketplace != "" && l.Marketplace != f.Marketplace {
		return false
	}
	if f.Category != "" && !l.HasCategory(f.Category) {
		return false
	}
	if text := strings.ToLower(strings.TrimSpace(f.Text)); text != "" {
		if !strings.Contains(strings.ToLower(l.Title), text) && !strings.Contains(strings.ToLower(l.Description), text) {
			return false
		}
	}
	return true
}

// Page sorts matches into query order and applies Offset and Limit.
func (f Filter) Page(matches []*listing.Listing) []*listing.Listing {
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	if f.Offset > 0 {
		if f.Offset >= len(matches) {
			return []*listing.Listing{}
		}
		matches = matches[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matches) {
		matches = matches[:f.Limit]
	}
	return matches
}

// Clone returns a deep copy so callers cannot alias stored records.
func Clone(l *listing.Listing) *listing.Listing {
	if l == nil {
		return nil
	}
	c := *l
	if l.Price != nil {
		p := *l.Price
		c.Price = &p
	}
	if l.MOQ != nil {
		m := *l.MOQ
		c.MOQ = &m
	}
	if l.Categories != nil {
		c.Categories = append([]string(nil), l.Categories...)
	}
	if l.RawDetail != nil {
		c.RawDetail = append([]byte(nil), l.RawDetail...)
	}
	return &c
}
