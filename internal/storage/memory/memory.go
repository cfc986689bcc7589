// Package memory is an in-process storage.Backend for tests and ephemeral
// runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/FranksOps/poolfeed/internal/listing"
	"github.com/FranksOps/poolfeed/internal/storage"
)

var _ storage.Backend = (*Store)(nil)

// Store keeps listings and cached images in maps.
type Store struct {
	mu       sync.RWMutex
	listings map[string]*listing.Listing
	images   map[string]*listing.CachedImage
	upserts  int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		listings: make(map[string]*listing.Listing),
		images:   make(map[string]*listing.CachedImage),
	}
}

func (s *Store) Get(_ context.Context, id string) (*listing.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, storage.ErrNotFound)
	}
	return storage.Clone(l), nil
}

func (s *Store) GetByProductRef(_ context.Context, ref string) (*listing.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *listing.Listing
	for _, l := range s.listings {
		if ref == "" || l.ProductRef != ref {
			continue
		}
		if best == nil || l.UpdatedAt.After(best.UpdatedAt) {
			best = l
		}
	}
	if best == nil {
		return nil, fmt.Errorf("product ref %s: %w", ref, storage.ErrNotFound)
	}
	return storage.Clone(best), nil
}

func (s *Store) Upsert(_ context.Context, l *listing.Listing) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	c := storage.Clone(l)
	if prev, ok := s.listings[l.ID]; ok {
		c.CreatedAt = prev.CreatedAt
		s.listings[l.ID] = c
		return false, nil
	}
	s.listings[l.ID] = c
	return true, nil
}

func (s *Store) SetImage(_ context.Context, id, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return fmt.Errorf("listing %s: %w", id, storage.ErrNotFound)
	}
	l.Image = path
	return nil
}

func (s *Store) Query(_ context.Context, f storage.Filter) ([]*listing.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*listing.Listing
	for _, l := range s.listings {
		if f.Match(l) {
			out = append(out, storage.Clone(l))
		}
	}
	return f.Page(out), nil
}

// Len is the number of stored listings.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listings)
}

// Upserts counts Upsert calls.
func (s *Store) Upserts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upserts
}

func (s *Store) GetImage(_ context.Context, key string) (*listing.CachedImage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[key]
	if !ok {
		return nil, fmt.Errorf("image %s: %w", key, storage.ErrNotFound)
	}
	c := *img
	return &c, nil
}

func (s *Store) PutImage(_ context.Context, img *listing.CachedImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *img
	s.images[img.Key] = &c
	return nil
}

func (s *Store) DeleteImage(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.images, key)
	return nil
}

func (s *Store) Close() error { return nil }
