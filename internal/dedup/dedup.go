// Package dedup turns canonical listings into store writes, keeping exactly
// one row per identity key under concurrent ingestion.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/FranksOps/poolfeed/internal/listing"
	"github.com/FranksOps/poolfeed/internal/storage"
)

// Outcome reports what an Upsert did.
type Outcome string

const (
	Created Outcome = "created"
	Updated Outcome = "updated"
)

// Deduplicator serializes upserts per lock key and merges candidates into
// existing records.
type Deduplicator struct {
	store  storage.ListingStore
	locks  *keyLock
	logger *slog.Logger
}

// New returns a Deduplicator writing to store.
func New(store storage.ListingStore, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{store: store, locks: newKeyLock(), logger: logger}
}

// LockKey is the key upserts of l serialize on: its product ref when known,
// its identity key otherwise.
func LockKey(l *listing.Listing) string {
	if l.ProductRef != "" {
		return "ref:" + l.ProductRef
	}
	return "id:" + l.ID
}

// Upsert writes candidate. An existing record is found by identity key, then
// by product ref; when found, every field is replaced except CreatedAt and a
// local Image the candidate does not carry. A record matched only through its
// product ref keeps its own ID and SourceURL.
func (d *Deduplicator) Upsert(ctx context.Context, candidate *listing.Listing) (Outcome, error) {
	if candidate == nil || candidate.ID == "" {
		return "", errors.New("dedup: candidate without identity key")
	}

	unlock := d.locks.Lock(LockKey(candidate))
	defer unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	existing, err := d.lookup(ctx, candidate)
	if err != nil {
		return "", err
	}

	record := Merge(existing, candidate)
	created, err := d.store.Upsert(ctx, record)
	if err != nil {
		return "", fmt.Errorf("dedup: upsert %s: %w", record.ID, err)
	}

	if existing != nil && existing.ID != candidate.ID {
		d.logger.Debug("merged listing by product ref", "id", existing.ID, "url", candidate.SourceURL, "product_ref", candidate.ProductRef)
	}
	if created {
		return Created, nil
	}
	return Updated, nil
}

func (d *Deduplicator) lookup(ctx context.Context, c *listing.Listing) (*listing.Listing, error) {
	existing, err := d.store.Get(ctx, c.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("dedup: lookup %s: %w", c.ID, err)
	}
	if c.ProductRef == "" {
		return nil, nil
	}
	existing, err = d.store.GetByProductRef(ctx, c.ProductRef)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		// The product ref is only a hint; fall back to inserting by identity.
		d.logger.Warn("product ref lookup failed", "product_ref", c.ProductRef, "err", err)
		return nil, nil
	}
	return existing, nil
}

// Merge builds the record to persist from an existing row (nil when absent)
// and a fresh candidate.
func Merge(existing, candidate *listing.Listing) *listing.Listing {
	out := storage.Clone(candidate)
	if existing == nil {
		return out
	}
	out.ID = existing.ID
	out.SourceURL = existing.SourceURL
	out.CreatedAt = existing.CreatedAt
	if out.Image == "" {
		out.Image = existing.Image
	}
	return out
}
