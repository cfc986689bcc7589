// Package jsonbackend persists listings as an append-only NDJSON journal.
// The file is replayed into memory on open; the last entry for a key wins.
package jsonbackend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/FranksOps/poolfeed/internal/listing"
	"github.com/FranksOps/poolfeed/internal/storage"
	"github.com/FranksOps/poolfeed/internal/storage/memory"
)

// ensure jsonBackend implements storage.Backend
var _ storage.Backend = (*jsonBackend)(nil)

const (
	kindListing     = "listing"
	kindImage       = "image"
	kindImageDelete = "image_delete"
)

// entry is one journal line.
type entry struct {
	Kind    string               `json:"kind"`
	Listing *listing.Listing     `json:"listing,omitempty"`
	Image   *listing.CachedImage `json:"image,omitempty"`
	Key     string               `json:"key,omitempty"`
}

type jsonBackend struct {
	mu    sync.Mutex
	file  *os.File
	index *memory.Store
}

// New opens (creating if needed) the journal at filePath and replays it.
func New(filePath string) (storage.Backend, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("jsonbackend: open: %w", err)
	}

	b := &jsonBackend{file: f, index: memory.New()}
	if err := b.replay(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return b, nil
}

func (b *jsonBackend) replay() error {
	ctx := context.Background()
	scanner := bufio.NewScanner(b.file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("jsonbackend: line %d: %w", line, err)
		}
		switch e.Kind {
		case kindListing:
			if e.Listing != nil {
				_, _ = b.index.Upsert(ctx, e.Listing)
			}
		case kindImage:
			if e.Image != nil {
				_ = b.index.PutImage(ctx, e.Image)
			}
		case kindImageDelete:
			_ = b.index.DeleteImage(ctx, e.Key)
		default:
			return fmt.Errorf("jsonbackend: line %d: unknown entry kind %q", line, e.Kind)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("jsonbackend: replay: %w", err)
	}
	return nil
}

// append writes e. Callers hold b.mu.
func (b *jsonBackend) append(e entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("jsonbackend: encode: %w", err)
	}
	if _, err := b.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("jsonbackend: write: %w", err)
	}
	return nil
}

func (b *jsonBackend) Upsert(ctx context.Context, l *listing.Listing) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	created, err := b.index.Upsert(ctx, l)
	if err != nil {
		return false, err
	}
	stored, err := b.index.Get(ctx, l.ID)
	if err != nil {
		return false, err
	}
	return created, b.append(entry{Kind: kindListing, Listing: stored})
}

func (b *jsonBackend) SetImage(ctx context.Context, id, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.index.SetImage(ctx, id, path); err != nil {
		return err
	}
	stored, err := b.index.Get(ctx, id)
	if err != nil {
		return err
	}
	return b.append(entry{Kind: kindListing, Listing: stored})
}

func (b *jsonBackend) Get(ctx context.Context, id string) (*listing.Listing, error) {
	return b.index.Get(ctx, id)
}

func (b *jsonBackend) GetByProductRef(ctx context.Context, ref string) (*listing.Listing, error) {
	return b.index.GetByProductRef(ctx, ref)
}

func (b *jsonBackend) Query(ctx context.Context, filter storage.Filter) ([]*listing.Listing, error) {
	return b.index.Query(ctx, filter)
}

func (b *jsonBackend) GetImage(ctx context.Context, key string) (*listing.CachedImage, error) {
	return b.index.GetImage(ctx, key)
}

func (b *jsonBackend) PutImage(ctx context.Context, img *listing.CachedImage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.index.PutImage(ctx, img); err != nil {
		return err
	}
	return b.append(entry{Kind: kindImage, Image: img})
}

func (b *jsonBackend) DeleteImage(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.index.DeleteImage(ctx, key); err != nil {
		return err
	}
	return b.append(entry{Kind: kindImageDelete, Key: key})
}

func (b *jsonBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}
