package dedup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/FranksOps/poolfeed/internal/listing"
	"github.com/FranksOps/poolfeed/internal/storage/memory"
)

func candidate(id string, at time.Time) *listing.Listing {
	return &listing.Listing{
		ID:          id,
		SourceURL:   "https://m.example/p/" + id,
		Title:       "Blue Widget",
		Marketplace: listing.Generic,
		RemoteImage: "https://cdn.example/a.jpg",
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func TestUpsert_CreateThenUpdate(t *testing.T) {
	store := memory.New()
	d := New(store, nil)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	out, err := d.Upsert(ctx, candidate("a", t0))
	if err != nil || out != Created {
		t.Fatalf("first upsert = %v, %v", out, err)
	}

	next := candidate("a", t0.Add(time.Hour))
	next.Title = "Blue Widget v2"
	out, err = d.Upsert(ctx, next)
	if err != nil || out != Updated {
		t.Fatalf("second upsert = %v, %v", out, err)
	}

	got, _ := store.Get(ctx, "a")
	if got.Title != "Blue Widget v2" {
		t.Errorf("title not replaced: %q", got.Title)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("created_at changed: %v", got.CreatedAt)
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 row, got %d", store.Len())
	}
}

func TestUpsert_KeepsCachedImage(t *testing.T) {
	store := memory.New()
	d := New(store, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := d.Upsert(ctx, candidate("a", now)); err != nil {
		t.Fatal(err)
	}
	if err := store.SetImage(ctx, "a", "/media/ab/abc.jpg"); err != nil {
		t.Fatal(err)
	}

	// A re-scrape without a local image keeps the cached one.
	if _, err := d.Upsert(ctx, candidate("a", now)); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, "a")
	if got.Image != "/media/ab/abc.jpg" {
		t.Errorf("cached image blanked: %q", got.Image)
	}

	// A candidate carrying its own local image wins.
	withImage := candidate("a", now)
	withImage.Image = "/media/cd/cde.png"
	if _, err := d.Upsert(ctx, withImage); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Get(ctx, "a")
	if got.Image != "/media/cd/cde.png" {
		t.Errorf("expected candidate image, got %q", got.Image)
	}
}

func TestUpsert_ProductRefHint(t *testing.T) {
	store := memory.New()
	d := New(store, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	first := candidate("a", now)
	first.ProductRef = "aliexpress:1005"
	if _, err := d.Upsert(ctx, first); err != nil {
		t.Fatal(err)
	}

	other := candidate("b", now.Add(time.Minute))
	other.SourceURL = "https://m.example/item/1005.html"
	other.ProductRef = "aliexpress:1005"
	other.Title = "Same product, other URL"
	out, err := d.Upsert(ctx, other)
	if err != nil {
		t.Fatal(err)
	}
	if out != Updated {
		t.Errorf("expected update through product ref, got %v", out)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 row, got %d", store.Len())
	}
	got, _ := store.Get(ctx, "a")
	if got.Title != "Same product, other URL" || got.SourceURL != first.SourceURL {
		t.Errorf("unexpected merged record %+v", got)
	}
}

func TestUpsert_RejectsMissingID(t *testing.T) {
	d := New(memory.New(), nil)
	if _, err := d.Upsert(context.Background(), &listing.Listing{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestUpsert_ConcurrentSameKey(t *testing.T) {
	store := memory.New()
	d := New(store, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := map[Outcome]int{}
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := candidate(fmt.Sprintf("k%d", i%4), now)
			out, err := d.Upsert(ctx, c)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			outcomes[out]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if store.Len() != 4 {
		t.Errorf("expected 4 rows, got %d", store.Len())
	}
	if outcomes[Created] != 4 || outcomes[Updated] != 36 {
		t.Errorf("unexpected outcomes %v", outcomes)
	}
	if n := d.locks.size(); n != 0 {
		t.Errorf("lock table not drained: %d", n)
	}
}

func TestKeyLock_Serializes(t *testing.T) {
	k := newKeyLock()
	unlock := k.Lock("x")

	acquired := make(chan struct{})
	go func() {
		u := k.Lock("x")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(30 * time.Millisecond):
	}

	other := k.Lock("y")
	other()

	unlock()
	unlock() // idempotent
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired")
	}
}
