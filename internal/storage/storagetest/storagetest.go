// Package storagetest holds the behavior every storage.Backend must share.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/FranksOps/poolfeed/internal/listing"
	"github.com/FranksOps/poolfeed/internal/storage"
)

// Listing returns a populated listing with the given id.
func Listing(id string, updated time.Time) *listing.Listing {
	return &listing.Listing{
		ID:          id,
		SourceURL:   "https://m.example/p/" + id,
		Title:       "Blue Widget " + id,
		Description: "A sturdy widget",
		RemoteImage: "https://cdn.example/" + id + ".jpg",
		Price:       &listing.PriceRange{Min: 3.5, Max: 4.2, Currency: "USD", Raw: "$3.50-$4.20"},
		MOQ:         &listing.MOQ{Quantity: 100, Unit: "piece", Raw: "100 pieces"},
		Marketplace: listing.AliExpress,
		Store:       "Acme",
		Categories:  []string{"home", "tools"},
		ProductRef:  "aliexpress:" + id,
		RawDetail:   []byte(`{"url":"https://m.example/p/` + id + `"}`),
		CreatedAt:   updated,
		UpdatedAt:   updated,
	}
}

// Run exercises b. Each subtest gets a fresh backend from open.
func Run(t *testing.T, open func(t *testing.T) storage.Backend) {
	t.Run("UpsertAndGet", func(t *testing.T) { testUpsertAndGet(t, open(t)) })
	t.Run("UpsertPreservesCreatedAt", func(t *testing.T) { testCreatedAt(t, open(t)) })
	t.Run("Query", func(t *testing.T) { testQuery(t, open(t)) })
	t.Run("ProductRef", func(t *testing.T) { testProductRef(t, open(t)) })
	t.Run("SetImage", func(t *testing.T) { testSetImage(t, open(t)) })
	t.Run("Images", func(t *testing.T) { testImages(t, open(t)) })
	t.Run("ConcurrentUpsert", func(t *testing.T) { testConcurrentUpsert(t, open(t)) })
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testUpsertAndGet(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	in := Listing("a1", base)

	created, err := b.Upsert(ctx, in)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !created {
		t.Errorf("expected first upsert to create")
	}

	got, err := b.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != in.Title || got.SourceURL != in.SourceURL || got.Store != in.Store || got.Marketplace != in.Marketplace {
		t.Errorf("unexpected listing %+v", got)
	}
	if got.Price == nil || got.Price.Min != 3.5 || got.Price.Max != 4.2 || got.Price.Currency != "USD" || got.Price.Raw != "$3.50-$4.20" {
		t.Errorf("unexpected price %+v", got.Price)
	}
	if got.MOQ == nil || got.MOQ.Quantity != 100 || got.MOQ.Unit != "piece" {
		t.Errorf("unexpected moq %+v", got.MOQ)
	}
	if len(got.Categories) != 2 || got.Categories[0] != "home" {
		t.Errorf("unexpected categories %v", got.Categories)
	}
	if string(got.RawDetail) != string(in.RawDetail) {
		t.Errorf("raw detail not preserved: %s", got.RawDetail)
	}
	if got.RemoteImage != in.RemoteImage || got.ProductRef != in.ProductRef {
		t.Errorf("unexpected refs %+v", got)
	}
	if !got.UpdatedAt.Equal(base) {
		t.Errorf("expected UpdatedAt %v, got %v", base, got.UpdatedAt)
	}

	if _, err := b.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Optional fields round-trip as absent.
	bare := &listing.Listing{ID: "bare", SourceURL: "https://x.example/1", Title: "Untitled", Marketplace: listing.Generic, CreatedAt: base, UpdatedAt: base}
	if _, err := b.Upsert(ctx, bare); err != nil {
		t.Fatalf("Upsert bare: %v", err)
	}
	got, err = b.Get(ctx, "bare")
	if err != nil {
		t.Fatalf("Get bare: %v", err)
	}
	if got.Price != nil || got.MOQ != nil || len(got.Categories) != 0 || len(got.RawDetail) != 0 {
		t.Errorf("expected empty optional fields, got %+v", got)
	}
}

func testCreatedAt(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	first := Listing("c1", base)
	if _, err := b.Upsert(ctx, first); err != nil {
		t.Fatal(err)
	}

	second := Listing("c1", base.Add(time.Hour))
	second.Title = "Renamed"
	second.Price = nil
	created, err := b.Upsert(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Errorf("expected second upsert to update")
	}

	got, err := b.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Renamed" || got.Price != nil {
		t.Errorf("expected wholesale replacement, got %+v", got)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("expected CreatedAt preserved as %v, got %v", base, got.CreatedAt)
	}
	if !got.UpdatedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("expected UpdatedAt advanced, got %v", got.UpdatedAt)
	}
}

func testQuery(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		l := Listing(fmt.Sprintf("q%d", i), base.Add(time.Duration(i)*time.Minute))
		if i%2 == 1 {
			l.Marketplace = listing.DHgate
			l.Categories = []string{"garden"}
			l.Title = "Lamp " + l.ID
			l.Description = "A bright lamp"
		}
		if _, err := b.Upsert(ctx, l); err != nil {
			t.Fatal(err)
		}
	}

	all, err := b.Query(ctx, storage.Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 5 || all[0].ID != "q4" || all[4].ID != "q0" {
		t.Fatalf("expected 5 listings newest first, got %d", len(all))
	}

	dh, _ := b.Query(ctx, storage.Filter{Marketplace: listing.DHgate})
	if len(dh) != 2 {
		t.Errorf("expected 2 dhgate listings, got %d", len(dh))
	}
	garden, _ := b.Query(ctx, storage.Filter{Category: "Garden"})
	if len(garden) != 2 {
		t.Errorf("expected 2 garden listings, got %d", len(garden))
	}
	widgets, _ := b.Query(ctx, storage.Filter{Text: "WIDGET"})
	if len(widgets) != 3 {
		t.Errorf("expected 3 widget listings, got %d", len(widgets))
	}
	sturdy, _ := b.Query(ctx, storage.Filter{Text: "sturdy"})
	if len(sturdy) != 3 {
		t.Errorf("expected description match on 3, got %d", len(sturdy))
	}
	page, _ := b.Query(ctx, storage.Filter{Offset: 1, Limit: 2})
	if len(page) != 2 || page[0].ID != "q3" || page[1].ID != "q2" {
		t.Errorf("unexpected page %v", ids(page))
	}
	past, _ := b.Query(ctx, storage.Filter{Offset: 10})
	if len(past) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(past))
	}
}

func testProductRef(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	l := Listing("p1", base)
	l.ProductRef = "alibaba:1600123"
	if _, err := b.Upsert(ctx, l); err != nil {
		t.Fatal(err)
	}
	got, err := b.GetByProductRef(ctx, "alibaba:1600123")
	if err != nil || got.ID != "p1" {
		t.Fatalf("GetByProductRef = %v, %v", got, err)
	}
	if _, err := b.GetByProductRef(ctx, "alibaba:0"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testSetImage(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	if _, err := b.Upsert(ctx, Listing("i1", base)); err != nil {
		t.Fatal(err)
	}
	if err := b.SetImage(ctx, "i1", "/media/ab/abcd.jpg"); err != nil {
		t.Fatalf("SetImage: %v", err)
	}
	got, _ := b.Get(ctx, "i1")
	if got.Image != "/media/ab/abcd.jpg" {
		t.Errorf("expected image path, got %q", got.Image)
	}
	if err := b.SetImage(ctx, "missing", "/media/x"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testImages(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	img := &listing.CachedImage{
		Key:         "abcd",
		SourceURL:   "https://cdn.example/a.jpg",
		Path:        "/media/ab/abcd.jpg",
		ContentType: "image/jpeg",
		Size:        1234,
		FetchedAt:   base,
	}
	if err := b.PutImage(ctx, img); err != nil {
		t.Fatalf("PutImage: %v", err)
	}
	got, err := b.GetImage(ctx, "abcd")
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if got.Path != img.Path || got.ContentType != img.ContentType || got.Size != img.Size || !got.FetchedAt.Equal(base) {
		t.Errorf("unexpected image %+v", got)
	}

	img.Path = "/media/ab/abcd.png"
	if err := b.PutImage(ctx, img); err != nil {
		t.Fatal(err)
	}
	got, _ = b.GetImage(ctx, "abcd")
	if got.Path != "/media/ab/abcd.png" {
		t.Errorf("expected overwrite, got %q", got.Path)
	}

	if err := b.DeleteImage(ctx, "abcd"); err != nil {
		t.Fatalf("DeleteImage: %v", err)
	}
	if _, err := b.GetImage(ctx, "abcd"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := b.DeleteImage(ctx, "abcd"); err != nil {
		t.Errorf("deleting a missing image must not fail: %v", err)
	}
}

func testConcurrentUpsert(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l := Listing("same", base.Add(time.Duration(i)*time.Second))
			c, err := b.Upsert(ctx, l)
			if err != nil {
				t.Errorf("Upsert: %v", err)
				return
			}
			if c {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("expected exactly one insert, got %d", created)
	}
	all, err := b.Query(ctx, storage.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("expected one row for one id, got %d", len(all))
	}
}

func ids(ls []*listing.Listing) []string {
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.ID
	}
	return out
}
