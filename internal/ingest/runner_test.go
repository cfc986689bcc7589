package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/FranksOps/poolfeed/internal/events"
	"github.com/FranksOps/poolfeed/internal/fetch"
	"github.com/FranksOps/poolfeed/internal/imagecache"
	"github.com/FranksOps/poolfeed/internal/listing"
	"github.com/FranksOps/poolfeed/internal/normalize"
	"github.com/FranksOps/poolfeed/internal/source"
	"github.com/FranksOps/poolfeed/internal/storage"
	"github.com/FranksOps/poolfeed/internal/storage/memory"
)

type fakeAdapter struct {
	m         listing.Marketplace
	records   []source.RawListing
	details   map[string]*source.RawDetail
	searchErr error

	mu       sync.Mutex
	searches int
	detailed int
}

func (f *fakeAdapter) Marketplace() listing.Marketplace { return f.m }

func (f *fakeAdapter) Search(ctx context.Context, query string, limit int, opts source.SearchOptions) ([]source.RawListing, error) {
	f.mu.Lock()
	f.searches++
	f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	out := append([]source.RawListing(nil), f.records...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeAdapter) FetchDetail(ctx context.Context, url string) (*source.RawDetail, error) {
	f.mu.Lock()
	f.detailed++
	f.mu.Unlock()
	d, ok := f.details[url]
	if !ok {
		return nil, source.ErrNotFound
	}
	return d, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestRunner(t *testing.T, cfg Config, adapters ...source.Adapter) (*Runner, *memory.Store) {
	t.Helper()
	store := memory.New()
	r, err := New(cfg, Deps{
		Registry: source.NewRegistry(adapters...),
		Store:    store,
	}, discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, store
}

var widget = source.RawListing{
	URL:       "https://m.example/p/1",
	Title:     "Blue Widget",
	PriceText: "$3.50-$4.20",
	Image:     "https://cdn.example/a.jpg",
}

func TestRun_Idempotent(t *testing.T) {
	a := &fakeAdapter{m: listing.Generic, records: []source.RawListing{widget}}
	r, store := newTestRunner(t, Config{}, a)
	ctx := context.Background()
	req := Request{Marketplace: listing.Generic, Query: "widget", Limit: 10}

	first, err := r.Run(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Run(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	if store.Len() != 1 {
		t.Fatalf("expected exactly one listing, got %d", store.Len())
	}
	if first.Created != 1 || second.Updated != 1 || second.Created != 0 {
		t.Errorf("unexpected summaries: %+v / %+v", first, second)
	}
}

func TestRun_EndToEnd(t *testing.T) {
	a := &fakeAdapter{m: listing.Generic, records: []source.RawListing{widget}}
	r, store := newTestRunner(t, Config{}, a)
	ctx := context.Background()

	if _, err := r.Run(ctx, Request{Marketplace: listing.Generic, Query: "widget", Limit: 10}); err != nil {
		t.Fatal(err)
	}

	id := idFor(t, "https://m.example/p/1")
	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("listing not persisted: %v", err)
	}
	if got.Price == nil || got.Price.Min != 3.50 || got.Price.Max != 4.20 || got.Price.Currency != "USD" {
		t.Fatalf("unexpected price %+v", got.Price)
	}
	if got.RemoteImage != "https://cdn.example/a.jpg" {
		t.Fatalf("remote image = %q", got.RemoteImage)
	}

	root := t.TempDir()
	cache, err := imagecache.New(imagecache.Config{Root: root}, imageGetter{}, store, nil, discard())
	if err != nil {
		t.Fatal(err)
	}
	local, err := cache.Resolve(ctx, got.RemoteImage, imagecache.Options{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if local == got.RemoteImage || !strings.HasPrefix(local, imagecache.DefaultURLPrefix) {
		t.Errorf("expected a local cache path, got %q", local)
	}
	if err := store.SetImage(ctx, id, local); err != nil {
		t.Fatal(err)
	}

	// A re-ingest without a local image keeps the cached reference.
	if _, err := r.Run(ctx, Request{Marketplace: listing.Generic, Query: "widget", Limit: 10}); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Get(ctx, id)
	if got.Image != local {
		t.Errorf("cached image lost on re-ingest: %q", got.Image)
	}
}

type imageGetter struct{}

func (imageGetter) Get(_ context.Context, req fetch.Request) (*fetch.Response, error) {
	return &fetch.Response{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"image/jpeg"}},
		Body:       []byte("\xff\xd8\xff\xe0 fake jpeg"),
	}, nil
}

func TestRun_RejectsAndExcludes(t *testing.T) {
	a := &fakeAdapter{m: listing.Generic, records: []source.RawListing{
		{Description: "nothing usable"},
		{URL: "https://m.example/p/2", Title: "Custom Phone Case"},
		{URL: "https://m.example/p/3", Title: "Customer Service Desk Organizer"},
		{URL: "https://m.example/p/4", Title: "Mug", Description: "Bespoke glaze on request"},
	}}
	r, store := newTestRunner(t, Config{}, a)

	sum, err := r.Run(context.Background(), Request{Marketplace: listing.Generic, Query: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Fetched != 4 || sum.Rejected != 1 || sum.Excluded != 2 || sum.Created != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if store.Len() != 1 {
		t.Errorf("excluded or rejected records were persisted: %d rows", store.Len())
	}
}

func TestRun_SearchFailureIsNotEmptyResult(t *testing.T) {
	a := &fakeAdapter{m: listing.Generic, searchErr: &fetch.Error{Kind: fetch.KindBlocked, URL: "https://m.example/search", Source: "Cloudflare"}}
	r, store := newTestRunner(t, Config{}, a)

	sum, err := r.Run(context.Background(), Request{Marketplace: listing.Generic, Query: "x"})
	if !errors.Is(err, fetch.ErrTransient) {
		t.Fatalf("expected transient failure, got %v", err)
	}
	if sum == nil || sum.SearchError == "" {
		t.Errorf("summary should record the search failure: %+v", sum)
	}
	if store.Len() != 0 {
		t.Errorf("store written after failed search")
	}
}

func TestRun_UnknownMarketplace(t *testing.T) {
	r, _ := newTestRunner(t, Config{})
	_, err := r.Run(context.Background(), Request{Marketplace: listing.DHgate, Query: "x"})
	if !errors.Is(err, source.ErrNoAdapter) {
		t.Errorf("expected ErrNoAdapter, got %v", err)
	}
}

func TestRun_SameIdentityKeepsYieldOrder(t *testing.T) {
	var records []source.RawListing
	for _, title := range []string{"First", "Second", "Third"} {
		records = append(records, source.RawListing{URL: "https://m.example/p/9?utm_source=feed", Title: title})
	}
	a := &fakeAdapter{m: listing.Generic, records: records}
	r, store := newTestRunner(t, Config{Workers: 8}, a)

	sum, err := r.Run(context.Background(), Request{Marketplace: listing.Generic, Query: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Created != 1 || sum.Updated != 2 {
		t.Errorf("unexpected summary %+v", sum)
	}
	got, _ := store.Get(context.Background(), idFor(t, "https://m.example/p/9"))
	if got == nil || got.Title != "Third" {
		t.Errorf("last yielded record should win, got %+v", got)
	}
}

func TestRun_ManyRecordsBoundedWorkers(t *testing.T) {
	var records []source.RawListing
	for i := 0; i < 60; i++ {
		records = append(records, source.RawListing{
			URL:   "https://m.example/p/" + strings.Repeat("x", i+1),
			Title: "Widget",
		})
	}
	a := &fakeAdapter{m: listing.Generic, records: records}
	r, store := newTestRunner(t, Config{Workers: 3}, a)

	sum, err := r.Run(context.Background(), Request{Marketplace: listing.Generic, Query: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Created != 60 || store.Len() != 60 {
		t.Errorf("created %d, stored %d", sum.Created, store.Len())
	}
}

func TestRun_DetailEnrichment(t *testing.T) {
	detailURL := "https://m.example/p/1"
	a := &fakeAdapter{
		m:       listing.Generic,
		records: []source.RawListing{widget, {URL: "https://m.example/p/2", Title: "Lamp"}},
		details: map[string]*source.RawDetail{
			detailURL: {
				URL:       detailURL,
				Listing:   source.RawListing{URL: detailURL, Description: "Solid steel widget", MOQText: "Min. order: 100 pieces"},
				FetchedAt: time.Now().UTC(),
			},
		},
	}
	r, store := newTestRunner(t, Config{Detail: true}, a)
	ctx := context.Background()

	sum, err := r.Run(ctx, Request{Marketplace: listing.Generic, Query: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Created != 2 || sum.DetailFailures != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}

	got, _ := store.Get(ctx, idFor(t, detailURL))
	if got.Description != "Solid steel widget" || got.Title != "Blue Widget" {
		t.Errorf("detail not merged: %+v", got)
	}
	if got.MOQ == nil || got.MOQ.Quantity != 100 {
		t.Errorf("moq from detail missing: %+v", got.MOQ)
	}
	if len(got.RawDetail) == 0 {
		t.Errorf("raw detail not stored")
	}

	off := false
	if _, err := r.Run(ctx, Request{Marketplace: listing.Generic, Query: "x", Detail: &off}); err != nil {
		t.Fatal(err)
	}
	if a.detailed != 2 {
		t.Errorf("detail override ignored: %d detail calls", a.detailed)
	}
}

func TestRun_NotifiesWatchers(t *testing.T) {
	a := &fakeAdapter{m: listing.Generic, records: []source.RawListing{widget}}
	store := memory.New()
	hub := events.NewHub(discard())
	watch := events.NewWatchlist()
	r, err := New(Config{}, Deps{
		Registry:  source.NewRegistry(a),
		Store:     store,
		Hub:       hub,
		Watchlist: watch,
	}, discard())
	if err != nil {
		t.Fatal(err)
	}

	id := idFor(t, widget.URL)
	watch.Watch("buyer-1", id)

	var got []events.Event
	hub.Subscribe("buyer-1", func(ev events.Event) { got = append(got, ev) })

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := r.Run(ctx, Request{Marketplace: listing.Generic, Query: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	if len(got) != 2 || got[0].Type != events.TypeListingCreated || got[1].Type != events.TypeListingUpdated {
		t.Fatalf("unexpected events %+v", got)
	}
	if got[1].ListingID != id {
		t.Errorf("event for wrong listing %q", got[1].ListingID)
	}
}

func TestRun_Cancelled(t *testing.T) {
	a := &fakeAdapter{m: listing.Generic, records: []source.RawListing{widget}}
	r, store := newTestRunner(t, Config{}, a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Run(ctx, Request{Marketplace: listing.Generic, Query: "x"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("cancelled run wrote %d rows", store.Len())
	}
}

func TestRenormalize(t *testing.T) {
	detailURL := "https://m.example/p/1"
	a := &fakeAdapter{
		m:       listing.Generic,
		records: []source.RawListing{widget, {URL: "https://m.example/p/2", Title: "Lamp"}},
		details: map[string]*source.RawDetail{
			detailURL: {URL: detailURL, Listing: source.RawListing{URL: detailURL, PriceText: "US $5.00"}},
		},
	}
	r, store := newTestRunner(t, Config{Detail: true}, a)
	ctx := context.Background()

	if _, err := r.Run(ctx, Request{Marketplace: listing.Generic, Query: "x"}); err != nil {
		t.Fatal(err)
	}

	id := idFor(t, detailURL)
	stale, _ := store.Get(ctx, id)
	stale.Title = "stale"
	stale.Price = nil
	if _, err := store.Upsert(ctx, stale); err != nil {
		t.Fatal(err)
	}

	searches := a.searches
	sum, err := r.Renormalize(ctx, storage.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if a.searches != searches {
		t.Errorf("renormalize must not fetch")
	}
	if sum.Updated != 1 || sum.Skipped != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}

	got, _ := store.Get(ctx, id)
	if got.Title != "Blue Widget" {
		t.Errorf("title not rebuilt: %q", got.Title)
	}
	if got.Price == nil || got.Price.Min != 5 || got.Price.Currency != "USD" {
		t.Errorf("price not rebuilt: %+v", got.Price)
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Config{}, Deps{}, nil); err == nil {
		t.Error("expected error without registry and store")
	}
}

func idFor(t *testing.T, rawURL string) string {
	t.Helper()
	id, err := normalize.IdentityKey(rawURL)
	if err != nil {
		t.Fatalf("IdentityKey(%q): %v", rawURL, err)
	}
	return id
}
