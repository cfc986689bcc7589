package storage

import (
	"testing"
	"time"

	"github.com/FranksOps/poolfeed/internal/listing"
)

func TestFilter_Match(t *testing.T) {
	l := &listing.Listing{Title: "Blue Widget", Description: "Sturdy steel", Marketplace: listing.DHgate, Categories: []string{"tools"}}

	cases := []struct {
		f    Filter
		want bool
	}{
		{Filter{}, true},
		{Filter{Marketplace: listing.DHgate}, true},
		{Filter{Marketplace: listing.Alibaba}, false},
		{Filter{Category: " TOOLS "}, true},
		{Filter{Category: "garden"}, false},
		{Filter{Text: "widget"}, true},
		{Filter{Text: "STEEL"}, true},
		{Filter{Text: "lamp"}, false},
	}
	for _, c := range cases {
		if got := c.f.Match(l); got != c.want {
			t.Errorf("%+v.Match = %v, want %v", c.f, got, c.want)
		}
	}
}

func TestFilter_Page(t *testing.T) {
	now := time.Now()
	in := []*listing.Listing{
		{ID: "b", UpdatedAt: now},
		{ID: "a", UpdatedAt: now},
		{ID: "c", UpdatedAt: now.Add(time.Minute)},
	}
	got := Filter{Limit: 2}.Page(in)
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Errorf("unexpected order %v %v", got[0].ID, got[1].ID)
	}
	if len(Filter{Offset: 3}.Page(in)) != 0 {
		t.Errorf("expected empty page")
	}
}

func TestClone(t *testing.T) {
	orig := &listing.Listing{ID: "x", Price: &listing.PriceRange{Min: 1}, Categories: []string{"a"}}
	c := Clone(orig)
	c.Price.Min = 2
	c.Categories[0] = "b"
	if orig.Price.Min != 1 || orig.Categories[0] != "a" {
		t.Errorf("clone aliases the original")
	}
	if Clone(nil) != nil {
		t.Errorf("Clone(nil) must be nil")
	}
}
