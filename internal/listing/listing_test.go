package listing

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseMarketplace(t *testing.T) {
	tests := []struct {
		in      string
		want    Marketplace
		wantErr bool
	}{
		{"alibaba", Alibaba, false},
		{" AliExpress ", AliExpress, false},
		{"DHGATE", DHgate, false},
		{"made-in-china", MadeInChina, false},
		{"mic", MadeInChina, false},
		{"generic", Generic, false},
		{"ebay", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMarketplace(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDisplayTitle(t *testing.T) {
	long := strings.Repeat("lamp ", 40)
	tests := []struct {
		name string
		l    Listing
		want string
	}{
		{"collapses whitespace", Listing{Title: "  Brass \t Lamp\n"}, "Brass Lamp"},
		{"untitled with store", Listing{Title: Untitled, Store: "Acme"}, "Untitled (Acme)"},
		{"empty without store", Listing{}, Untitled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.l.DisplayTitle(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	l := Listing{Title: long}
	got := []rune(l.DisplayTitle())
	if len(got) > 120 || got[len(got)-1] != '…' {
		t.Errorf("long title not truncated: %q", string(got))
	}
}

func TestCategories(t *testing.T) {
	got := NormalizeCategories([]string{" Home  Decor", "tools", "home decor", "", "Tools"})
	want := []string{"home decor", "tools"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if NormalizeCategories([]string{" ", ""}) != nil {
		t.Error("expected nil for blank input")
	}

	l := Listing{Categories: want}
	if !l.HasCategory("Home Decor ") || l.HasCategory("garden") {
		t.Error("HasCategory mismatch")
	}
}

func TestPriceRangeParsed(t *testing.T) {
	var nilPrice *PriceRange
	if nilPrice.Parsed() {
		t.Error("nil price parsed")
	}
	if (&PriceRange{Raw: "ask seller"}).Parsed() {
		t.Error("text-only price parsed")
	}
	if !(&PriceRange{Min: 1.5, Max: 1.5}).Parsed() {
		t.Error("numeric price not parsed")
	}
}
