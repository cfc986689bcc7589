package report

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/FranksOps/poolfeed/internal/listing"
)

func exportFixture() []*listing.Listing {
	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	return []*listing.Listing{
		{
			ID:          "a1",
			SourceURL:   "https://m.example/p/1",
			Title:       "Blue  Widget",
			RemoteImage: "https://cdn.example/a.jpg",
			Price:       &listing.PriceRange{Min: 3.5, Max: 4.2, Currency: "USD", Raw: "$3.50-$4.20"},
			MOQ:         &listing.MOQ{Quantity: 100, Unit: "piece", Raw: "100 pieces"},
			Marketplace: listing.AliExpress,
			Categories:  []string{"home", "tools"},
			RawDetail:   []byte(`{"url":"https://m.example/p/1"}`),
			CreatedAt:   at,
			UpdatedAt:   at,
		},
		{
			ID:          "b2",
			SourceURL:   "https://m.example/p/2",
			Title:       "Lamp, \"vintage\"",
			Price:       &listing.PriceRange{Raw: "ask seller"},
			Marketplace: listing.Generic,
			CreatedAt:   at,
			UpdatedAt:   at,
		},
	}
}

func TestExportCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := Export(&buf, "CSV", exportFixture()); err != nil {
		t.Fatal(err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("output is not valid CSV: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if len(rows[0]) != len(csvHeaders) {
		t.Errorf("header has %d columns", len(rows[0]))
	}
	first := rows[1]
	if first[2] != "Blue Widget" || first[6] != "3.5" || first[7] != "4.2" || first[14] != "home;tools" {
		t.Errorf("unexpected first row %v", first)
	}
	second := rows[2]
	if second[2] != `Lamp, "vintage"` || second[6] != "" || second[9] != "ask seller" {
		t.Errorf("unexpected second row %v", second)
	}
}

func TestExportNDJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := Export(&buf, FormatNDJSON, exportFixture()); err != nil {
		t.Fatal(err)
	}

	scanner := bufio.NewScanner(&buf)
	n := 0
	for scanner.Scan() {
		var l listing.Listing
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			t.Fatalf("line %d: %v", n, err)
		}
		if len(l.RawDetail) != 0 {
			t.Errorf("raw detail exported for %s", l.ID)
		}
		n++
	}
	if n != 2 {
		t.Errorf("expected 2 lines, got %d", n)
	}
}

func TestExport_UnknownFormat(t *testing.T) {
	if err := Export(&bytes.Buffer{}, "xml", nil); err == nil {
		t.Error("expected error for unknown format")
	}
}
