package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/FranksOps/poolfeed/internal/listing"
)

// Export formats.
const (
	FormatCSV    = "csv"
	FormatNDJSON = "ndjson"
)

// csvHeaders defines the CSV column order.
var csvHeaders = []string{
	"id",
	"marketplace",
	"title",
	"source_url",
	"image",
	"remote_image",
	"price_min",
	"price_max",
	"currency",
	"price_raw",
	"moq_quantity",
	"moq_unit",
	"moq_raw",
	"store",
	"categories",
	"product_ref",
	"created_at",
	"updated_at",
}

// Export writes listings in format.
func Export(w io.Writer, format string, listings []*listing.Listing) error {
	switch strings.ToLower(format) {
	case FormatCSV:
		return ExportCSV(w, listings)
	case FormatNDJSON, "jsonl", "json":
		return ExportNDJSON(w, listings)
	default:
		return fmt.Errorf("report: unknown export format %q", format)
	}
}

// ExportCSV writes one row per listing. Optional numeric columns are empty
// when the value is unknown.
func ExportCSV(w io.Writer, listings []*listing.Listing) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeaders); err != nil {
		return fmt.Errorf("report: write csv header: %w", err)
	}

	for _, l := range listings {
		var priceMin, priceMax, currency, priceRaw string
		if l.Price != nil {
			if l.Price.Parsed() {
				priceMin = strconv.FormatFloat(l.Price.Min, 'f', -1, 64)
				priceMax = strconv.FormatFloat(l.Price.Max, 'f', -1, 64)
			}
			currency = l.Price.Currency
			priceRaw = l.Price.Raw
		}
		var moqQty, moqUnit, moqRaw string
		if l.MOQ != nil {
			if l.MOQ.Quantity > 0 {
				moqQty = strconv.Itoa(l.MOQ.Quantity)
			}
			moqUnit = l.MOQ.Unit
			moqRaw = l.MOQ.Raw
		}

		record := []string{
			l.ID,
			string(l.Marketplace),
			l.DisplayTitle(),
			l.SourceURL,
			l.Image,
			l.RemoteImage,
			priceMin,
			priceMax,
			currency,
			priceRaw,
			moqQty,
			moqUnit,
			moqRaw,
			l.Store,
			strings.Join(l.Categories, ";"),
			l.ProductRef,
			l.CreatedAt.Format(time.RFC3339Nano),
			l.UpdatedAt.Format(time.RFC3339Nano),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("report: write csv row %s: %w", l.ID, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("report: flush csv: %w", err)
	}
	return nil
}

// ExportNDJSON writes one JSON object per line, raw detail omitted.
func ExportNDJSON(w io.Writer, listings []*listing.Listing) error {
	enc := json.NewEncoder(w)
	for _, l := range listings {
		c := *l
		c.RawDetail = nil
		if err := enc.Encode(&c); err != nil {
			return fmt.Errorf("report: encode %s: %w", l.ID, err)
		}
	}
	return nil
}
