package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/FranksOps/poolfeed/internal/listing"
)

// currencyTokens is checked in order; longer and more specific tokens
// come before the bare symbols they contain.
var currencyTokens = []struct {
	token string
	code  string
}{
	{"US$", "USD"}, {"USD", "USD"},
	{"CN¥", "CNY"}, {"RMB", "CNY"}, {"CNY", "CNY"},
	{"A$", "AUD"}, {"AU$", "AUD"}, {"AUD", "AUD"},
	{"C$", "CAD"}, {"CA$", "CAD"}, {"CAD", "CAD"},
	{"R$", "BRL"}, {"BRL", "BRL"},
	{"HK$", "HKD"}, {"HKD", "HKD"},
	{"EUR", "EUR"}, {"€", "EUR"},
	{"GBP", "GBP"}, {"£", "GBP"},
	{"JPY", "JPY"}, {"円", "JPY"},
	{"INR", "INR"}, {"₹", "INR"},
	{"RUB", "RUB"}, {"₽", "RUB"},
	{"KRW", "KRW"}, {"₩", "KRW"},
	{"TRY", "TRY"}, {"₺", "TRY"},
	{"¥", "CNY"},
	{"$", "USD"},
}

// defaultCurrency applies when price text carries no currency marker.
var defaultCurrency = map[listing.Marketplace]string{
	listing.Alibaba:     "USD",
	listing.AliExpress:  "USD",
	listing.DHgate:      "USD",
	listing.MadeInChina: "USD",
}

var (
	// A space groups thousands only in a full "1 299,00" shape; otherwise
	// "$3.50 2 pcs" would read as 3.502.
	numberRe      = regexp.MustCompile(`\d{1,3}(?:[ \x{00A0}\x{202F}]\d{3})+[.,]\d{1,2}\b|\d+(?:[.,]\d+)*`)
	rangeSepRe    = regexp.MustCompile(`^\s*(?:-|–|—|~|to)\s*$`)
	currencyNoise = regexp.MustCompile(`[A-Za-z]{0,3}[$€£¥₹₽₩₺円]|[A-Z]{3}`)
)

// DetectCurrency returns the ISO code of the first currency marker in s.
func DetectCurrency(s string) string {
	upper := strings.ToUpper(s)
	for _, c := range currencyTokens {
		if strings.Contains(upper, strings.ToUpper(c.token)) {
			return c.code
		}
	}
	return ""
}

// ParsePrice parses free-text prices such as "$3.50-$4.20", "US $1,299.00",
// "€12,50 ~ €15" or "1.50 to 2.00". It returns nil for empty text. Text
// that cannot be parsed keeps Raw with zero bounds.
func ParsePrice(text, fallbackCurrency string) *listing.PriceRange {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return nil
	}
	p := &listing.PriceRange{Raw: raw, Currency: DetectCurrency(raw)}
	if p.Currency == "" {
		p.Currency = fallbackCurrency
	}

	locs := numberRe.FindAllStringIndex(raw, -1)
	if len(locs) == 0 {
		return p
	}
	first, ok := parseNumber(raw[locs[0][0]:locs[0][1]])
	if !ok {
		return p
	}
	p.Min, p.Max = first, first

	if len(locs) >= 2 {
		between := currencyNoise.ReplaceAllString(raw[locs[0][1]:locs[1][0]], "")
		if rangeSepRe.MatchString(strings.ToLower(between)) {
			if second, ok := parseNumber(raw[locs[1][0]:locs[1][1]]); ok {
				p.Max = second
			}
		}
	}
	if p.Min > p.Max {
		p.Min, p.Max = p.Max, p.Min
	}
	return p
}

// parseNumber reads a number with optional thousands separators. When both
// '.' and ',' appear, the last one is the decimal mark; a lone ',' followed
// by exactly two digits is a decimal comma.
func parseNumber(s string) (float64, bool) {
	s = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "").Replace(strings.TrimSpace(s))
	dot, comma := strings.LastIndex(s, "."), strings.LastIndex(s, ",")
	switch {
	case dot >= 0 && comma >= 0:
		if comma > dot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case comma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-comma-1 == 2 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return f, true
}
