package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/FranksOps/poolfeed/internal/listing"
)

var moqRe = regexp.MustCompile(`(\d[\d,]*)(?:\s*[-–~]\s*\d[\d,]*)?\s*([A-Za-z]+)?`)

var unitAliases = map[string]string{
	"pc": "piece", "pcs": "piece", "piece": "piece", "pieces": "piece",
	"set": "set", "sets": "set",
	"pair": "pair", "pairs": "pair",
	"unit": "unit", "units": "unit",
	"box": "box", "boxes": "box",
	"carton": "carton", "cartons": "carton", "ctn": "carton", "ctns": "carton",
	"bag": "bag", "bags": "bag",
	"roll": "roll", "rolls": "roll",
	"lot": "lot", "lots": "lot",
	"dozen": "dozen", "dozens": "dozen",
	"kg": "kg", "kgs": "kg", "kilogram": "kg", "kilograms": "kg",
	"ton": "ton", "tons": "ton", "tonne": "ton", "tonnes": "ton",
	"meter": "meter", "meters": "meter", "m": "meter",
	"square": "square meter",
}

// ParseMOQ parses minimum order text such as "Min. order: 100 pieces",
// "2 Pieces (MOQ)" or "100-499 pcs". The lower bound of a range is the
// quantity. Text without a number is kept in Raw only.
func ParseMOQ(text string) *listing.MOQ {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return nil
	}
	m := &listing.MOQ{Raw: raw}
	sm := moqRe.FindStringSubmatch(raw)
	if sm == nil {
		return m
	}
	n, err := strconv.Atoi(strings.ReplaceAll(sm[1], ",", ""))
	if err != nil || n <= 0 {
		return m
	}
	m.Quantity = n
	if unit := strings.ToLower(sm[2]); unit != "" {
		if canonical, ok := unitAliases[unit]; ok {
			m.Unit = canonical
		} else if unit != "moq" && unit != "min" {
			m.Unit = unit
		}
	}
	return m
}
