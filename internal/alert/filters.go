package alert

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"carscout/internal/normalize"
	"carscout/internal/store"
)

// Filters is the normalized form of a saved-search query. Zero-valued fields
// are unconstrained; every populated field must hold for a listing to match.
type Filters struct {
	BrandID    string `json:"brand_id,omitempty"`
	ModelID    string `json:"model_id,omitempty"`
	Fuel       string `json:"fuel,omitempty"`
	Gearbox    string `json:"gearbox,omitempty"`
	Body       string `json:"body,omitempty"`
	Region     string `json:"region,omitempty"`
	MinYear    int    `json:"min_year,omitempty"`
	MaxYear    int    `json:"max_year,omitempty"`
	MinPrice   int64  `json:"min_price,omitempty"`
	MaxPrice   int64  `json:"max_price,omitempty"`
	MinMileage int64  `json:"min_mileage,omitempty"`
	MaxMileage int64  `json:"max_mileage,omitempty"`
	MinPower   int    `json:"min_power,omitempty"`
	MaxPower   int    `json:"max_power,omitempty"`
}

// DecodeFilters reads the JSON form stored on an alert row.
func DecodeFilters(s string) (Filters, error) {
	var f Filters
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return Filters{}, fmt.Errorf("decode filters: %w", err)
	}
	return f, nil
}

// JSON renders the storable form.
func (f Filters) JSON() (string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("encode filters: %w", err)
	}
	return string(b), nil
}

var (
	// opRangeRe covers the comparator ranges: a bare number is a price in
	// leva, a unit suffix picks mileage or power.
	opRangeRe  = regexp.MustCompile(`^(<=|>=|<|>)(\d+)(\D*)$`)
	yearPlusRe = regexp.MustCompile(`^(\d{4})\+$`)
	yearSpanRe = regexp.MustCompile(`^(\d{4})-(\d{4})$`)
)

// ParseQuery reads a whitespace-separated saved-search query, case
// insensitive, tokens in any order. Tokens it cannot place come back as
// warnings, never as errors: a half-understood alert still works.
func ParseQuery(m *normalize.Matcher, query string) (Filters, []string) {
	var (
		f        Filters
		warnings []string
	)
	words := strings.Fields(query)
	for i := 0; i < len(words); i++ {
		tok := strings.ToLower(words[i])

		if g := opRangeRe.FindStringSubmatch(tok); g != nil {
			if applyRange(&f, g[1], g[2], g[3]) {
				continue
			}
			warnings = append(warnings, fmt.Sprintf("unknown unit in %q", words[i]))
			continue
		}
		if g := yearPlusRe.FindStringSubmatch(tok); g != nil {
			f.MinYear, _ = strconv.Atoi(g[1])
			continue
		}
		if g := yearSpanRe.FindStringSubmatch(tok); g != nil {
			lo, _ := strconv.Atoi(g[1])
			hi, _ := strconv.Atoi(g[2])
			if hi < lo {
				lo, hi = hi, lo
			}
			f.MinYear, f.MaxYear = lo, hi
			continue
		}

		if v, ok := normalize.FuelToken(tok); ok {
			f.Fuel = v
			continue
		}
		if v, ok := normalize.GearboxToken(tok); ok {
			f.Gearbox = v
			continue
		}
		if v, ok := normalize.BodyToken(tok); ok {
			f.Body = v
			continue
		}
		if r := regionOf(tok); r != "" {
			f.Region = r
			continue
		}
		// Two-word regions like "стара загора" arrive as two tokens.
		if i+1 < len(words) {
			if r := regionOf(tok + " " + strings.ToLower(words[i+1])); r != "" {
				f.Region = r
				i++
				continue
			}
		}

		if brand, model, n := m.MatchWords(words[i:]); n > 0 {
			f.BrandID = brand
			if model != "" {
				f.ModelID = model
			}
			i += n - 1
			continue
		}

		warnings = append(warnings, fmt.Sprintf("unknown token %q", words[i]))
	}
	return f, warnings
}

// applyRange places one comparator token. The comparator's strictness is not
// preserved: both "<" and "<=" record an upper bound.
func applyRange(f *Filters, op, num, unit string) bool {
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return false
	}
	lower := op == ">" || op == ">="
	switch unit {
	case "":
		if lower {
			f.MinPrice = n
		} else {
			f.MaxPrice = n
		}
	case "km", "км", "к.м":
		if lower {
			f.MinMileage = n
		} else {
			f.MaxMileage = n
		}
	case "hp", "кс", "к.с", "к.с.":
		if lower {
			f.MinPower = int(n)
		} else {
			f.MaxPower = int(n)
		}
	default:
		return false
	}
	return true
}

// regionOf canonicalizes a candidate region token. Canonical ids use
// underscores where the alias table has spaces, so fold them first.
func regionOf(tok string) string {
	return normalize.Region(strings.ReplaceAll(tok, "_", " "))
}

// Canonical renders the filters back into query form. Parsing the canonical
// form yields the same filters, so it doubles as the display representation.
func (f Filters) Canonical() string {
	var parts []string
	if f.BrandID != "" {
		parts = append(parts, f.BrandID)
	}
	if f.ModelID != "" {
		parts = append(parts, f.ModelID)
	}
	if f.Fuel != "" {
		parts = append(parts, f.Fuel)
	}
	if f.Gearbox != "" {
		parts = append(parts, f.Gearbox)
	}
	if f.Body != "" {
		parts = append(parts, f.Body)
	}
	if f.Region != "" {
		parts = append(parts, f.Region)
	}
	switch {
	case f.MinYear > 0 && f.MaxYear > 0:
		parts = append(parts, fmt.Sprintf("%d-%d", f.MinYear, f.MaxYear))
	case f.MinYear > 0:
		parts = append(parts, fmt.Sprintf("%d+", f.MinYear))
	}
	if f.MinPrice > 0 {
		parts = append(parts, fmt.Sprintf(">=%d", f.MinPrice))
	}
	if f.MaxPrice > 0 {
		parts = append(parts, fmt.Sprintf("<=%d", f.MaxPrice))
	}
	if f.MinMileage > 0 {
		parts = append(parts, fmt.Sprintf(">%dкм", f.MinMileage))
	}
	if f.MaxMileage > 0 {
		parts = append(parts, fmt.Sprintf("<%dкм", f.MaxMileage))
	}
	if f.MinPower > 0 {
		parts = append(parts, fmt.Sprintf(">%dкс", f.MinPower))
	}
	if f.MaxPower > 0 {
		parts = append(parts, fmt.Sprintf("<%dкс", f.MaxPower))
	}
	return strings.Join(parts, " ")
}

// Match reports whether the listing satisfies every populated filter field.
func (f Filters) Match(l *store.Listing) bool {
	if f.BrandID != "" && l.BrandID != f.BrandID {
		return false
	}
	if f.ModelID != "" && l.ModelID != f.ModelID {
		return false
	}
	if f.Fuel != "" && l.Fuel != f.Fuel {
		return false
	}
	if f.Gearbox != "" && l.Gearbox != f.Gearbox {
		return false
	}
	if f.Body != "" && l.Body != f.Body {
		return false
	}
	if f.Region != "" && !normalize.RegionContains(f.Region, l.Region) {
		return false
	}
	if f.MinYear > 0 && l.Year < f.MinYear {
		return false
	}
	if f.MaxYear > 0 && (l.Year == 0 || l.Year > f.MaxYear) {
		return false
	}
	if f.MinPrice > 0 && l.PriceBGN.LessThan(decimal.NewFromInt(f.MinPrice)) {
		return false
	}
	if f.MaxPrice > 0 && (l.PriceBGN.IsZero() || l.PriceBGN.GreaterThan(decimal.NewFromInt(f.MaxPrice))) {
		return false
	}
	if f.MinMileage > 0 && l.MileageKM < f.MinMileage {
		return false
	}
	if f.MaxMileage > 0 && (l.MileageKM == 0 || l.MileageKM > f.MaxMileage) {
		return false
	}
	if f.MinPower > 0 && l.PowerHP < f.MinPower {
		return false
	}
	if f.MaxPower > 0 && (l.PowerHP == 0 || l.PowerHP > f.MaxPower) {
		return false
	}
	return true
}
