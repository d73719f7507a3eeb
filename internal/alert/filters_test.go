package alert

import (
	"testing"

	"github.com/shopspring/decimal"

	"carscout/internal/normalize"
	"carscout/internal/store"
)

func testMatcher() *normalize.Matcher {
	return normalize.NewMatcher([]store.BrandModel{
		{BrandID: "bmw", ModelID: "320", Aliases: []string{"бмв 320"}, Active: true},
		{BrandID: "bmw", ModelID: "530", Active: true},
		{BrandID: "audi", ModelID: "a4", Active: true},
	})
}

func TestParseQuery(t *testing.T) {
	m := testMatcher()
	tests := []struct {
		name     string
		query    string
		want     Filters
		warnings int
	}{
		{
			name:  "full query",
			query: "BMW 320 Diesel automatic <15000 2015+ <150000км >150кс sofia",
			want: Filters{
				BrandID: "bmw", ModelID: "320",
				Fuel: store.FuelDiesel, Gearbox: store.GearboxAuto,
				Region: "sofia", MinYear: 2015,
				MaxPrice: 15000, MaxMileage: 150000, MinPower: 150,
			},
		},
		{
			name:  "cyrillic enums",
			query: "дизел ръчна хечбек софия",
			want: Filters{
				Fuel: store.FuelDiesel, Gearbox: store.GearboxManual,
				Body: store.BodyHatchback, Region: "sofia",
			},
		},
		{
			name:  "cyrillic brand alias",
			query: "бмв 320",
			want:  Filters{BrandID: "bmw", ModelID: "320"},
		},
		{
			name:  "brand only with price band and year span",
			query: "audi >=5000 <=9000 2010-2014",
			want: Filters{
				BrandID: "audi", MinPrice: 5000, MaxPrice: 9000,
				MinYear: 2010, MaxYear: 2014,
			},
		},
		{
			name:  "reversed year span is reordered",
			query: "2014-2010",
			want:  Filters{MinYear: 2010, MaxYear: 2014},
		},
		{
			name:  "two word region",
			query: "стара загора бензин",
			want:  Filters{Region: "stara_zagora", Fuel: store.FuelPetrol},
		},
		{
			name:  "mileage and power units in latin",
			query: ">50000km <120hp",
			want:  Filters{MinMileage: 50000, MaxPower: 120},
		},
		{
			name:     "unknown tokens become warnings",
			query:    "bmw 530 teslaz xyz",
			want:     Filters{BrandID: "bmw", ModelID: "530"},
			warnings: 2,
		},
		{
			name:     "unknown unit becomes warning",
			query:    "<15000лв",
			warnings: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, warnings := ParseQuery(m, tt.query)
			if got != tt.want {
				t.Errorf("filters = %+v, want %+v", got, tt.want)
			}
			if len(warnings) != tt.warnings {
				t.Errorf("warnings = %v, want %d", warnings, tt.warnings)
			}
		})
	}
}

// Parsing the canonical rendering must yield the same filters.
func TestCanonicalIsParseFixedPoint(t *testing.T) {
	m := testMatcher()
	queries := []string{
		"BMW 320 Diesel automatic <15000 2015+ <150000км >150кс sofia",
		"дизел ръчна хечбек софия",
		"audi >=5000 <=9000 2010-2014",
		"стара загора бензин",
		">50000km <120hp",
		"bmw",
	}
	for _, q := range queries {
		f1, _ := ParseQuery(m, q)
		f2, warnings := ParseQuery(m, f1.Canonical())
		if f2 != f1 {
			t.Errorf("parse(%q) = %+v, reparse of %q = %+v", q, f1, f1.Canonical(), f2)
		}
		if len(warnings) != 0 {
			t.Errorf("canonical %q reparsed with warnings %v", f1.Canonical(), warnings)
		}
	}
}

func TestFiltersMatch(t *testing.T) {
	l := &store.Listing{
		BrandID: "bmw", ModelID: "320",
		Year: 2016, MileageKM: 120000, PowerHP: 190,
		Fuel: store.FuelDiesel, Gearbox: store.GearboxManual, Body: store.BodySedan,
		Region: "sofia", PriceBGN: decimal.NewFromInt(12000),
	}
	tests := []struct {
		name string
		f    Filters
		want bool
	}{
		{"empty filters match everything", Filters{}, true},
		{"all fields hold", Filters{
			BrandID: "bmw", ModelID: "320", Fuel: store.FuelDiesel,
			Region: "sofia", MinYear: 2014, MaxYear: 2018,
			MinPrice: 10000, MaxPrice: 15000, MaxMileage: 150000, MinPower: 150,
		}, true},
		{"wrong brand", Filters{BrandID: "audi"}, false},
		{"wrong model", Filters{BrandID: "bmw", ModelID: "530"}, false},
		{"price above cap", Filters{MaxPrice: 10000}, false},
		{"price below floor", Filters{MinPrice: 13000}, false},
		{"too old", Filters{MinYear: 2017}, false},
		{"too new", Filters{MaxYear: 2015}, false},
		{"other region", Filters{Region: "plovdiv"}, false},
		{"mileage above cap", Filters{MaxMileage: 100000}, false},
		{"power below floor", Filters{MinPower: 200}, false},
		{"wrong fuel", Filters{Fuel: store.FuelPetrol}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Match(l); got != tt.want {
				t.Errorf("match = %v, want %v", got, tt.want)
			}
		})
	}
}

// A listing with no price or mileage cannot satisfy an upper bound; absence of
// data must not read as "cheap enough".
func TestFiltersMatchMissingListingData(t *testing.T) {
	l := &store.Listing{BrandID: "bmw", ModelID: "320"}
	if (Filters{MaxPrice: 15000}).Match(l) {
		t.Error("priceless listing matched a price cap")
	}
	if (Filters{MaxMileage: 100000}).Match(l) {
		t.Error("listing without mileage matched a mileage cap")
	}
	if (Filters{MaxYear: 2018}).Match(l) {
		t.Error("listing without year matched a year cap")
	}
}

func TestFiltersJSONRoundTrip(t *testing.T) {
	f := Filters{BrandID: "bmw", ModelID: "320", MaxPrice: 15000, MinYear: 2015}
	s, err := f.JSON()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeFilters(s)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != f {
		t.Fatalf("round trip = %+v, want %+v", got, f)
	}
}
