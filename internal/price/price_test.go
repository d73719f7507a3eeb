package price

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carscout/internal/store"
)

func decs(vals ...int64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.NewFromInt(v)
	}
	return out
}

func TestSummarizePercentiles(t *testing.T) {
	// 10000..19000 uniform, ten values.
	comps := decs(10000, 11000, 12000, 13000, 14000, 15000, 16000, 17000, 18000, 19000)
	c := Summarize(uuid.New(), decimal.NewFromInt(12000), comps)

	if !c.HasPrediction {
		t.Fatal("prediction expected")
	}
	if want := decimal.NewFromInt(14500); !c.P50.Equal(want) {
		t.Fatalf("p50 = %s, want %s", c.P50, want)
	}
	if !c.PredictedPrice.Equal(c.P50) {
		t.Fatalf("predicted = %s, want p50 %s", c.PredictedPrice, c.P50)
	}
	if c.P10.GreaterThanOrEqual(c.P50) || c.P50.GreaterThanOrEqual(c.P90) {
		t.Fatalf("percentiles out of order: %s %s %s", c.P10, c.P50, c.P90)
	}
	// discount = (14500 - 12000) / 14500 = 17.24%
	if math.Abs(c.DiscountPct-17.24) > 0.1 {
		t.Fatalf("discount = %v", c.DiscountPct)
	}
	if c.SampleSize != 10 {
		t.Fatalf("sample = %d", c.SampleSize)
	}
}

func TestSummarizeConfidence(t *testing.T) {
	// Tight sample of 30: confidence close to 1.
	tight := make([]decimal.Decimal, 30)
	for i := range tight {
		tight[i] = decimal.NewFromInt(10000 + int64(i%3)*50)
	}
	c := Summarize(uuid.New(), decimal.Decimal{}, tight)
	if c.Confidence < 0.9 {
		t.Fatalf("tight confidence = %v, want ~1", c.Confidence)
	}

	// Small sample scales confidence by n/30.
	small := decs(10000, 10000, 10000, 10000, 10000, 10000)
	c = Summarize(uuid.New(), decimal.Decimal{}, small)
	if want := 6.0 / 30.0; math.Abs(c.Confidence-want) > 0.01 {
		t.Fatalf("small-sample confidence = %v, want %v", c.Confidence, want)
	}

	// Wildly dispersed sample: cv drives confidence toward 0.
	wild := decs(1000, 2000, 40000, 500, 90000, 3000, 70000, 800, 60000, 1500,
		45000, 700, 80000, 2500, 55000, 900, 65000, 1200, 75000, 1800,
		50000, 600, 85000, 2200, 58000, 1100, 68000, 1400, 72000, 1600)
	c = Summarize(uuid.New(), decimal.Decimal{}, wild)
	if c.Confidence > 0.3 {
		t.Fatalf("dispersed confidence = %v, want low", c.Confidence)
	}
}

func TestSummarizeTinySample(t *testing.T) {
	c := Summarize(uuid.New(), decimal.NewFromInt(5000), decs(4000, 4500, 5000, 5500))
	if c.HasPrediction {
		t.Fatal("under 5 comps must not predict")
	}
	if c.Confidence != 0 {
		t.Fatalf("confidence = %v, want 0", c.Confidence)
	}
	if c.SampleSize != 4 {
		t.Fatalf("sample = %d", c.SampleSize)
	}
}

type compFixture struct {
	s   *store.Store
	src uuid.UUID
	seq int
}

func newCompFixture(t *testing.T) *compFixture {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	src := &store.Source{Name: "mobile_bg", BaseURL: "https://mobile.bg", Enabled: true}
	if err := store.InsertSource(s.SqlDB(), src); err != nil {
		t.Fatalf("insert source: %v", err)
	}
	return &compFixture{s: s, src: src.ID}
}

type comp struct {
	price   int64
	year    int
	mileage int64
	fuel    string
	gearbox string
}

func (f *compFixture) add(t *testing.T, c comp) *store.Listing {
	t.Helper()
	f.seq++
	seen := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(f.seq) * time.Minute)
	rawID, _, err := store.UpsertRawListing(f.s.SqlDB(), store.RawObservation{
		SourceID: f.src, SiteAdID: fmt.Sprintf("ad-%d", f.seq),
		URL: "https://x", ContentHash: fmt.Sprintf("h%d", f.seq), ObservedAt: seen,
	})
	if err != nil {
		t.Fatalf("raw: %v", err)
	}
	l := &store.Listing{RawID: rawID, Title: fmt.Sprintf("car %d", f.seq), FirstSeen: seen}
	if err := store.UpsertListingDraft(f.s.SqlDB(), l); err != nil {
		t.Fatalf("draft: %v", err)
	}
	l.BrandID, l.ModelID = "bmw", "320"
	l.Year = c.year
	l.MileageKM = c.mileage
	l.Fuel = c.fuel
	l.Gearbox = c.gearbox
	l.PriceBGN = decimal.NewFromInt(c.price)
	l.Status = store.ListingNormalized
	l.NormalizedAt = seen
	if err := store.UpdateListingNormalized(f.s.SqlDB(), l); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return l
}

func TestEstimateRelaxesLadder(t *testing.T) {
	f := newCompFixture(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e := New(zap.NewNop()).WithClock(func() time.Time { return now })

	// Ten strict-rung comps only: estimator should still produce a
	// prediction from the final, relaxed sample.
	for i := 0; i < 10; i++ {
		f.add(t, comp{price: 10000 + int64(i)*100, year: 2018, mileage: 150000, fuel: "diesel", gearbox: "manual"})
	}
	// Twenty-five more with a different gearbox, strict rung misses them.
	for i := 0; i < 25; i++ {
		f.add(t, comp{price: 11000 + int64(i)*100, year: 2018, mileage: 150000, fuel: "diesel", gearbox: "automatic"})
	}

	target := f.add(t, comp{price: 9000, year: 2018, mileage: 150000, fuel: "diesel", gearbox: "manual"})
	cache, err := e.Estimate(f.s.SqlDB(), target)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if !cache.HasPrediction {
		t.Fatal("prediction expected after relaxation")
	}
	if cache.SampleSize < 30 {
		t.Fatalf("sample = %d, want >= 30 after dropping gearbox", cache.SampleSize)
	}

	stored, err := store.GetCompCache(f.s.SqlDB(), target.ID)
	if err != nil {
		t.Fatalf("comp cache not persisted: %v", err)
	}
	if stored.SampleSize != cache.SampleSize {
		t.Fatalf("stored sample = %d, want %d", stored.SampleSize, cache.SampleSize)
	}
}

func TestEstimateNoComparables(t *testing.T) {
	f := newCompFixture(t)
	e := New(zap.NewNop())
	target := f.add(t, comp{price: 9000, year: 2018, mileage: 150000, fuel: "diesel", gearbox: "manual"})

	cache, err := e.Estimate(f.s.SqlDB(), target)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if cache.HasPrediction || cache.Confidence != 0 {
		t.Fatalf("cache = %+v, want no prediction", cache)
	}
}

func TestEstimateAppendsPriceHistoryOnce(t *testing.T) {
	f := newCompFixture(t)
	e := New(zap.NewNop())
	target := f.add(t, comp{price: 9000, year: 2018, mileage: 150000, fuel: "diesel", gearbox: "manual"})

	if _, err := e.Estimate(f.s.SqlDB(), target); err != nil {
		t.Fatalf("estimate 1: %v", err)
	}
	if _, err := e.Estimate(f.s.SqlDB(), target); err != nil {
		t.Fatalf("estimate 2: %v", err)
	}
	hist, err := store.PriceHistory(f.s.SqlDB(), target.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("history rows = %d, want 1 (unchanged price)", len(hist))
	}
}
