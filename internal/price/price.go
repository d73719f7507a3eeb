// Package price estimates a fair market price for a listing from comparable
// listings, relaxing the selection filters stepwise until the sample is big
// enough to trust.
package price

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carscout/internal/store"
)

const (
	// targetSample is the sample size that stops the relaxation ladder and
	// feeds the confidence formula.
	targetSample = 30
	// minSample below which no prediction is issued at all.
	minSample = 5
	// maxComparables caps the selected set at the most recent rows.
	maxComparables = 200
	lookbackDays   = 180

	modelVersion = "comps-v1"
)

// ladder is the relaxation sequence. The first rung reaching targetSample
// wins; otherwise the last rung's sample is used as-is.
var ladder = []store.CompFilter{
	{YearSpread: 2, MileagePct: 0.30, MatchFuel: true, MatchGear: true, LookbackDays: lookbackDays, Limit: maxComparables},
	{YearSpread: 2, MileagePct: 0.50, MatchFuel: true, MatchGear: true, LookbackDays: lookbackDays, Limit: maxComparables},
	{YearSpread: 2, MileagePct: 0.50, MatchFuel: true, MatchGear: false, LookbackDays: lookbackDays, Limit: maxComparables},
	{YearSpread: 2, MileagePct: 0.50, MatchFuel: false, MatchGear: false, LookbackDays: lookbackDays, Limit: maxComparables},
	{YearSpread: 4, MileagePct: 0.50, MatchFuel: false, MatchGear: false, LookbackDays: lookbackDays, Limit: maxComparables},
}

// Estimator computes and persists price estimates.
type Estimator struct {
	log *zap.Logger
	now func() time.Time
}

// New builds an Estimator.
func New(log *zap.Logger) *Estimator {
	return &Estimator{log: log, now: time.Now}
}

// WithClock overrides the time source. Tests only.
func (e *Estimator) WithClock(now func() time.Time) *Estimator {
	e.now = now
	return e
}

// Estimate selects comparables for l, computes the percentile summary, and
// persists the CompCache plus a PriceHistory point. The returned cache row
// carries HasPrediction=false when the sample stayed under the minimum.
func (e *Estimator) Estimate(q store.Querier, l *store.Listing) (*store.CompCache, error) {
	now := e.now().UTC()

	var comps []decimal.Decimal
	for _, f := range ladder {
		var err error
		comps, err = store.Comparables(q, l, f, now)
		if err != nil {
			return nil, err
		}
		if len(comps) >= targetSample {
			break
		}
	}

	cache := Summarize(l.ID, l.PriceBGN, comps)
	cache.ComputedAt = now
	cache.ModelVersion = modelVersion

	if err := store.UpsertCompCache(q, cache); err != nil {
		return nil, err
	}
	if !l.PriceBGN.IsZero() {
		if _, err := store.AppendPriceHistory(q, l.ID, l.PriceBGN, now); err != nil {
			return nil, err
		}
	}
	if !cache.HasPrediction {
		e.log.Debug("sample too small for prediction",
			zap.String("listing", l.ID.String()), zap.Int("sample", cache.SampleSize))
	}
	return cache, nil
}

// Summarize computes the empirical percentile summary over the comparable
// prices. Fewer than minSample comparables yield confidence 0 and no
// prediction.
func Summarize(listingID uuid.UUID, askBGN decimal.Decimal, comps []decimal.Decimal) *store.CompCache {
	c := &store.CompCache{ListingID: listingID, SampleSize: len(comps)}
	if len(comps) < minSample {
		return c
	}

	sorted := make([]decimal.Decimal, len(comps))
	copy(sorted, comps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	c.P10 = percentile(sorted, 0.10)
	c.P25 = percentile(sorted, 0.25)
	c.P50 = percentile(sorted, 0.50)
	c.P75 = percentile(sorted, 0.75)
	c.P90 = percentile(sorted, 0.90)
	c.PredictedPrice = c.P50
	c.HasPrediction = true

	if !askBGN.IsZero() && !c.PredictedPrice.IsZero() {
		disc := c.PredictedPrice.Sub(askBGN).Div(c.PredictedPrice)
		c.DiscountPct, _ = disc.Mul(decimal.NewFromInt(100)).Float64()
	}

	mean, sd := meanStddev(sorted)
	cv := 0.0
	if mean > 0 {
		cv = sd / mean
	}
	c.Confidence = clamp01(math.Min(1, float64(len(comps))/targetSample) * math.Max(0, 1-cv))
	return c
}

// percentile is the nearest-rank empirical percentile with linear
// interpolation between adjacent order statistics.
func percentile(sorted []decimal.Decimal, p float64) decimal.Decimal {
	if len(sorted) == 0 {
		return decimal.Decimal{}
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := decimal.NewFromFloat(rank - float64(lo))
	return sorted[lo].Add(sorted[hi].Sub(sorted[lo]).Mul(frac)).Round(2)
}

func meanStddev(vals []decimal.Decimal) (mean, sd float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	var sum float64
	fs := make([]float64, len(vals))
	for i, v := range vals {
		fs[i], _ = v.Float64()
		sum += fs[i]
	}
	mean = sum / float64(len(fs))
	var ss float64
	for _, f := range fs {
		d := f - mean
		ss += d * d
	}
	sd = math.Sqrt(ss / float64(len(fs)))
	return mean, sd
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
