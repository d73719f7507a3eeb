package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CompFilter describes one rung of the comparable relaxation ladder.
type CompFilter struct {
	YearSpread  int     // ± years
	MileagePct  float64 // ± fraction, 0 disables the mileage bound
	MatchFuel   bool
	MatchGear   bool
	LookbackDays int
	Limit       int
}

// Comparables returns price_bgn values for listings comparable to l under f:
// same brand/model, active, not duplicate, normalized, priced, seen within the
// lookback window, excluding l itself. Most recent first, capped at f.Limit.
func Comparables(q Querier, l *Listing, f CompFilter, now time.Time) ([]decimal.Decimal, error) {
	if l.BrandID == "" || l.ModelID == "" {
		return nil, nil
	}
	var (
		cond []string
		args []any
	)
	cond = append(cond, "c.brand_id = ?", "c.model_id = ?")
	args = append(args, l.BrandID, l.ModelID)
	cond = append(cond, "c.id != ?")
	args = append(args, l.ID.String())
	cond = append(cond, "c.is_duplicate = 0", "c.status = 'normalized'", "c.price_bgn IS NOT NULL", "r.is_active = 1")

	cutoff := now.AddDate(0, 0, -f.LookbackDays)
	cond = append(cond, "c.first_seen >= ?")
	args = append(args, FormatTime(cutoff))

	if f.YearSpread > 0 && l.Year > 0 {
		cond = append(cond, "c.year BETWEEN ? AND ?")
		args = append(args, l.Year-f.YearSpread, l.Year+f.YearSpread)
	}
	if f.MileagePct > 0 && l.MileageKM > 0 {
		lo := float64(l.MileageKM) * (1 - f.MileagePct)
		hi := float64(l.MileageKM) * (1 + f.MileagePct)
		cond = append(cond, "c.mileage_km BETWEEN ? AND ?")
		args = append(args, int64(lo), int64(hi))
	}
	if f.MatchFuel && l.Fuel != "" {
		cond = append(cond, "c.fuel = ?")
		args = append(args, l.Fuel)
	}
	if f.MatchGear && l.Gearbox != "" {
		cond = append(cond, "c.gearbox = ?")
		args = append(args, l.Gearbox)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	query := `
		SELECT c.price_bgn
		  FROM listings c
		  JOIN raw_listings r ON r.id = c.raw_id
		 WHERE ` + strings.Join(cond, " AND ") + `
		 ORDER BY c.first_seen DESC
		 LIMIT ?`
	args = append(args, limit)

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("select comparables: %w", err)
	}
	defer rows.Close()

	var out []decimal.Decimal
	for rows.Next() {
		var price string
		if err := rows.Scan(&price); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(price)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertCompCache persists the price estimate for a listing.
func UpsertCompCache(q Querier, c *CompCache) error {
	if c.ComputedAt.IsZero() {
		c.ComputedAt = time.Now().UTC()
	}
	var predicted sql.NullString
	if c.HasPrediction {
		predicted = sql.NullString{String: c.PredictedPrice.StringFixed(2), Valid: true}
	}
	_, err := q.Exec(`
		INSERT INTO comp_cache
		  (listing_id, p10, p25, p50, p75, p90, predicted_price, discount_pct,
		   sample_size, confidence, computed_at, model_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(listing_id) DO UPDATE SET
		  p10 = excluded.p10, p25 = excluded.p25, p50 = excluded.p50,
		  p75 = excluded.p75, p90 = excluded.p90,
		  predicted_price = excluded.predicted_price,
		  discount_pct = excluded.discount_pct, sample_size = excluded.sample_size,
		  confidence = excluded.confidence, computed_at = excluded.computed_at,
		  model_version = excluded.model_version`,
		c.ListingID.String(), nullDec(c.P10), nullDec(c.P25), nullDec(c.P50),
		nullDec(c.P75), nullDec(c.P90), predicted, c.DiscountPct,
		c.SampleSize, c.Confidence, FormatTime(c.ComputedAt), c.ModelVersion)
	if err != nil {
		return fmt.Errorf("upsert comp cache: %w", err)
	}
	return nil
}

// GetCompCache loads the cached estimate for a listing.
func GetCompCache(q Querier, listingID uuid.UUID) (*CompCache, error) {
	var (
		c                        CompCache
		idStr, computedAt        string
		p10, p25, p50, p75, p90  sql.NullString
		predicted                sql.NullString
	)
	err := q.QueryRow(`
		SELECT listing_id, p10, p25, p50, p75, p90, predicted_price, discount_pct,
		       sample_size, confidence, computed_at, model_version
		  FROM comp_cache WHERE listing_id = ?`, listingID.String()).
		Scan(&idStr, &p10, &p25, &p50, &p75, &p90, &predicted, &c.DiscountPct,
			&c.SampleSize, &c.Confidence, &computedAt, &c.ModelVersion)
	if err != nil {
		return nil, wrapNotFound("get comp cache", err)
	}
	c.ListingID, _ = uuid.Parse(idStr)
	c.P10, c.P25, c.P50, c.P75, c.P90 = decFrom(p10), decFrom(p25), decFrom(p50), decFrom(p75), decFrom(p90)
	if predicted.Valid {
		c.PredictedPrice = decFrom(predicted)
		c.HasPrediction = true
	}
	c.ComputedAt, _ = ParseTime(computedAt)
	return &c, nil
}

// AppendPriceHistory adds a price observation iff it differs from the last
// recorded price. Returns true when a row was appended.
func AppendPriceHistory(q Querier, listingID uuid.UUID, priceBGN decimal.Decimal, seenAt time.Time) (bool, error) {
	var last string
	err := q.QueryRow(`
		SELECT price_bgn FROM price_history
		 WHERE listing_id = ? ORDER BY seen_at DESC, id DESC LIMIT 1`,
		listingID.String()).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("read last price: %w", err)
	}
	if err == nil {
		prev, perr := decimal.NewFromString(last)
		if perr == nil && prev.Equal(priceBGN) {
			return false, nil
		}
	}
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}
	_, err = q.Exec(`
		INSERT INTO price_history (listing_id, price_bgn, seen_at) VALUES (?, ?, ?)`,
		listingID.String(), priceBGN.StringFixed(2), FormatTime(seenAt))
	if err != nil {
		return false, fmt.Errorf("append price history: %w", err)
	}
	return true, nil
}

// PriceHistory returns the append-only price series, oldest first.
func PriceHistory(q Querier, listingID uuid.UUID) ([]PricePoint, error) {
	rows, err := q.Query(`
		SELECT price_bgn, seen_at FROM price_history
		 WHERE listing_id = ? ORDER BY seen_at, id`, listingID.String())
	if err != nil {
		return nil, fmt.Errorf("price history: %w", err)
	}
	defer rows.Close()

	var out []PricePoint
	for rows.Next() {
		var (
			p      PricePoint
			price  string
			seenAt string
		)
		if err := rows.Scan(&price, &seenAt); err != nil {
			return nil, err
		}
		p.ListingID = listingID
		p.PriceBGN, _ = decimal.NewFromString(price)
		p.SeenAt, _ = ParseTime(seenAt)
		out = append(out, p)
	}
	return out, rows.Err()
}
