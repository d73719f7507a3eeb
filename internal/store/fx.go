package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// dayLayout keys fx_rates rows; rates are versioned daily.
const dayLayout = "2006-01-02"

// SetFXRate records the BGN rate for a currency effective on day.
func SetFXRate(q Querier, day time.Time, currency string, rateToBGN decimal.Decimal) error {
	_, err := q.Exec(`
		INSERT INTO fx_rates (day, currency, rate_to_bgn) VALUES (?, ?, ?)
		ON CONFLICT(day, currency) DO UPDATE SET rate_to_bgn = excluded.rate_to_bgn`,
		day.UTC().Format(dayLayout), currency, rateToBGN.String())
	if err != nil {
		return fmt.Errorf("set fx rate %s: %w", currency, err)
	}
	return nil
}

// FXRate returns the rate effective on day: the newest row with day <= the
// requested day, so a missed daily update falls back to the last known rate.
func FXRate(q Querier, day time.Time, currency string) (decimal.Decimal, error) {
	if currency == "BGN" || currency == "" {
		return decimal.NewFromInt(1), nil
	}
	var rate string
	err := q.QueryRow(`
		SELECT rate_to_bgn FROM fx_rates
		 WHERE currency = ? AND day <= ?
		 ORDER BY day DESC LIMIT 1`,
		currency, day.UTC().Format(dayLayout)).Scan(&rate)
	if err == sql.ErrNoRows {
		return decimal.Decimal{}, fmt.Errorf("fx rate %s on %s: %w", currency, day.Format(dayLayout), ErrNotFound)
	}
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fx rate %s: %w", currency, err)
	}
	return decimal.NewFromString(rate)
}

// SeedDefaultFXRates installs the fixed EUR peg and a USD default for today
// if no rates exist yet.
func SeedDefaultFXRates(q Querier, now time.Time) error {
	defaults := map[string]string{
		"EUR": "1.95583", // currency-board peg
		"USD": "1.80",
	}
	for cur, rate := range defaults {
		d, _ := decimal.NewFromString(rate)
		var n int
		q.QueryRow("SELECT COUNT(*) FROM fx_rates WHERE currency = ?", cur).Scan(&n)
		if n > 0 {
			continue
		}
		if err := SetFXRate(q, now, cur, d); err != nil {
			return err
		}
	}
	return nil
}
