// Package score turns the price estimate and risk verdict into the 1-10
// deal score and the approval decision that gates publication.
package score

import (
	"fmt"
	"time"

	"carscout/internal/risk"
	"carscout/internal/store"
)

// Thresholds is the approval gate configuration.
type Thresholds struct {
	Score      float64
	Sample     int
	Confidence float64
}

// DefaultThresholds matches the production gate.
func DefaultThresholds() Thresholds {
	return Thresholds{Score: 7.5, Sample: 30, Confidence: 0.6}
}

// Compute scores a listing and applies the approval gate. Every component
// and every decisive threshold lands in Reasons so a verdict can be
// explained later without recomputing.
func Compute(l *store.Listing, cache *store.CompCache, ev *store.RiskEvaluation, thr Thresholds, now time.Time) *store.Score {
	sc := &store.Score{ListingID: l.ID, ScoredAt: now.UTC()}

	sc.PriceScore = priceScore(cache)
	sc.RiskPenalty = riskPenalty(ev)
	sc.Freshness = freshness(l.FirstSeen, now)
	sc.Liquidity = liquidity(cache.SampleSize)

	raw := 1 + sc.PriceScore + sc.RiskPenalty + sc.Freshness + sc.Liquidity
	sc.Score = clamp(raw, 1, 10)

	sc.Reasons = append(sc.Reasons,
		fmt.Sprintf("price_score=%.2f (discount %.1f%%, confidence %.2f)",
			sc.PriceScore, cache.DiscountPct, cache.Confidence),
		fmt.Sprintf("risk_penalty=%.1f (%s)", sc.RiskPenalty, ev.RiskLevel),
		fmt.Sprintf("freshness=%.2f", sc.Freshness),
		fmt.Sprintf("liquidity=%.2f (sample %d)", sc.Liquidity, cache.SampleSize),
	)

	// Every failed gate is recorded, not just the first.
	var failures []string
	if sc.Score < thr.Score {
		failures = append(failures, fmt.Sprintf("rejected: score %.2f < %.1f", sc.Score, thr.Score))
	}
	if cache.SampleSize < thr.Sample {
		failures = append(failures, fmt.Sprintf("rejected: sample %d < %d", cache.SampleSize, thr.Sample))
	}
	if cache.Confidence < thr.Confidence {
		failures = append(failures, fmt.Sprintf("rejected: confidence %.2f < %.2f", cache.Confidence, thr.Confidence))
	}
	if ev.RiskLevel == store.RiskRed {
		failures = append(failures, "rejected: risk level red")
	}
	if len(failures) > 0 {
		sc.State = store.StateRejected
		sc.Reasons = append(sc.Reasons, failures...)
	} else {
		sc.State = store.StateApproved
		sc.Reasons = append(sc.Reasons, "approved: all gates passed")
	}
	return sc
}

// priceScore maps discount to [0,5], scaled by estimate confidence. No
// prediction means no price signal at all.
func priceScore(cache *store.CompCache) float64 {
	if !cache.HasPrediction {
		return 0
	}
	discount := cache.DiscountPct / 100
	var base float64
	switch {
	case discount <= 0:
		base = 0
	case discount >= 0.25:
		base = 5
	default:
		base = discount / 0.25 * 5
	}
	return base * cache.Confidence
}

// riskPenalty is 0 / -2 / -4 by level, one point worse when a hard accident
// flag was raised.
func riskPenalty(ev *store.RiskEvaluation) float64 {
	var p float64
	switch ev.RiskLevel {
	case store.RiskYellow:
		p = -2
	case store.RiskRed:
		p = -4
	}
	if len(ev.Flags[risk.CatAccident]) > 0 {
		p--
	}
	return p
}

// freshness is 0.5 within the first hour, decaying linearly to 0 at 24h.
func freshness(firstSeen, now time.Time) float64 {
	if firstSeen.IsZero() {
		return 0
	}
	age := now.Sub(firstSeen)
	if age <= time.Hour {
		return 0.5
	}
	if age >= 24*time.Hour {
		return 0
	}
	frac := float64(age-time.Hour) / float64(23*time.Hour)
	return 0.5 * (1 - frac)
}

// liquidity proxies how tradable the model is from the comparables sample.
func liquidity(sample int) float64 {
	v := float64(sample) / 60
	if v > 1 {
		return 1
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
