package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertScore persists the scoring verdict and its components.
func UpsertScore(q Querier, sc *Score) error {
	if sc.ScoredAt.IsZero() {
		sc.ScoredAt = time.Now().UTC()
	}
	reasons, _ := json.Marshal(sc.Reasons)
	_, err := q.Exec(`
		INSERT INTO scores
		  (listing_id, score, price_score, risk_penalty, freshness, liquidity,
		   reasons, state, scored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(listing_id) DO UPDATE SET
		  score = excluded.score, price_score = excluded.price_score,
		  risk_penalty = excluded.risk_penalty, freshness = excluded.freshness,
		  liquidity = excluded.liquidity, reasons = excluded.reasons,
		  state = excluded.state, scored_at = excluded.scored_at`,
		sc.ListingID.String(), sc.Score, sc.PriceScore, sc.RiskPenalty,
		sc.Freshness, sc.Liquidity, string(reasons), sc.State, FormatTime(sc.ScoredAt))
	if err != nil {
		return fmt.Errorf("upsert score: %w", err)
	}
	return nil
}

// GetScore loads the score for a listing.
func GetScore(q Querier, listingID uuid.UUID) (*Score, error) {
	var (
		sc       Score
		idStr    string
		reasons  string
		scoredAt string
	)
	err := q.QueryRow(`
		SELECT listing_id, score, price_score, risk_penalty, freshness,
		       liquidity, reasons, state, scored_at
		  FROM scores WHERE listing_id = ?`, listingID.String()).
		Scan(&idStr, &sc.Score, &sc.PriceScore, &sc.RiskPenalty, &sc.Freshness,
			&sc.Liquidity, &reasons, &sc.State, &scoredAt)
	if err != nil {
		return nil, wrapNotFound("get score", err)
	}
	sc.ListingID, _ = uuid.Parse(idStr)
	json.Unmarshal([]byte(reasons), &sc.Reasons)
	sc.ScoredAt, _ = ParseTime(scoredAt)
	return &sc, nil
}
