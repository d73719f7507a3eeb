package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertRiskEvaluation persists the merged rule + LLM verdict.
func UpsertRiskEvaluation(q Querier, ev *RiskEvaluation) error {
	if ev.EvaluatedAt.IsZero() {
		ev.EvaluatedAt = time.Now().UTC()
	}
	flags, _ := json.Marshal(ev.Flags)
	reasons, _ := json.Marshal(ev.LLMReasons)
	var llmConf sql.NullFloat64
	if ev.LLMUsed {
		llmConf = sql.NullFloat64{Float64: ev.LLMConfidence, Valid: true}
	}
	_, err := q.Exec(`
		INSERT INTO risk_evaluations
		  (listing_id, flags, risk_level, rule_confidence, llm_summary,
		   llm_reasons, llm_confidence, llm_unavailable, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(listing_id) DO UPDATE SET
		  flags = excluded.flags, risk_level = excluded.risk_level,
		  rule_confidence = excluded.rule_confidence,
		  llm_summary = excluded.llm_summary, llm_reasons = excluded.llm_reasons,
		  llm_confidence = excluded.llm_confidence,
		  llm_unavailable = excluded.llm_unavailable,
		  evaluated_at = excluded.evaluated_at`,
		ev.ListingID.String(), string(flags), ev.RiskLevel, ev.RuleConfidence,
		nullStr(ev.LLMSummary), string(reasons), llmConf, ev.LLMUnavailable,
		FormatTime(ev.EvaluatedAt))
	if err != nil {
		return fmt.Errorf("upsert risk evaluation: %w", err)
	}
	return nil
}

// GetRiskEvaluation loads the verdict for a listing.
func GetRiskEvaluation(q Querier, listingID uuid.UUID) (*RiskEvaluation, error) {
	var (
		ev             RiskEvaluation
		idStr          string
		flags, reasons string
		summary        sql.NullString
		llmConf        sql.NullFloat64
		evaluatedAt    string
	)
	err := q.QueryRow(`
		SELECT listing_id, flags, risk_level, rule_confidence, llm_summary,
		       llm_reasons, llm_confidence, llm_unavailable, evaluated_at
		  FROM risk_evaluations WHERE listing_id = ?`, listingID.String()).
		Scan(&idStr, &flags, &ev.RiskLevel, &ev.RuleConfidence, &summary,
			&reasons, &llmConf, &ev.LLMUnavailable, &evaluatedAt)
	if err != nil {
		return nil, wrapNotFound("get risk evaluation", err)
	}
	ev.ListingID, _ = uuid.Parse(idStr)
	json.Unmarshal([]byte(flags), &ev.Flags)
	json.Unmarshal([]byte(reasons), &ev.LLMReasons)
	ev.LLMSummary = summary.String
	if llmConf.Valid {
		ev.LLMConfidence = llmConf.Float64
		ev.LLMUsed = true
	}
	ev.EvaluatedAt, _ = ParseTime(evaluatedAt)
	return &ev, nil
}

// GetLLMCache returns a cached LLM response for (description hash, prompt
// version), or ErrNotFound.
func GetLLMCache(q Querier, descriptionHash, promptVersion string) ([]byte, error) {
	var resp string
	err := q.QueryRow(`
		SELECT response FROM llm_cache
		 WHERE description_hash = ? AND prompt_version = ?`,
		descriptionHash, promptVersion).Scan(&resp)
	if err != nil {
		return nil, wrapNotFound("get llm cache", err)
	}
	return []byte(resp), nil
}

// PutLLMCache stores an LLM response; the first write wins.
func PutLLMCache(q Querier, descriptionHash, promptVersion string, response []byte) error {
	_, err := q.Exec(`
		INSERT OR IGNORE INTO llm_cache (description_hash, prompt_version, response, created_at)
		VALUES (?, ?, ?, ?)`,
		descriptionHash, promptVersion, string(response), FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("put llm cache: %w", err)
	}
	return nil
}
