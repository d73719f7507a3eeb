// Package risk decides how trustworthy a listing looks: a keyword rule stage
// over title + description, escalating uncertain cases to an LLM whose
// responses are cached by description hash.
package risk

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carscout/internal/store"
)

// Assessment is the structured LLM reply.
type Assessment struct {
	RiskLevel  string   `json:"risk_level"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
	Summary    string   `json:"summary"`
	BuyerNotes string   `json:"buyer_notes"`
}

// EvalInput is what the LLM sees about a listing.
type EvalInput struct {
	Title         string
	Description   string
	PriceBGN      decimal.Decimal
	PredictedBGN  decimal.Decimal
	DiscountPct   float64
	RedFlags      int
	PositiveFlags int
}

// Evaluator is the external chat-completion collaborator. Optional: a nil
// Evaluator means rule verdicts stand alone.
type Evaluator interface {
	Evaluate(ctx context.Context, in EvalInput) (*Assessment, error)
}

// RuleResult is the outcome of the keyword stage.
type RuleResult struct {
	Flags      map[string][]string
	Positive   map[string][]string
	RiskLevel  string
	Confidence float64
	NeedsLLM   bool
}

// Classify runs the keyword rules over title + description.
//
// Decision table: any accident or salvage keyword is red and final; three or
// more distinct soft categories are yellow; no flags at all is green; one or
// two soft categories are an uncertain yellow that escalates.
func Classify(title, description string) RuleResult {
	text := strings.ToLower(title + "\n" + description)

	flags := make(map[string][]string)
	for cat, kws := range redFlagKeywords {
		for _, kw := range kws {
			if strings.Contains(text, kw) {
				flags[cat] = append(flags[cat], kw)
			}
		}
	}
	positive := make(map[string][]string)
	for cat, kws := range positiveKeywords {
		for _, kw := range kws {
			if strings.Contains(text, kw) {
				positive[cat] = append(positive[cat], kw)
			}
		}
	}

	res := RuleResult{Flags: flags, Positive: positive}

	hard := 0
	soft := 0
	for cat := range flags {
		if hardCategories[cat] {
			hard++
		} else {
			soft++
		}
	}

	switch {
	case hard > 0:
		res.RiskLevel = store.RiskRed
		res.Confidence = 0.8 + 0.05*float64(hard+soft-1)
		if res.Confidence > 0.95 {
			res.Confidence = 0.95
		}
	case soft >= 3:
		res.RiskLevel = store.RiskYellow
		res.Confidence = 0.6
		res.NeedsLLM = true
	case soft == 0 && len(positive) >= 2:
		res.RiskLevel = store.RiskGreen
		res.Confidence = 0.75
	case soft == 0:
		res.RiskLevel = store.RiskGreen
		res.Confidence = 0.7
	default:
		res.RiskLevel = store.RiskYellow
		res.Confidence = 0.5
		res.NeedsLLM = true
	}
	return res
}

// Engine merges rule verdicts with cached LLM assessments.
type Engine struct {
	log           *zap.Logger
	evaluator     Evaluator
	promptVersion string
	timeout       time.Duration
}

// NewEngine builds the risk engine. evaluator may be nil.
func NewEngine(log *zap.Logger, evaluator Evaluator, promptVersion string, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Engine{log: log, evaluator: evaluator, promptVersion: promptVersion, timeout: timeout}
}

// Evaluate produces the merged verdict for a listing. The LLM runs only for
// uncertain rule outcomes and its level wins only when it is more confident
// than the rules. LLM failures never fail the evaluation: the rule verdict
// stands with llm_unavailable set.
func (e *Engine) Evaluate(ctx context.Context, q store.Querier, l *store.Listing, predicted decimal.Decimal, discountPct float64) (*store.RiskEvaluation, error) {
	rule := Classify(l.Title, l.Description)

	ev := &store.RiskEvaluation{
		ListingID:      l.ID,
		Flags:          mergedFlags(rule),
		RiskLevel:      rule.RiskLevel,
		RuleConfidence: rule.Confidence,
	}

	if !rule.NeedsLLM || e.evaluator == nil {
		return ev, nil
	}

	assessment, cached, err := e.assess(ctx, q, l, rule, predicted, discountPct)
	if err != nil {
		e.log.Warn("llm evaluation unavailable",
			zap.String("listing", l.ID.String()), zap.Error(err))
		ev.LLMUnavailable = true
		return ev, nil
	}

	ev.LLMUsed = true
	ev.LLMConfidence = assessment.Confidence
	ev.LLMSummary = assessment.Summary
	ev.LLMReasons = assessment.Reasons
	if assessment.Confidence > rule.Confidence {
		ev.RiskLevel = assessment.RiskLevel
	}
	if !cached {
		e.log.Info("llm evaluation",
			zap.String("listing", l.ID.String()),
			zap.String("level", assessment.RiskLevel),
			zap.Float64("confidence", assessment.Confidence))
	}
	return ev, nil
}

// assess consults the llm_cache first; a miss calls the evaluator under the
// stage's LLM deadline and caches the validated reply.
func (e *Engine) assess(ctx context.Context, q store.Querier, l *store.Listing, rule RuleResult, predicted decimal.Decimal, discountPct float64) (*Assessment, bool, error) {
	if raw, err := store.GetLLMCache(q, l.DescriptionHash, e.promptVersion); err == nil {
		var a Assessment
		if err := json.Unmarshal(raw, &a); err == nil && validAssessment(&a) {
			return &a, true, nil
		}
		// Corrupt cache entry: fall through and re-evaluate.
	}

	lctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	a, err := e.evaluator.Evaluate(lctx, EvalInput{
		Title:         l.Title,
		Description:   l.Description,
		PriceBGN:      l.PriceBGN,
		PredictedBGN:  predicted,
		DiscountPct:   discountPct,
		RedFlags:      countFlags(rule.Flags),
		PositiveFlags: countFlags(rule.Positive),
	})
	if err != nil {
		return nil, false, err
	}
	if !validAssessment(a) {
		return nil, false, errInvalidAssessment
	}

	if raw, err := json.Marshal(a); err == nil {
		if err := store.PutLLMCache(q, l.DescriptionHash, e.promptVersion, raw); err != nil {
			e.log.Warn("llm cache write failed", zap.Error(err))
		}
	}
	return a, false, nil
}

var errInvalidAssessment = invalidAssessmentError{}

type invalidAssessmentError struct{}

func (invalidAssessmentError) Error() string { return "llm reply violates schema" }

func validAssessment(a *Assessment) bool {
	switch a.RiskLevel {
	case store.RiskGreen, store.RiskYellow, store.RiskRed:
	default:
		return false
	}
	return a.Confidence >= 0 && a.Confidence <= 1
}

// mergedFlags folds positive categories into the flag map with a prefix so
// one JSON column carries the whole picture.
func mergedFlags(rule RuleResult) map[string][]string {
	out := make(map[string][]string, len(rule.Flags)+len(rule.Positive))
	for cat, kws := range rule.Flags {
		out[cat] = sortedCopy(kws)
	}
	for cat, kws := range rule.Positive {
		out["positive:"+cat] = sortedCopy(kws)
	}
	return out
}

func sortedCopy(s []string) []string {
	cp := append([]string(nil), s...)
	sort.Strings(cp)
	return cp
}

func countFlags(m map[string][]string) int {
	n := 0
	for _, kws := range m {
		n += len(kws)
	}
	return n
}
