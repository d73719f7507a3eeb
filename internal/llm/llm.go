// Package llm adapts the Anthropic messages API to the risk evaluator
// contract. The prompt frames the Bulgarian used-car market and demands a
// JSON-only reply; anything that does not decode into the schema is an error
// the risk engine treats as llm-unavailable.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"carscout/internal/risk"
	"carscout/internal/store"
)

const systemPrompt = "You are an expert at evaluating used car listings in Bulgaria. " +
	"Analyze the listing and identify potential risks or red flags. " +
	"Reply with JSON only, no prose around it."

// Client calls the Anthropic messages API.
type Client struct {
	client anthropic.Client
	model  string
}

// New builds a client for the given API key and model.
func New(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Evaluate implements risk.Evaluator.
func (c *Client) Evaluate(ctx context.Context, in risk.EvalInput) (*risk.Assessment, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   1024,
		Temperature: anthropic.Float(0.3),
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(in))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return decodeAssessment(sb.String())
}

func buildPrompt(in risk.EvalInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze this Bulgarian used car listing:\n\n")
	fmt.Fprintf(&b, "**Title:** %s\n\n**Description:**\n%s\n\n", in.Title, in.Description)
	fmt.Fprintf(&b, "**Pricing:**\n- Asking Price: %s BGN\n", in.PriceBGN.StringFixed(0))
	if !in.PredictedBGN.IsZero() {
		fmt.Fprintf(&b, "- Market Estimate: %s BGN\n- Discount: %.1f%%\n",
			in.PredictedBGN.StringFixed(0), in.DiscountPct)
	}
	fmt.Fprintf(&b, "\n**Initial Flags:**\n- Red Flags: %d\n- Positive Flags: %d\n\n",
		in.RedFlags, in.PositiveFlags)
	b.WriteString(`Evaluate this listing and provide your assessment in JSON format:

{
  "risk_level": "low|medium|high",
  "confidence": 0.0-1.0,
  "summary": "2-3 sentence summary in Bulgarian",
  "reasons": ["reason 1", "reason 2", "reason 3"],
  "buyer_notes": "Important notes for potential buyers"
}

Consider:
1. Signs of accident damage or salvage title
2. Mileage authenticity concerns
3. Import history red flags
4. Maintenance and ownership claims
5. Pricing relative to market (why such discount?)
6. Urgency or pressure tactics
7. Overly positive language (too good to be true)

Focus on Bulgarian-specific patterns and scams.`)
	return b.String()
}

// decodeAssessment parses the strict JSON reply, tolerating a fenced code
// block around it, and maps the low/medium/high vocabulary onto the
// green/yellow/red levels the pipeline uses.
func decodeAssessment(text string) (*risk.Assessment, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var a risk.Assessment
	if err := json.Unmarshal([]byte(text), &a); err != nil {
		return nil, fmt.Errorf("decode assessment: %w", err)
	}
	switch strings.ToLower(a.RiskLevel) {
	case "low", store.RiskGreen:
		a.RiskLevel = store.RiskGreen
	case "medium", store.RiskYellow:
		a.RiskLevel = store.RiskYellow
	case "high", store.RiskRed:
		a.RiskLevel = store.RiskRed
	default:
		return nil, fmt.Errorf("decode assessment: unknown risk level %q", a.RiskLevel)
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return nil, fmt.Errorf("decode assessment: confidence %v out of range", a.Confidence)
	}
	return &a, nil
}
