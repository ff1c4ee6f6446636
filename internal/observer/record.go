// Package observer collects LLM call telemetry: every call's latency,
// token counts, estimated cost and failure class, kept in an in-memory
// ring and appended to a rotating JSONL file. Dashboards and the
// reflection pipeline read the aggregates; nothing in the call path ever
// blocks on it.
package observer

import (
	"strings"
	"time"
)

// CallRecord is the telemetry for a single LLM call.
type CallRecord struct {
	Timestamp        float64 `json:"timestamp"`
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	Method           string  `json:"method"`
	Caller           string  `json:"caller"`
	LatencyMS        float64 `json:"latency_ms"`
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	Success          bool    `json:"success"`
	Error            string  `json:"error,omitempty"`
	ErrorType        string  `json:"error_type,omitempty"`
	Streaming        bool    `json:"streaming"`
}

// normalize fills derived fields: timestamp, total tokens and estimated
// cost when the producer left them zero, and caps the error text.
func (r *CallRecord) normalize() {
	if r.Timestamp == 0 {
		r.Timestamp = float64(time.Now().UnixNano()) / 1e9
	}
	if r.TotalTokens == 0 && (r.InputTokens != 0 || r.OutputTokens != 0) {
		r.TotalTokens = r.InputTokens + r.OutputTokens
	}
	if r.EstimatedCostUSD == 0 && r.Model != "" {
		r.EstimatedCostUSD = EstimateCost(r.Model, r.InputTokens, r.OutputTokens)
	}
	if len(r.Error) > maxErrorChars {
		r.Error = r.Error[:maxErrorChars]
	}
}

const maxErrorChars = 200

// Cost table in USD per 1M tokens. Unknown models cost zero, which keeps
// local models free without listing every tag.
var costPer1MInput = map[string]float64{
	"claude-opus-4-6":           15.0,
	"claude-sonnet-4-6":         3.0,
	"claude-sonnet-4-20250514":  3.0,
	"claude-haiku-4-5-20251001": 0.80,
	"gpt-4o":                    2.50,
	"gpt-4o-mini":               0.15,
	"gpt-4-turbo":               10.0,
	"gpt-4-1106-preview":        10.0,
	"gpt-3.5-turbo":             0.50,
	"ollama":                    0.0,
}

var costPer1MOutput = map[string]float64{
	"claude-opus-4-6":           75.0,
	"claude-sonnet-4-6":         15.0,
	"claude-sonnet-4-20250514":  15.0,
	"claude-haiku-4-5-20251001": 4.0,
	"gpt-4o":                    10.0,
	"gpt-4o-mini":               0.60,
	"gpt-4-turbo":               30.0,
	"gpt-4-1106-preview":        30.0,
	"gpt-3.5-turbo":             1.50,
	"ollama":                    0.0,
}

// EstimateCost returns the USD cost of a call: exact model match first,
// then longest-prefix match for versioned names, else zero.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	m := strings.ToLower(model)
	inRate := costPer1MInput[m]
	outRate := costPer1MOutput[m]
	if inRate == 0 && outRate == 0 {
		best := ""
		for key := range costPer1MInput {
			if strings.HasPrefix(m, key) && len(key) > len(best) {
				best = key
			}
		}
		if best != "" {
			inRate = costPer1MInput[best]
			outRate = costPer1MOutput[best]
		}
	}
	return (float64(inputTokens)*inRate + float64(outputTokens)*outRate) / 1e6
}

// EstimateTokens approximates a token count from text length, roughly
// four characters per token, never less than one for non-empty text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}
