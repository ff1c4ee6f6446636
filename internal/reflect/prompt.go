package reflect

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"kait/internal/bank"
)

// DefaultPromptBudget caps the refined system prompt.
const DefaultPromptBudget = 1200 // tokens

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// countTokens measures text with the cl100k encoder, falling back to
// the four-characters-per-token estimate when the encoder is
// unavailable (offline first run).
func countTokens(text string) int {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})
	if encoder != nil {
		return len(encoder.Encode(text, nil, nil))
	}
	n := len(text) / 4
	if n < 1 && text != "" {
		n = 1
	}
	return n
}

// RefinePrompt deterministically rebuilds the system prompt from the
// base prompt, active behaviour rules, recent corrections (as avoid
// directives) and user preferences. Pure: same inputs, same output.
// When the result would exceed the token budget, the lowest-confidence
// rules are dropped first.
func RefinePrompt(base string, rules []bank.BehaviorRule, corrections []bank.Correction, preferences []bank.Preference, budget int) string {
	if budget <= 0 {
		budget = DefaultPromptBudget
	}

	build := func(keepRules []bank.BehaviorRule) string {
		var b strings.Builder
		b.WriteString(strings.TrimSpace(base))

		if len(keepRules) > 0 {
			b.WriteString("\n\n## Learned Behaviours\n")
			for _, r := range keepRules {
				fmt.Fprintf(&b, "- When %s, %s.\n", r.Trigger, r.Action)
			}
		}
		if len(corrections) > 0 {
			b.WriteString("\n## Avoid Repeating These Mistakes\n")
			for _, c := range corrections {
				reason := strings.TrimSpace(c.Reason)
				if reason == "" {
					reason = "the user corrected this"
				}
				fmt.Fprintf(&b, "- Avoid: %s (%s).\n", truncateWords(c.Correction, 25), reason)
			}
		}
		if len(preferences) > 0 {
			b.WriteString("\n## User Preferences\n")
			for _, p := range preferences {
				fmt.Fprintf(&b, "- %s: %s\n", p.Key, p.Value)
			}
		}
		return b.String()
	}

	// Rules arrive ordered by confidence descending; trim from the tail
	// until the prompt fits.
	keep := rules
	prompt := build(keep)
	for countTokens(prompt) > budget && len(keep) > 0 {
		keep = keep[:len(keep)-1]
		prompt = build(keep)
	}
	return prompt
}

// truncateWords limits a string to n words.
func truncateWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return strings.TrimSpace(s)
	}
	return strings.Join(words[:n], " ") + "…"
}
