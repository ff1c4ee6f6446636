package llm

import (
	"fmt"
	"regexp"
	"strings"

	"kait/internal/config"
)

// Scorer estimates prompt complexity in [0,1]. Implementations must be
// deterministic; the gateway treats a nil scorer as "no scorer".
type Scorer interface {
	Score(prompt string) float64
}

// Decision is the routing outcome: the provider to try first, why, and
// the ordered fallbacks. Surfaced unchanged via Health().
type Decision struct {
	Primary   string   `json:"primary"`
	Score     float64  `json:"score"` // -1 for overrides and legacy routing
	Reason    string   `json:"reason"`
	Fallbacks []string `json:"fallbacks"`
}

// Chain returns primary plus fallbacks as one ordered list.
func (d Decision) Chain() []string {
	if d.Primary == "" {
		return d.Fallbacks
	}
	return append([]string{d.Primary}, d.Fallbacks...)
}

// routeOrder is the canonical provider precedence used for fallbacks
// and for legacy local-first routing.
var routeOrder = []string{ProviderOllama, ProviderClaude, ProviderOpenAI, ProviderLiteLLM}

// devBuildOrder is the cloud-first chain used for Dev/Build prompts.
var devBuildOrder = []string{ProviderClaude, ProviderOpenAI, ProviderOllama, ProviderLiteLLM}

// The Dev/Build trigger: a prompt that names the project and uses a
// development action word is about building kait itself, which wants
// the strongest model available.
var (
	devProjectRe = regexp.MustCompile(`(?i)\b(kait|robin)\b`)
	devActionRe  = regexp.MustCompile(`(?i)\b(build|develop|implement|create|write|code|refactor|debug|fix|deploy|test|optimize|improve|extend|add|design|architect|setup|configure|install|integrate|migrate|upgrade|update|version)\b`)
)

// isDevBuildPrompt reports whether the prompt matches the Dev/Build
// trigger.
func isDevBuildPrompt(prompt string) bool {
	return devProjectRe.MatchString(prompt) && devActionRe.MatchString(prompt)
}

// Router resolves the ordered provider chain for a prompt.
type Router struct {
	config config.RouterConfig
	scorer Scorer // nil when complexity scoring is unavailable
}

// NewRouter builds a Router. scorer may be nil; it is ignored unless
// the config enables complexity routing.
func NewRouter(cfg config.RouterConfig, scorer Scorer) *Router {
	if cfg.Threshold <= 0 {
		cfg.Threshold = config.DefaultRouterThreshold
	}
	if cfg.Strong == "" {
		cfg.Strong = ProviderClaude
	}
	return &Router{config: cfg, scorer: scorer}
}

// Route decides the provider chain. available maps provider name to
// live availability (adapter check AND breaker allow); override forces
// a primary. With the scorer disabled the result is a pure function of
// its inputs.
func (r *Router) Route(prompt, override string, available map[string]bool) Decision {
	switch {
	case override != "":
		return r.finish(Decision{
			Primary: override,
			Score:   -1,
			Reason:  fmt.Sprintf("Direct override to %s", override),
		}, routeOrder, available)

	case isDevBuildPrompt(prompt):
		return r.finish(Decision{
			Primary: ProviderClaude,
			Score:   1.0,
			Reason:  "Dev/Build request (Kait/Robin) → cloud-first",
		}, devBuildOrder, available)

	case r.config.Enabled && r.scorer != nil:
		score := clamp01(r.scorer.Score(prompt))
		if score >= r.config.Threshold {
			return r.finish(Decision{
				Primary: r.config.Strong,
				Score:   score,
				Reason: fmt.Sprintf("Complex query (score=%.3f >= threshold=%.3f)",
					score, r.config.Threshold),
			}, routeOrder, available)
		}
		return r.finish(Decision{
			Primary: ProviderOllama,
			Score:   score,
			Reason: fmt.Sprintf("Simple query (score=%.3f < threshold=%.3f)",
				score, r.config.Threshold),
		}, routeOrder, available)

	default:
		return r.finish(Decision{
			Primary: ProviderOllama,
			Score:   -1,
			Reason:  "Legacy routing (local-first)",
		}, routeOrder, available)
	}
}

// finish fills the fallback chain and demotes an unavailable primary to
// the first available fallback.
func (r *Router) finish(d Decision, order []string, available map[string]bool) Decision {
	for _, p := range order {
		if p != d.Primary && available[p] {
			d.Fallbacks = append(d.Fallbacks, p)
		}
	}
	if !available[d.Primary] && len(d.Fallbacks) > 0 {
		next := d.Fallbacks[0]
		d.Reason += fmt.Sprintf(" → %s unavailable, using %s", d.Primary, next)
		d.Primary = next
		d.Fallbacks = d.Fallbacks[1:]
	}
	return d
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

// LexicalScorer is the built-in complexity estimate used when no
// external scoring model is wired in: longer prompts with reasoning or
// code markers score higher. Deterministic by construction.
type LexicalScorer struct{}

var complexityMarkers = []string{
	"explain", "analyze", "analyse", "compare", "design", "architecture",
	"algorithm", "prove", "derive", "optimize", "trade-off", "tradeoff",
	"implement", "refactor", "debug", "step by step", "why",
}

// Score rates the prompt in [0,1].
func (LexicalScorer) Score(prompt string) float64 {
	lower := strings.ToLower(prompt)
	words := len(strings.Fields(lower))

	score := float64(words) / 200.0
	if score > 0.5 {
		score = 0.5
	}
	for _, marker := range complexityMarkers {
		if strings.Contains(lower, marker) {
			score += 0.12
		}
	}
	if strings.Contains(prompt, "```") || strings.Contains(lower, "code") {
		score += 0.15
	}
	return clamp01(score)
}
