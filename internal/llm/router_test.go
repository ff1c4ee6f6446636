package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"kait/internal/config"
)

func allAvailable() map[string]bool {
	return map[string]bool{
		ProviderOllama:  true,
		ProviderClaude:  true,
		ProviderOpenAI:  true,
		ProviderLiteLLM: true,
	}
}

func legacyRouter() *Router {
	return NewRouter(config.RouterConfig{Enabled: false}, nil)
}

func TestRouteLegacyLocalFirst(t *testing.T) {
	d := legacyRouter().Route("what's the weather like", "", allAvailable())

	assert.Equal(t, ProviderOllama, d.Primary)
	assert.Equal(t, -1.0, d.Score)
	assert.Equal(t, "Legacy routing (local-first)", d.Reason)
	assert.Equal(t, []string{ProviderClaude, ProviderOpenAI, ProviderLiteLLM}, d.Fallbacks)
}

func TestRouteDevBuildTrigger(t *testing.T) {
	d := legacyRouter().Route("Build the Kait API endpoint", "", allAvailable())

	assert.Equal(t, ProviderClaude, d.Primary)
	assert.Equal(t, 1.0, d.Score)
	assert.Contains(t, d.Reason, "Dev/Build")
	assert.Equal(t, []string{ProviderOpenAI, ProviderOllama, ProviderLiteLLM}, d.Fallbacks)
}

func TestRouteDevBuildNeedsBothHalves(t *testing.T) {
	r := legacyRouter()

	// Project name without an action word, and vice versa.
	assert.Equal(t, ProviderOllama, r.Route("tell me about kait", "", allAvailable()).Primary)
	assert.Equal(t, ProviderOllama, r.Route("build me a birdhouse", "", allAvailable()).Primary)
	// Substring matches don't count.
	assert.Equal(t, ProviderOllama, r.Route("build the kaitlin feature", "", allAvailable()).Primary)

	assert.Equal(t, ProviderClaude, r.Route("please refactor Robin's scheduler", "", allAvailable()).Primary)
}

func TestRouteOverride(t *testing.T) {
	d := legacyRouter().Route("Build the Kait API endpoint", ProviderOpenAI, allAvailable())

	assert.Equal(t, ProviderOpenAI, d.Primary, "override beats the Dev/Build trigger")
	assert.Equal(t, -1.0, d.Score)
	assert.Equal(t, "Direct override to openai", d.Reason)
	assert.Equal(t, []string{ProviderOllama, ProviderClaude, ProviderLiteLLM}, d.Fallbacks)
}

type fixedScorer struct{ score float64 }

func (s fixedScorer) Score(string) float64 { return s.score }

func TestRouteScorerThreshold(t *testing.T) {
	cfg := config.RouterConfig{Enabled: true, Threshold: 0.11593, Strong: ProviderClaude}

	complex := NewRouter(cfg, fixedScorer{score: 0.8}).Route("prove this theorem", "", allAvailable())
	assert.Equal(t, ProviderClaude, complex.Primary)
	assert.Equal(t, 0.8, complex.Score)
	assert.Contains(t, complex.Reason, "Complex query")
	assert.Contains(t, complex.Reason, "score=0.800")

	simple := NewRouter(cfg, fixedScorer{score: 0.05}).Route("hi", "", allAvailable())
	assert.Equal(t, ProviderOllama, simple.Primary)
	assert.Contains(t, simple.Reason, "Simple query")
}

func TestRouteScorerStrongOpenAI(t *testing.T) {
	cfg := config.RouterConfig{Enabled: true, Threshold: 0.2, Strong: ProviderOpenAI}
	d := NewRouter(cfg, fixedScorer{score: 0.9}).Route("analyze this", "", allAvailable())
	assert.Equal(t, ProviderOpenAI, d.Primary)
}

func TestRouteUnavailablePrimaryFallsThrough(t *testing.T) {
	avail := allAvailable()
	avail[ProviderOllama] = false

	d := legacyRouter().Route("hello", "", avail)
	assert.Equal(t, ProviderClaude, d.Primary)
	assert.Contains(t, d.Reason, "ollama unavailable, using claude")
	assert.Equal(t, []string{ProviderOpenAI, ProviderLiteLLM}, d.Fallbacks)
}

func TestRouteNothingAvailable(t *testing.T) {
	d := legacyRouter().Route("hello", "", map[string]bool{})
	assert.Equal(t, ProviderOllama, d.Primary, "primary survives even with nothing to fall to")
	assert.Empty(t, d.Fallbacks)
}

func TestRouteIsDeterministic(t *testing.T) {
	avail := allAvailable()
	avail[ProviderLiteLLM] = false
	r := legacyRouter()

	first := r.Route("summarize my day", "", avail)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, r.Route("summarize my day", "", avail))
	}
}

func TestLexicalScorerOrdering(t *testing.T) {
	s := LexicalScorer{}
	small := s.Score("hi")
	big := s.Score("explain the architecture trade-offs of this design and analyze the algorithm step by step")
	assert.Less(t, small, big)
	assert.GreaterOrEqual(t, small, 0.0)
	assert.LessOrEqual(t, big, 1.0)
}
