package reflect

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kait/internal/bank"
	"kait/internal/config"
	"kait/internal/evolution"
)

func newTestPipeline(t *testing.T) (*Pipeline, *bank.Bank, *evolution.Engine) {
	t.Helper()
	dir := t.TempDir()
	b, err := bank.Open(filepath.Join(dir, "bank.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	engine, err := evolution.Open(filepath.Join(dir, "sidekick_evolution.json"))
	require.NoError(t, err)

	p, err := NewPipeline(Options{
		Bank:       b,
		Evolution:  engine,
		BasePrompt: "You are Kait.",
		Config: config.ReflectionConfig{
			MinInteractions: 5,
			Interval:        30 * time.Minute,
		},
	})
	require.NoError(t, err)
	return p, b, engine
}

func seedInteractions(t *testing.T, b *bank.Bank, n int, feedback float64) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		id, err := b.SaveInteraction(ctx, bank.Interaction{
			UserInput:  fmt.Sprintf("explain docker networking variant %d please today", i),
			AIResponse: "A short answer about docker networking basics here.",
			SessionID:  "s1",
		})
		require.NoError(t, err)
		_, err = b.UpdateInteractionFeedback(ctx, id, feedback)
		require.NoError(t, err)
	}
}

func TestNewPipelineRequiresBankAndEngine(t *testing.T) {
	_, err := NewPipeline(Options{})
	assert.Error(t, err)
}

func TestDueAfterEnoughInteractions(t *testing.T) {
	p, b, _ := newTestPipeline(t)
	ctx := context.Background()

	due, err := p.Due(ctx)
	require.NoError(t, err)
	assert.False(t, due, "empty bank has nothing to reflect on")

	seedInteractions(t, b, 5, 0.9)
	due, err = p.Due(ctx)
	require.NoError(t, err)
	assert.True(t, due)
}

func TestRunCycleWritesRulesAndPrompt(t *testing.T) {
	p, b, _ := newTestPipeline(t)
	ctx := context.Background()
	seedInteractions(t, b, 8, 0.9)

	report, err := p.RunCycle(ctx)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.NotEmpty(t, report.ProposedRules)

	rules, err := b.ActiveBehaviorRules(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, rules, "proposed rules are persisted")

	prompt := p.SystemPrompt()
	assert.Contains(t, prompt, "You are Kait.")
	assert.Contains(t, prompt, "## Learned Behaviours")
	assert.Equal(t, report, p.LastReport())
	assert.False(t, p.LastCycleAt().IsZero())
}

func TestRunCycleIsIdempotentOnRules(t *testing.T) {
	p, b, _ := newTestPipeline(t)
	ctx := context.Background()
	seedInteractions(t, b, 8, 0.9)

	_, err := p.RunCycle(ctx)
	require.NoError(t, err)
	first, err := b.ActiveBehaviorRules(ctx)
	require.NoError(t, err)

	_, err = p.RunCycle(ctx)
	require.NoError(t, err)
	second, err := b.ActiveBehaviorRules(ctx)
	require.NoError(t, err)
	assert.Len(t, second, len(first), "a second cycle over the same history adds nothing")
}

func TestRunCycleFeedsEvolutionEngine(t *testing.T) {
	p, b, engine := newTestPipeline(t)
	ctx := context.Background()
	seedInteractions(t, b, 8, 0.9)

	_, err := p.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, engine.Metrics().ReflectionCycles)
}

func TestRunCycleRecordsStageAdvance(t *testing.T) {
	p, b, engine := newTestPipeline(t)
	ctx := context.Background()
	seedInteractions(t, b, 8, 0.9)

	// Push the engine to the brink of stage 2; the cycle supplies the
	// missing reflection count.
	for i := 0; i < 25; i++ {
		engine.RecordInteraction(0.6, 0.7)
	}
	for i := 0; i < 5; i++ {
		engine.RecordCorrection()
	}

	_, err := p.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, engine.Metrics().Stage)

	events, err := b.EvolutionsByType(ctx, "stage_advance", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Description, "Basic")
	assert.Contains(t, events[0].Description, "Adaptive")
}

func TestRunIfDueSkipsWhenNotDue(t *testing.T) {
	p, b, _ := newTestPipeline(t)
	ctx := context.Background()
	seedInteractions(t, b, 2, 0.9)

	report, err := p.RunIfDue(ctx)
	require.NoError(t, err)
	assert.Nil(t, report)

	seedInteractions(t, b, 4, 0.9)
	report, err = p.RunIfDue(ctx)
	require.NoError(t, err)
	assert.NotNil(t, report)
}
