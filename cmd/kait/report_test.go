package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kait/internal/agent"
	"kait/internal/app"
	"kait/internal/bank"
	"kait/internal/config"
)

func newTestRuntime(t *testing.T) *app.App {
	t.Helper()
	t.Setenv("KAIT_HOME", t.TempDir())
	cfg := config.Default()
	// Dead port so tests never reach a real daemon.
	cfg.Ollama.Host = "127.0.0.1"
	cfg.Ollama.Port = 1

	rt, err := app.New(app.Options{Config: &cfg})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, rt.Close()) })
	return rt
}

func TestBuildReportCoversAllSections(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.Agents.Dispatch(ctx, agent.Request{Text: "hello", Source: "cli"})
	require.NoError(t, err)

	md, err := buildReport(ctx, rt, "24h")
	require.NoError(t, err)

	assert.Contains(t, md, "# Kait Report")
	assert.Contains(t, md, "## Evolution")
	assert.Contains(t, md, "## Reasoning Bank")
	assert.Contains(t, md, "## Spend (24h)")
	assert.Contains(t, md, "## Gateway")
	assert.Contains(t, md, "Stage 1, **Basic**")
}

func TestBuildReportRejectsBadPeriod(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := buildReport(context.Background(), rt, "fortnight")
	assert.Error(t, err)
}

func TestTeachCorrection(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	require.Error(t, teachCorrection(ctx, rt.Bank, "", "better"), "no reply yet")
	require.Error(t, teachCorrection(ctx, rt.Bank, "old answer", ""), "empty correction")

	require.NoError(t, teachCorrection(ctx, rt.Bank, "old answer", "better answer"))
	recent, err := rt.Bank.RecentCorrections(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "old answer", recent[0].OriginalResponse)
	assert.Equal(t, "better answer", recent[0].Correction)
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "top", firstLine("top\nrest"))
	assert.Equal(t, "plain", firstLine("plain"))
}

func TestRollbackEventIsAppendOnly(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.Bank.SaveEvolution(ctx, bank.Evolution{Type: "trait_shift", Description: "warmth up"})
	require.NoError(t, err)
	_, err = rt.Bank.SaveEvolution(ctx, bank.Evolution{Type: "rollback", Description: "rollback of abc"})
	require.NoError(t, err)

	events, err := rt.Bank.EvolutionTimeline(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2, "rollbacks append, never rewrite")
	assert.Equal(t, "rollback", events[0].Type)
}
