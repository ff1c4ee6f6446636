package evolution

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sidekick_evolution.json")
	e, err := Open(path)
	require.NoError(t, err)
	return e, path
}

// feedToStage2 pushes the metrics past every stage-2 threshold.
func feedToStage2(e *Engine) {
	for i := 0; i < 25; i++ {
		e.RecordInteraction(0.5, 0.6)
	}
	for i := 0; i < 5; i++ {
		e.RecordCorrection()
	}
	e.RecordReflectionCycle()
}

func TestFreshEngineStartsAtBasic(t *testing.T) {
	e, _ := openTestEngine(t)
	assert.Equal(t, 1, e.Metrics().Stage)
	assert.Equal(t, "Basic", e.Stage().Name)
	assert.Nil(t, e.Check(), "no thresholds met yet")
}

func TestCheckAdvancesWhenAllThresholdsMet(t *testing.T) {
	e, _ := openTestEngine(t)
	feedToStage2(e)

	transition := e.Check()
	require.NotNil(t, transition)
	assert.Equal(t, 1, transition.FromStage)
	assert.Equal(t, 2, transition.ToStage)
	assert.Equal(t, "Adaptive", e.Stage().Name)
	assert.Len(t, e.History(), 1)
}

func TestCheckRequiresEveryThreshold(t *testing.T) {
	e, _ := openTestEngine(t)
	// Everything but the reflection cycle.
	for i := 0; i < 25; i++ {
		e.RecordInteraction(0.5, 0.6)
	}
	for i := 0; i < 5; i++ {
		e.RecordCorrection()
	}
	assert.Nil(t, e.Check(), "missing cycles must block advancement")

	e.RecordReflectionCycle()
	assert.NotNil(t, e.Check())
}

func TestCheckAdvancesOneStagePerCall(t *testing.T) {
	e, _ := openTestEngine(t)
	// Metrics good enough for stage 3 in one shot.
	for i := 0; i < 100; i++ {
		e.RecordInteraction(0.9, 0.9)
	}
	for i := 0; i < 20; i++ {
		e.RecordCorrection()
	}
	for i := 0; i < 5; i++ {
		e.RecordReflectionCycle()
	}

	require.NotNil(t, e.Check())
	assert.Equal(t, 2, e.Metrics().Stage)
	require.NotNil(t, e.Check())
	assert.Equal(t, 3, e.Metrics().Stage)
	assert.Nil(t, e.Check())
}

func TestLowAveragesBlockAdvancement(t *testing.T) {
	e, _ := openTestEngine(t)
	for i := 0; i < 30; i++ {
		e.RecordInteraction(0.1, 0.1) // avg below stage-2 floors
	}
	for i := 0; i < 10; i++ {
		e.RecordCorrection()
	}
	e.RecordReflectionCycle()
	assert.Nil(t, e.Check())
}

func TestStateSurvivesReload(t *testing.T) {
	e, path := openTestEngine(t)
	feedToStage2(e)
	require.NotNil(t, e.Check())
	require.NoError(t, e.Save())

	reloaded, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Metrics().Stage, "stage is monotone across restarts")
	assert.Equal(t, 25, reloaded.Metrics().Interactions)
	assert.Len(t, reloaded.History(), 1)

	// Averages keep accumulating against the persisted sums.
	reloaded.RecordInteraction(1.0, 1.0)
	assert.InDelta(t, (0.5*25+1)/26, reloaded.Metrics().AvgResonance, 1e-9)
}

func TestRunningAverages(t *testing.T) {
	e, _ := openTestEngine(t)
	e.RecordInteraction(0.2, 0.4)
	e.RecordInteraction(0.8, 0.6)
	m := e.Metrics()
	assert.InDelta(t, 0.5, m.AvgResonance, 1e-9)
	assert.InDelta(t, 0.5, m.AvgQuality, 1e-9)
}

func TestStageByLevelClamps(t *testing.T) {
	assert.Equal(t, "Basic", StageByLevel(0).Name)
	assert.Equal(t, "God-like", StageByLevel(99).Name)
}
