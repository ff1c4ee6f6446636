package resonance

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kait/internal/bank"
)

func TestAnalyzePolarity(t *testing.T) {
	cases := []struct {
		text  string
		label string
	}{
		{"this is great, thanks!", "positive"},
		{"I love it, really helpful", "positive"},
		{"this is terrible and broken", "negative"},
		{"I'm so frustrated, it failed again", "negative"},
		{"the sky is blue", "neutral"},
		{"", "neutral"},
	}
	for _, tc := range cases {
		got := Analyze(tc.text)
		assert.Equal(t, tc.label, got.Label, "text: %q (score %.3f)", tc.text, got.Score)
	}
}

func TestAnalyzeNegationFlips(t *testing.T) {
	notGood := Analyze("that is not good")
	assert.Equal(t, "negative", notGood.Label)

	notBad := Analyze("that is not bad")
	assert.Equal(t, "positive", notBad.Label)
	assert.Less(t, notBad.Score, -notGood.Score,
		"'not bad' is weaker praise than 'not good' is criticism")
}

func TestAnalyzeIntensifiers(t *testing.T) {
	plain := Analyze("this is good")
	strong := Analyze("this is really good")
	assert.Greater(t, strong.Score, plain.Score)
}

func TestAnalyzeConfidenceGrowsWithHits(t *testing.T) {
	one := Analyze("good")
	three := Analyze("good great awesome")
	assert.Greater(t, three.Confidence, one.Confidence)
	assert.LessOrEqual(t, three.Confidence, 1.0)
	assert.InDelta(t, 0.5, Analyze("completely neutral words").Confidence, 1e-9)
}

func TestAnalyzeScoreBounded(t *testing.T) {
	long := Analyze("great great great great great great great great great great great great")
	assert.LessOrEqual(t, long.Score, 1.0)
	assert.Greater(t, long.Score, 0.9)
}

func TestFormality(t *testing.T) {
	assert.Equal(t, "casual", Formality("hey yeah gonna do it lol"))
	assert.Equal(t, "formal", Formality("However, regarding the proposal, therefore we proceed."))
	assert.Equal(t, "neutral", Formality("the report is on the desk"))
}

func TestHasHumor(t *testing.T) {
	assert.True(t, HasHumor("haha that's funny"))
	assert.False(t, HasHumor("please file the report"))
}

func openTestBank(t *testing.T) *bank.Bank {
	t.Helper()
	b, err := bank.Open(filepath.Join(t.TempDir(), "sidekick.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestTrackerReinforcement(t *testing.T) {
	b := openTestBank(t)
	ctx := context.Background()
	tracker := NewTracker(b)

	require.NoError(t, tracker.Track(ctx, "coffee", "black"))
	p, err := b.GetPreference(ctx, "coffee")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.InDelta(t, 0.5, p.Confidence, 1e-9, "new preference starts at 0.5")

	// Agreement reinforces.
	require.NoError(t, tracker.Track(ctx, "coffee", "black"))
	p, err = b.GetPreference(ctx, "coffee")
	require.NoError(t, err)
	assert.InDelta(t, 0.55, p.Confidence, 1e-9)

	// Conflict replaces at dampened confidence.
	require.NoError(t, tracker.Track(ctx, "coffee", "with milk"))
	p, err = b.GetPreference(ctx, "coffee")
	require.NoError(t, err)
	assert.Equal(t, "with milk", p.Value)
	assert.InDelta(t, 0.55*0.9, p.Confidence, 1e-9)
}

func TestTrackerConfidenceCap(t *testing.T) {
	b := openTestBank(t)
	ctx := context.Background()
	tracker := NewTracker(b)

	for i := 0; i < 15; i++ {
		require.NoError(t, tracker.Track(ctx, "tea", "green"))
	}
	p, err := b.GetPreference(ctx, "tea")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, p.Confidence, 1e-9)
}

func floatPtr(v float64) *float64 { return &v }

func TestEngineScoreWeights(t *testing.T) {
	e := NewEngine()
	e.Observe(Sample{Sentiment: 1, Feedback: floatPtr(1), Alignment: 1, Engagement: 1})
	assert.InDelta(t, 1.0, e.Score(), 1e-9)

	e = NewEngine()
	e.Observe(Sample{Sentiment: -1, Feedback: floatPtr(0), Alignment: 0, Engagement: 0})
	assert.InDelta(t, 0.0, e.Score(), 1e-9)
}

func TestEngineNoFeedbackReweights(t *testing.T) {
	e := NewEngine()
	e.Observe(Sample{Sentiment: 1, Alignment: 0.5, Engagement: 0.5})
	// 0.55·1 + 0.25·0.5 + 0.20·0.5
	assert.InDelta(t, 0.775, e.Score(), 1e-9)
}

func TestEngineEmptyWindowIsNeutral(t *testing.T) {
	assert.InDelta(t, 0.5, NewEngine().Score(), 1e-9)
}

func TestEngineWindowEviction(t *testing.T) {
	e := NewEngine()
	for i := 0; i < 60; i++ {
		e.Observe(Sample{Sentiment: 0, Alignment: 0.5, Engagement: 0.5})
	}
	assert.Equal(t, 50, e.WindowLen())
}

func TestEngineHumorRate(t *testing.T) {
	e := NewEngine()
	e.Observe(Sample{Humor: true})
	e.Observe(Sample{})
	assert.InDelta(t, 0.5, e.HumorRate(), 1e-9)
}

func TestEstimateEngagement(t *testing.T) {
	low := EstimateEngagement("ok")
	high := EstimateEngagement("can you walk me through how the archive batching decides which sessions are stale and what happens when the narrative call fails?")
	assert.Less(t, low, high)
	assert.LessOrEqual(t, high, 1.0)
}
