package observer

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestObserver(t *testing.T, ringSize int) *Observer {
	t.Helper()
	return New(Options{RingSize: ringSize, Enabled: true})
}

func TestRecordAndRecent(t *testing.T) {
	o := newTestObserver(t, 10)
	for i := 0; i < 3; i++ {
		o.Record(CallRecord{Provider: "ollama", Model: "llama3.1:8b", Method: "chat",
			LatencyMS: float64(100 + i), Success: true, OutputTokens: 10})
	}

	recent := o.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, 101.0, recent[0].LatencyMS)
	assert.Equal(t, 102.0, recent[1].LatencyMS)
	assert.Equal(t, 10, recent[0].TotalTokens, "total derived from output")
	assert.Greater(t, recent[0].Timestamp, 0.0)
}

func TestRingWrapsOldestOut(t *testing.T) {
	o := newTestObserver(t, 3)
	for i := 0; i < 5; i++ {
		o.Record(CallRecord{Provider: "ollama", LatencyMS: float64(i), Success: true})
	}
	recent := o.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, 2.0, recent[0].LatencyMS)
	assert.Equal(t, 4.0, recent[2].LatencyMS)

	lt := o.Lifetime()
	assert.Equal(t, 5, lt.TotalCalls, "lifetime counts survive ring eviction")
	assert.Equal(t, 3, lt.BufferSize)
}

func TestSummaryWindow(t *testing.T) {
	o := newTestObserver(t, 100)
	now := float64(time.Now().UnixNano()) / 1e9

	// Two fresh calls, one failure, one stale call outside the window.
	o.Record(CallRecord{Timestamp: now, Provider: "claude", Model: "claude-sonnet-4-20250514",
		LatencyMS: 100, Success: true, InputTokens: 1000, OutputTokens: 1000})
	o.Record(CallRecord{Timestamp: now, Provider: "claude", LatencyMS: 300, Success: false,
		Error: "boom", ErrorType: "api"})
	o.Record(CallRecord{Timestamp: now - 3600, Provider: "claude", LatencyMS: 900, Success: true})

	s := o.Summary(5 * time.Minute)
	assert.Equal(t, 2, s.TotalCalls)
	assert.Equal(t, 1, s.ErrorCount)
	assert.InDelta(t, 0.5, s.ErrorRate, 1e-9)
	assert.InDelta(t, 200, s.AvgLatencyMS, 1e-9)
	assert.Equal(t, 2000, s.TotalTokens)
	// 1000 in at $3/1M plus 1000 out at $15/1M.
	assert.InDelta(t, 0.018, s.TotalCostUSD, 1e-9)
}

func TestProviderStatsDistinctModels(t *testing.T) {
	o := newTestObserver(t, 100)
	o.Record(CallRecord{Provider: "ollama", Model: "llama3.1:8b", LatencyMS: 50, Success: true})
	o.Record(CallRecord{Provider: "ollama", Model: "mistral", LatencyMS: 70, Success: true})
	o.Record(CallRecord{Provider: "claude", Model: "claude-sonnet-4-20250514", LatencyMS: 400, Success: false})

	stats := o.ProviderStats(5 * time.Minute)
	require.Contains(t, stats, "ollama")
	require.Contains(t, stats, "claude")
	assert.Equal(t, 2, stats["ollama"].Calls)
	assert.Equal(t, []string{"llama3.1:8b", "mistral"}, stats["ollama"].Models)
	assert.InDelta(t, 1.0, stats["claude"].ErrorRate, 1e-9)
}

func TestObserveClassifiesErrors(t *testing.T) {
	o := newTestObserver(t, 10)

	_, err := o.Observe("claude", "claude-sonnet-4-20250514", "chat", func() (string, error) {
		return "", errors.New("request timeout after 120s")
	})
	require.Error(t, err)

	text, err := o.Observe("ollama", "llama3.1:8b", "chat_stream", func() (string, error) {
		return "hello there", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)

	recent := o.Recent(0)
	require.Len(t, recent, 2)
	assert.False(t, recent[0].Success)
	assert.Equal(t, "timeout", recent[0].ErrorType)
	assert.True(t, recent[1].Success)
	assert.True(t, recent[1].Streaming)
	assert.Equal(t, EstimateTokens("hello there"), recent[1].OutputTokens)
}

func TestDisabledObserverIsNoop(t *testing.T) {
	o := New(Options{Enabled: false})
	o.Record(CallRecord{Provider: "ollama", Success: true})
	assert.Nil(t, o.Recent(10))
	assert.Equal(t, 0, o.Summary(time.Minute).TotalCalls)
	assert.Equal(t, 0, o.Lifetime().TotalCalls)
}

func TestEstimateCost(t *testing.T) {
	assert.InDelta(t, 0.018, EstimateCost("claude-sonnet-4-20250514", 1000, 1000), 1e-9)
	assert.InDelta(t, 0.018, EstimateCost("claude-sonnet-4-6-latest", 1000, 1000), 1e-9, "prefix match")
	assert.Zero(t, EstimateCost("unknown-model", 1000, 1000))
	assert.Zero(t, EstimateCost("llama3.1:8b", 1000, 1000), "local models are free")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("hi"))
	assert.Equal(t, 5, EstimateTokens("twenty characters ok"))
}

func TestPercentileInterpolation(t *testing.T) {
	sorted := []float64{100, 200, 300, 400}
	assert.InDelta(t, 250, percentile(sorted, 50), 1e-9)
	assert.InDelta(t, 397, percentile(sorted, 99), 1e-9)
	assert.InDelta(t, 100, percentile(sorted, 0), 1e-9)
	assert.InDelta(t, 42, percentile([]float64{42}, 99), 1e-9)
}

func TestJSONLRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "llm_calls.jsonl")
	o := New(Options{RingSize: 10, Path: path, MaxBytes: 400, Backups: 3, Enabled: true})

	for i := 0; i < 12; i++ {
		o.Record(CallRecord{Provider: "ollama", Model: "llama3.1:8b", Method: "chat",
			LatencyMS: float64(i), Success: true})
	}

	require.FileExists(t, path)
	require.FileExists(t, path+".1")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(400))

	// Live file must hold valid JSON lines.
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec CallRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		assert.Equal(t, "ollama", rec.Provider)
	}
	require.NoError(t, scanner.Err())
}
