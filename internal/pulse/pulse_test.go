package pulse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kait/internal/evolution"
	"kait/internal/observer"
	"kait/internal/queue"
	"kait/internal/supervisor"
)

type staticProviders struct{ providers []string }

func (s staticProviders) AvailableProviders(ctx context.Context) []string { return s.providers }

func newTestPulse(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	if opts.PushInterval == 0 {
		opts.PushInterval = 20 * time.Millisecond
	}
	ts := httptest.NewServer(New(opts).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestDashboardRenders(t *testing.T) {
	ts := newTestPulse(t, Options{})

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Kait Pulse", doc.Find("title").Text())
	for _, id := range []string{"#services", "#llm", "#queue", "#intelligence"} {
		assert.Equal(t, 1, doc.Find(id).Length(), "section %s", id)
	}
	assert.Contains(t, doc.Find("h2").Text(), "LLM Gateway")
}

func TestStatusEndpoint(t *testing.T) {
	sup := supervisor.New(supervisor.Options{Dir: t.TempDir()})
	ts := newTestPulse(t, Options{
		Supervisor: sup,
		Providers:  staticProviders{providers: []string{"ollama"}},
	})

	var body struct {
		Services     []supervisor.Status `json:"services"`
		KaitdHealthy bool                `json:"kaitd_healthy"`
		Providers    []string            `json:"llm_providers"`
		Version      string              `json:"version"`
	}
	getJSON(t, ts.URL+"/api/status", &body)

	assert.Len(t, body.Services, 5)
	assert.False(t, body.KaitdHealthy, "no kaitd URL configured")
	assert.Equal(t, []string{"ollama"}, body.Providers)
	assert.NotEmpty(t, body.Version)
}

func TestStatusProbesKaitd(t *testing.T) {
	kaitd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer kaitd.Close()

	ts := newTestPulse(t, Options{KaitdBaseURL: kaitd.URL})
	var body map[string]any
	getJSON(t, ts.URL+"/api/status", &body)
	assert.Equal(t, true, body["kaitd_healthy"])
}

func TestLLMEndpoint(t *testing.T) {
	obs := observer.New(observer.Options{Enabled: true})
	obs.Record(observer.CallRecord{Provider: "ollama", Model: "llama3.2", LatencyMS: 120, Success: true, TotalTokens: 40})
	obs.Record(observer.CallRecord{Provider: "claude", Model: "sonnet", LatencyMS: 900, Success: false, Error: "timeout"})

	ts := newTestPulse(t, Options{Observer: obs})
	var body struct {
		Enabled   bool                                `json:"enabled"`
		Summary   observer.Summary                    `json:"summary"`
		Providers map[string]observer.ProviderSummary `json:"providers"`
		Recent    []observer.CallRecord               `json:"recent"`
		Lifetime  observer.LifetimeStats              `json:"lifetime"`
	}
	getJSON(t, ts.URL+"/api/llm", &body)

	assert.True(t, body.Enabled)
	assert.Equal(t, 2, body.Summary.TotalCalls)
	assert.Equal(t, 1, body.Summary.ErrorCount)
	assert.Contains(t, body.Providers, "ollama")
	assert.Contains(t, body.Providers, "claude")
	assert.Len(t, body.Recent, 2)
	assert.Equal(t, 2, body.Lifetime.TotalCalls)
}

func TestLLMEndpointWithoutObserver(t *testing.T) {
	ts := newTestPulse(t, Options{})
	var body map[string]any
	getJSON(t, ts.URL+"/api/llm", &body)
	assert.Equal(t, false, body["enabled"])
}

func TestQueueEndpoint(t *testing.T) {
	q := queue.Open(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, q.Append(queue.Event{Type: "message", Text: "hi"}))
	require.NoError(t, q.Append(queue.Event{Type: "message", Text: "again"}))

	ts := newTestPulse(t, Options{Queue: q})
	var body struct {
		EventCount    int     `json:"event_count"`
		SizeMB        float64 `json:"size_mb"`
		NeedsRotation bool    `json:"needs_rotation"`
	}
	getJSON(t, ts.URL+"/api/queue", &body)

	assert.Equal(t, 2, body.EventCount)
	assert.Greater(t, body.SizeMB, 0.0)
	assert.False(t, body.NeedsRotation)
}

func TestIntelligenceEndpoint(t *testing.T) {
	engine, err := evolution.Open(filepath.Join(t.TempDir(), "evolution.json"))
	require.NoError(t, err)
	engine.RecordInteraction(0.6, 0.8)

	ts := newTestPulse(t, Options{Evolution: engine})
	var body struct {
		Stage   evolution.Stage   `json:"stage"`
		Metrics evolution.Metrics `json:"metrics"`
	}
	getJSON(t, ts.URL+"/api/intelligence", &body)

	assert.Equal(t, 1, body.Stage.Level)
	assert.Equal(t, 1, body.Metrics.Interactions)
}

func TestMissionAndAcceptance(t *testing.T) {
	q := queue.Open(filepath.Join(t.TempDir(), "events.jsonl"))
	ts := newTestPulse(t, Options{
		Queue:     q,
		Providers: staticProviders{providers: []string{"ollama"}},
	})

	var mission map[string]any
	getJSON(t, ts.URL+"/api/mission", &mission)
	assert.NotEmpty(t, mission["mission"])

	var acceptance struct {
		Checks []struct {
			Name string `json:"name"`
			Pass bool   `json:"pass"`
		} `json:"checks"`
		Passed int `json:"passed"`
		Total  int `json:"total"`
	}
	getJSON(t, ts.URL+"/api/acceptance", &acceptance)
	require.Equal(t, len(acceptance.Checks), acceptance.Total)

	byName := make(map[string]bool)
	for _, ch := range acceptance.Checks {
		byName[ch.Name] = ch.Pass
	}
	assert.False(t, byName["kaitd_reachable"])
	assert.True(t, byName["llm_available"])
	assert.True(t, byName["queue_healthy"])
}

func TestWebsocketPushesStatus(t *testing.T) {
	sup := supervisor.New(supervisor.Options{Dir: t.TempDir()})
	ts := newTestPulse(t, Options{Supervisor: sup})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Immediate push plus at least one interval push.
	for i := 0; i < 2; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var body struct {
			Services []supervisor.Status `json:"services"`
		}
		require.NoError(t, conn.ReadJSON(&body))
		assert.Len(t, body.Services, 5)
	}
}
