package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kait/internal/agent"
)

type scriptedDispatcher struct {
	mu       sync.Mutex
	requests []agent.Request
	reply    string
	err      error
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, req agent.Request) (*agent.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if d.err != nil {
		return nil, d.err
	}
	return &agent.Result{Text: d.reply}, nil
}

type replyCollector struct {
	mu      sync.Mutex
	replies []Reply
}

func (r *replyCollector) send(ctx context.Context, rep Reply) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, rep)
	return nil
}

func (r *replyCollector) all() []Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Reply(nil), r.replies...)
}

func newTestWorker(t *testing.T, d Dispatcher, send SendFunc) *Worker {
	t.Helper()
	w, err := NewWorker(Options{
		Dispatcher:    d,
		Send:          send,
		InboxSize:     4,
		HeartbeatPath: filepath.Join(t.TempDir(), "matrix_heartbeat.json"),
	})
	require.NoError(t, err)
	return w
}

func drainOne(t *testing.T, w *Worker, replies *replyCollector, want int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	require.Eventually(t, func() bool {
		return len(replies.all()) >= want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMessageFlowsThroughDispatcher(t *testing.T) {
	dispatcher := &scriptedDispatcher{reply: "hello sam"}
	replies := &replyCollector{}
	w := newTestWorker(t, dispatcher, replies.send)

	require.NoError(t, w.Enqueue(Message{Room: "!lobby", Sender: "@sam", Text: "hi"}))
	drainOne(t, w, replies, 1)

	got := replies.all()
	require.Len(t, got, 1)
	assert.Equal(t, "!lobby", got[0].Room)
	assert.Equal(t, "hello sam", got[0].Text)

	require.Len(t, dispatcher.requests, 1)
	req := dispatcher.requests[0]
	assert.Equal(t, "matrix", req.Source)
	assert.Equal(t, "!lobby", req.SourceMeta)
	assert.Equal(t, "matrix-!lobby", req.SessionID)
	assert.Equal(t, "@sam", req.Sender)
}

func TestDispatchFailureBecomesErrorReply(t *testing.T) {
	dispatcher := &scriptedDispatcher{err: errors.New("provider down")}
	replies := &replyCollector{}
	w := newTestWorker(t, dispatcher, replies.send)

	require.NoError(t, w.Enqueue(Message{Room: "!lobby", Sender: "@sam", Text: "hi"}))
	drainOne(t, w, replies, 1)

	got := replies.all()
	require.Len(t, got, 1)
	assert.Equal(t, "[error] I couldn't process that message: provider down", got[0].Text)
}

func TestInboxIsBounded(t *testing.T) {
	w := newTestWorker(t, &scriptedDispatcher{reply: "ok"}, nil)

	for i := 0; i < 4; i++ {
		require.NoError(t, w.Enqueue(Message{Room: "!r", Sender: "@s", Text: "m"}))
	}
	err := w.Enqueue(Message{Room: "!r", Sender: "@s", Text: "overflow"})
	assert.ErrorIs(t, err, ErrInboxFull)
	assert.Equal(t, 4, w.InboxLen())
}

func TestEnqueueRejectsEmptyText(t *testing.T) {
	w := newTestWorker(t, &scriptedDispatcher{}, nil)
	assert.Error(t, w.Enqueue(Message{Room: "!r", Sender: "@s", Text: "   "}))
}

func TestInboxEndpoint(t *testing.T) {
	dispatcher := &scriptedDispatcher{reply: "ok"}
	w := newTestWorker(t, dispatcher, nil)
	ts := httptest.NewServer(w.Handler())
	defer ts.Close()

	body, _ := json.Marshal(Message{Room: "!lobby", Sender: "@sam", Text: "hi"})
	resp, err := http.Post(ts.URL+"/inbox", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, w.InboxLen())

	resp, err = http.Post(ts.URL+"/inbox", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInboxEndpointBackpressure(t *testing.T) {
	w := newTestWorker(t, &scriptedDispatcher{}, nil)
	ts := httptest.NewServer(w.Handler())
	defer ts.Close()

	body, _ := json.Marshal(Message{Room: "!r", Sender: "@s", Text: "m"})
	for i := 0; i < 4; i++ {
		resp, err := http.Post(ts.URL+"/inbox", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	resp, err := http.Post(ts.URL+"/inbox", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	w := newTestWorker(t, &scriptedDispatcher{reply: "ok"}, nil)
	ts := httptest.NewServer(w.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "messages_processed")
	assert.Contains(t, body, "uptime_s")
}

func TestHeartbeatRecordsRoomsAndCounters(t *testing.T) {
	dispatcher := &scriptedDispatcher{reply: "ok"}
	replies := &replyCollector{}
	w := newTestWorker(t, dispatcher, replies.send)

	require.NoError(t, w.Enqueue(Message{Room: "!beta", Sender: "@s", Text: "one"}))
	require.NoError(t, w.Enqueue(Message{Room: "!alpha", Sender: "@s", Text: "two"}))
	drainOne(t, w, replies, 2)

	require.NoError(t, w.WriteHeartbeat())
	data, err := os.ReadFile(w.heartbeatPath)
	require.NoError(t, err)

	var hb Heartbeat
	require.NoError(t, json.Unmarshal(data, &hb))
	assert.Equal(t, []string{"!alpha", "!beta"}, hb.Rooms)
	assert.Equal(t, 2, hb.MessagesProcessed)
	assert.Equal(t, "running", hb.Status)
	assert.Equal(t, os.Getpid(), hb.PID)
	assert.InDelta(t, float64(time.Now().Unix()), hb.Timestamp, 5)
}

func TestNewWorkerRequiresDispatcher(t *testing.T) {
	_, err := NewWorker(Options{})
	assert.Error(t, err)
}
