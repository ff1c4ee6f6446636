package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kaiterrors "kait/internal/errors"
	"kait/internal/queue"
)

// fakeKaitd accepts NDJSON at /ingest and records every event line.
type fakeKaitd struct {
	mu       sync.Mutex
	events   []queue.Event
	requests int
	status   int
}

func (f *fakeKaitd) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests++
		status := f.status
		f.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if status != 0 {
			if status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "2")
			}
			w.WriteHeader(status)
			return
		}

		accepted, rejected := 0, 0
		scanner := bufio.NewScanner(r.Body)
		for scanner.Scan() {
			var ev queue.Event
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil || ev.Validate() != nil {
				rejected++
				continue
			}
			f.mu.Lock()
			f.events = append(f.events, ev)
			f.mu.Unlock()
			accepted++
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"accepted": accepted, "rejected": rejected})
	})
}

func (f *fakeKaitd) received() []queue.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.Event(nil), f.events...)
}

func newTestClient(t *testing.T, daemon *fakeKaitd, opts Options) (*Client, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(daemon.handler())
	t.Cleanup(ts.Close)
	opts.BaseURL = ts.URL
	if opts.Token == "" {
		opts.Token = "test-token"
	}
	return NewClient(opts), ts
}

func TestRunForwardsEvents(t *testing.T) {
	daemon := &fakeKaitd{}
	client, _ := newTestClient(t, daemon, Options{})

	input := strings.Join([]string{
		`{"type":"message","text":"hello","session_id":"s1"}`,
		`{"type":"message","text":"world","session_id":"s1"}`,
	}, "\n")

	tally, err := client.Run(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, tally.Sent)
	assert.Equal(t, 0, tally.Bad)

	events := daemon.received()
	require.Len(t, events, 2)
	assert.Equal(t, "hello", events[0].Text)
	assert.Equal(t, "world", events[1].Text)
}

func TestRunSkipsBadLines(t *testing.T) {
	daemon := &fakeKaitd{}
	client, _ := newTestClient(t, daemon, Options{})

	input := strings.Join([]string{
		`{"type":"message","text":"good"}`,
		`{not json at all`,
		`{"type":"message"}`, // missing text
		``,
		`{"type":"message","text":"also good"}`,
	}, "\n")

	tally, err := client.Run(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, tally.Sent)
	assert.Equal(t, 2, tally.Bad)
	require.Len(t, daemon.received(), 2)
}

func TestRunBatches(t *testing.T) {
	daemon := &fakeKaitd{}
	client, _ := newTestClient(t, daemon, Options{BatchSize: 2})

	var lines []string
	for i := 0; i < 5; i++ {
		lines = append(lines, `{"type":"message","text":"m"}`)
	}
	tally, err := client.Run(context.Background(), strings.NewReader(strings.Join(lines, "\n")))
	require.NoError(t, err)
	assert.Equal(t, 5, tally.Sent)

	daemon.mu.Lock()
	defer daemon.mu.Unlock()
	assert.Equal(t, 3, daemon.requests, "5 events at batch size 2 is 3 posts")
}

func TestRunRequiresToken(t *testing.T) {
	t.Setenv("KAITD_TOKEN", "")
	t.Setenv("KAIT_HOME", t.TempDir())
	client := NewClient(Options{BaseURL: "http://127.0.0.1:1"})

	_, err := client.Run(context.Background(), strings.NewReader(`{"type":"message","text":"x"}`))
	assert.ErrorIs(t, err, kaiterrors.ErrUnauthorized)
}

func TestRunSurfacesAuthRejection(t *testing.T) {
	daemon := &fakeKaitd{}
	client, _ := newTestClient(t, daemon, Options{Token: "wrong-token"})

	_, err := client.Run(context.Background(), strings.NewReader(`{"type":"message","text":"x"}`))
	assert.ErrorIs(t, err, kaiterrors.ErrUnauthorized)
}

func TestRunSurfacesRateLimit(t *testing.T) {
	daemon := &fakeKaitd{status: http.StatusTooManyRequests}
	client, _ := newTestClient(t, daemon, Options{})

	_, err := client.Run(context.Background(), strings.NewReader(`{"type":"message","text":"x"}`))
	assert.ErrorIs(t, err, kaiterrors.ErrRateLimited)
	assert.Contains(t, err.Error(), "retry after 2")
}

func TestSendSingleEvent(t *testing.T) {
	daemon := &fakeKaitd{}
	client, _ := newTestClient(t, daemon, Options{})

	err := client.Send(context.Background(), queue.Event{Type: "message", Text: "one-off"})
	require.NoError(t, err)
	require.Len(t, daemon.received(), 1)

	err = client.Send(context.Background(), queue.Event{Type: "message"})
	assert.ErrorIs(t, err, kaiterrors.ErrInvalidEvent)
}
