// Package matrix is the chat-room inbox worker: messages arrive over
// HTTP POST /inbox, queue on a bounded channel, and drain through the
// agent registry one at a time. Replies go back through a pluggable
// send function so the transport adapter stays outside the core.
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"kait/internal/agent"
	"kait/internal/config"
	"kait/internal/logging"
)

const defaultInboxSize = 100

// ErrInboxFull is returned when a message arrives while the bounded
// inbox has no room. The sender should retry later.
var ErrInboxFull = errors.New("matrix inbox full")

// Message is one inbound chat message.
type Message struct {
	Room      string  `json:"room"`
	Sender    string  `json:"sender"`
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// Reply is what the worker sends back to a room.
type Reply struct {
	Room string `json:"room"`
	Text string `json:"text"`
}

// SendFunc delivers a reply to its room. Implementations belong to the
// transport adapter; a nil SendFunc logs replies instead.
type SendFunc func(ctx context.Context, r Reply) error

// Dispatcher routes a message to an agent. *agent.Registry satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// Options wires a Worker.
type Options struct {
	Dispatcher Dispatcher
	Send       SendFunc
	Logger     logging.Logger

	// InboxSize bounds the pending-message channel.
	InboxSize int

	// HeartbeatPath is where WriteHeartbeat lands; empty disables it.
	HeartbeatPath string

	now func() time.Time
}

// Worker owns the inbox and the processing loop.
type Worker struct {
	dispatcher    Dispatcher
	send          SendFunc
	logger        logging.Logger
	inbox         chan Message
	heartbeatPath string
	started       time.Time
	now           func() time.Time

	mu        sync.Mutex
	rooms     map[string]bool
	processed int
}

// NewWorker builds a Worker. The dispatcher is required.
func NewWorker(opts Options) (*Worker, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("matrix: dispatcher is required")
	}
	size := opts.InboxSize
	if size <= 0 {
		size = defaultInboxSize
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}
	return &Worker{
		dispatcher:    opts.Dispatcher,
		send:          opts.Send,
		logger:        logging.OrNop(opts.Logger),
		inbox:         make(chan Message, size),
		heartbeatPath: opts.HeartbeatPath,
		started:       now(),
		now:           now,
	}, nil
}

// Enqueue places a message on the inbox without blocking.
func (w *Worker) Enqueue(msg Message) error {
	if strings.TrimSpace(msg.Text) == "" {
		return errors.New("matrix: message text is empty")
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = float64(w.now().UnixNano()) / 1e9
	}
	select {
	case w.inbox <- msg:
		return nil
	default:
		return ErrInboxFull
	}
}

// InboxLen reports the pending-message count.
func (w *Worker) InboxLen() int { return len(w.inbox) }

// Run drains the inbox until the context ends. Messages already queued
// when the context is cancelled stay queued.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.inbox:
			w.process(ctx, msg)
		}
	}
}

// process dispatches one message and delivers the reply. A dispatch
// failure becomes an error reply rather than a dropped message.
func (w *Worker) process(ctx context.Context, msg Message) {
	req := agent.Request{
		Text:       msg.Text,
		Sender:     msg.Sender,
		Source:     "matrix",
		SourceMeta: msg.Room,
		SessionID:  "matrix-" + msg.Room,
	}
	var text string
	res, err := w.dispatcher.Dispatch(ctx, req)
	switch {
	case err != nil:
		w.logger.Error("dispatch from %s/%s: %v", msg.Room, msg.Sender, err)
		text = fmt.Sprintf("[error] I couldn't process that message: %v", err)
	case res == nil:
		text = "[error] I couldn't process that message: no response"
	default:
		text = res.Text
	}

	w.mu.Lock()
	if w.rooms == nil {
		w.rooms = make(map[string]bool)
	}
	w.rooms[msg.Room] = true
	w.processed++
	w.mu.Unlock()

	w.deliver(ctx, Reply{Room: msg.Room, Text: text})
}

func (w *Worker) deliver(ctx context.Context, r Reply) {
	if w.send == nil {
		w.logger.Info("reply to %s: %s", r.Room, r.Text)
		return
	}
	if err := w.send(ctx, r); err != nil {
		w.logger.Error("send reply to %s: %v", r.Room, err)
	}
}

// Heartbeat is the worker's liveness record.
type Heartbeat struct {
	Timestamp         float64  `json:"timestamp"`
	Rooms             []string `json:"rooms"`
	Status            string   `json:"status"`
	PID               int      `json:"pid"`
	MessagesProcessed int      `json:"messages_processed"`
	UptimeS           float64  `json:"uptime_s"`
}

// Snapshot builds the current heartbeat.
func (w *Worker) Snapshot() Heartbeat {
	w.mu.Lock()
	rooms := make([]string, 0, len(w.rooms))
	for room := range w.rooms {
		rooms = append(rooms, room)
	}
	processed := w.processed
	w.mu.Unlock()
	sort.Strings(rooms)

	now := w.now()
	return Heartbeat{
		Timestamp:         float64(now.UnixNano()) / 1e9,
		Rooms:             rooms,
		Status:            "running",
		PID:               os.Getpid(),
		MessagesProcessed: processed,
		UptimeS:           now.Sub(w.started).Seconds(),
	}
}

// WriteHeartbeat persists the heartbeat atomically.
func (w *Worker) WriteHeartbeat() error {
	if w.heartbeatPath == "" {
		return nil
	}
	data, err := json.Marshal(w.Snapshot())
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	tmp := w.heartbeatPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(w.heartbeatPath), 0o755); err != nil {
		return fmt.Errorf("heartbeat dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	if err := os.Rename(tmp, w.heartbeatPath); err != nil {
		return fmt.Errorf("publish heartbeat: %w", err)
	}
	return nil
}

// Beat writes heartbeats on an interval until the context ends.
func (w *Worker) Beat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = config.DefaultHeartbeatInterval
	}
	if err := w.WriteHeartbeat(); err != nil {
		w.logger.Warn("heartbeat: %v", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.WriteHeartbeat(); err != nil {
				w.logger.Warn("heartbeat: %v", err)
			}
		}
	}
}

// Handler is the worker's HTTP surface: POST /inbox and GET /health.
func (w *Worker) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.POST("/inbox", func(c *gin.Context) {
		var msg Message
		if err := c.ShouldBindJSON(&msg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message body"})
			return
		}
		switch err := w.Enqueue(msg); {
		case errors.Is(err, ErrInboxFull):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "inbox full, retry later"})
		case err != nil:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusAccepted, gin.H{"queued": true})
		}
	})

	engine.GET("/health", func(c *gin.Context) {
		hb := w.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"status":             "ok",
			"inbox":              w.InboxLen(),
			"messages_processed": hb.MessagesProcessed,
			"rooms":              len(hb.Rooms),
			"uptime_s":           hb.UptimeS,
		})
	})

	return engine
}

// Serve runs the HTTP surface until the context ends.
func (w *Worker) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultStopGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
