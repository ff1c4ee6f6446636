// Package queue is the durable ingest buffer between kaitd and the
// bridge worker: an append-only JSONL file plus a byte-offset
// checkpoint, so events survive restarts of either side.
package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	kaiterrors "kait/internal/errors"
)

// RotateBytes is the queue size at which the dashboards flag rotation.
const RotateBytes = 10 * 1024 * 1024

// Event is one ingested item waiting for the bridge worker.
type Event struct {
	Type      string            `json:"type"`
	Source    string            `json:"source,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Sender    string            `json:"sender,omitempty"`
	Text      string            `json:"text,omitempty"`
	Timestamp float64           `json:"timestamp"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Validate checks the minimum contract an adapter must honour.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("event type is required: %w", kaiterrors.ErrInvalidEvent)
	}
	if e.Type == "message" && strings.TrimSpace(e.Text) == "" {
		return fmt.Errorf("message event needs text: %w", kaiterrors.ErrInvalidEvent)
	}
	return nil
}

// Stats is the dashboard view of the queue file.
type Stats struct {
	EventCount    int     `json:"event_count"`
	SizeBytes     int64   `json:"size_bytes"`
	SizeMB        float64 `json:"size_mb"`
	NeedsRotation bool    `json:"needs_rotation"`
	DrainOffset   int64   `json:"drain_offset"`
}

// Queue is a single-writer, single-drainer JSONL queue. The mutex
// serialises appends within one process; kaitd is the only appender
// and the bridge the only drainer.
type Queue struct {
	mu          sync.Mutex
	path        string
	offsetPath  string
	rotateBytes int64
}

// Open returns a queue over the given JSONL path. The file is created
// lazily on first append.
func Open(path string) *Queue {
	return &Queue{
		path:        path,
		offsetPath:  path + ".offset",
		rotateBytes: RotateBytes,
	}
}

// Append validates and persists one event. A zero timestamp becomes
// now, an empty source becomes "api".
func (q *Queue) Append(e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.Timestamp == 0 {
		e.Timestamp = float64(time.Now().UnixNano()) / 1e9
	}
	if e.Source == "" {
		e.Source = "api"
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return fmt.Errorf("queue dir: %w", err)
	}
	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Stats reports the queue file size and backlog.
func (q *Queue) Stats() (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{DrainOffset: q.loadOffset()}
	info, err := os.Stat(q.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("stat queue: %w", err)
	}
	s.SizeBytes = info.Size()
	s.SizeMB = float64(info.Size()) / (1024 * 1024)
	s.NeedsRotation = info.Size() >= q.rotateBytes

	f, err := os.Open(q.path)
	if err != nil {
		return s, fmt.Errorf("open queue: %w", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			s.EventCount++
		}
	}
	if err := scanner.Err(); err != nil {
		return s, fmt.Errorf("scan queue: %w", err)
	}
	return s, nil
}

// Drain returns up to max undrained events and the offset to commit
// once they are processed. Events stay in the file until Commit moves
// the checkpoint past them, so a crashed drainer re-reads them. A
// malformed line is skipped, not retried forever.
func (q *Queue) Drain(max int) ([]Event, int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	offset := q.loadOffset()
	f, err := os.Open(q.path)
	if os.IsNotExist(err) {
		return nil, offset, nil
	}
	if err != nil {
		return nil, offset, fmt.Errorf("open queue: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, offset, fmt.Errorf("seek queue: %w", err)
	}

	var out []Event
	reader := bufio.NewReader(f)
	pos := offset
	for max <= 0 || len(out) < max {
		line, err := reader.ReadString('\n')
		if line == "" && err != nil {
			break
		}
		// A line without a trailing newline is still being written;
		// leave it for the next drain.
		if !strings.HasSuffix(line, "\n") {
			break
		}
		pos += int64(len(line))
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		var e Event
		if jsonErr := json.Unmarshal([]byte(trimmed), &e); jsonErr != nil {
			continue
		}
		out = append(out, e)
		if err != nil {
			break
		}
	}
	return out, pos, nil
}

// Commit persists the drain checkpoint.
func (q *Queue) Commit(offset int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	tmp := q.offsetPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(offset, 10)), 0o644); err != nil {
		return fmt.Errorf("write offset: %w", err)
	}
	if err := os.Rename(tmp, q.offsetPath); err != nil {
		return fmt.Errorf("commit offset: %w", err)
	}
	return nil
}

// Rotate moves a fully drained queue file aside and resets the
// checkpoint. Refuses to rotate while undrained events remain.
func (q *Queue) Rotate() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	info, err := os.Stat(q.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat queue: %w", err)
	}
	if q.loadOffset() < info.Size() {
		return fmt.Errorf("queue has undrained events, not rotating")
	}
	if err := os.Rename(q.path, q.path+".1"); err != nil {
		return fmt.Errorf("rotate queue: %w", err)
	}
	if err := os.Remove(q.offsetPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reset offset: %w", err)
	}
	return nil
}

// loadOffset reads the checkpoint, treating absence or corruption as
// zero. Caller holds the mutex.
func (q *Queue) loadOffset() int64 {
	data, err := os.ReadFile(q.offsetPath)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
