package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// quarantine is the bounded dead-letter file for malformed ingest
// payloads. Oldest entries fall off once the line cap is hit; each
// payload is truncated so one oversized event cannot bloat the file.
type quarantine struct {
	mu       sync.Mutex
	path     string
	maxLines int
	maxChars int
}

type quarantineEntry struct {
	Timestamp float64 `json:"timestamp"`
	Source    string  `json:"source"`
	Reason    string  `json:"reason"`
	Payload   string  `json:"payload"`
}

func newQuarantine(path string, maxLines, maxChars int) *quarantine {
	return &quarantine{path: path, maxLines: maxLines, maxChars: maxChars}
}

// add appends one entry and re-bounds the file.
func (q *quarantine) add(source, reason, payload string) error {
	if len(payload) > q.maxChars {
		payload = payload[:q.maxChars] + "...<truncated>"
	}
	line, err := json.Marshal(quarantineEntry{
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Source:    source,
		Reason:    reason,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("encode quarantine entry: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return fmt.Errorf("quarantine dir: %w", err)
	}

	existing, err := os.ReadFile(q.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read quarantine: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(existing), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		lines = nil
	}
	lines = append(lines, string(line))
	if len(lines) > q.maxLines {
		lines = lines[len(lines)-q.maxLines:]
	}

	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("write quarantine: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("replace quarantine: %w", err)
	}
	return nil
}

// count returns the current number of quarantined entries.
func (q *quarantine) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		return 0
	}
	trimmed := strings.TrimRight(string(data), "\n")
	if trimmed == "" {
		return 0
	}
	return len(strings.Split(trimmed, "\n"))
}
