package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Heartbeat is the liveness record a worker rewrites periodically.
type Heartbeat struct {
	Timestamp float64        `json:"timestamp"`
	Status    string         `json:"status"`
	PID       int            `json:"pid"`
	Counters  map[string]int `json:"counters,omitempty"`
}

// WriteHeartbeat atomically replaces the heartbeat file.
func WriteHeartbeat(path string, hb Heartbeat) error {
	if hb.Timestamp == 0 {
		hb.Timestamp = float64(time.Now().UnixNano()) / 1e9
	}
	if hb.PID == 0 {
		hb.PID = os.Getpid()
	}
	if hb.Status == "" {
		hb.Status = "running"
	}
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace heartbeat: %w", err)
	}
	return nil
}

// ReadHeartbeat loads a heartbeat file; a missing file yields nil.
func ReadHeartbeat(path string) (*Heartbeat, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read heartbeat: %w", err)
	}
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, fmt.Errorf("decode heartbeat: %w", err)
	}
	return &hb, nil
}

// HeartbeatAge returns the age of the heartbeat, or -1 when absent.
func HeartbeatAge(path string) float64 {
	hb, err := ReadHeartbeat(path)
	if err != nil || hb == nil {
		return -1
	}
	age := float64(time.Now().UnixNano())/1e9 - hb.Timestamp
	if age < 0 {
		age = 0
	}
	return age
}

// Beat rewrites the heartbeat every interval until the context ends.
// counters is sampled on every tick so workers can expose live totals.
func Beat(ctx context.Context, path string, interval time.Duration, counters func() map[string]int) {
	write := func() {
		var c map[string]int
		if counters != nil {
			c = counters()
		}
		_ = WriteHeartbeat(path, Heartbeat{Counters: c})
	}
	write()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			write()
		}
	}
}
