package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"kait/internal/config"
)

// WatchdogOptions tunes the restart loop.
type WatchdogOptions struct {
	// CheckInterval is how often workers are inspected.
	CheckInterval time.Duration
	// HeartbeatInterval is the expected beat period; a worker is stale
	// past twice this.
	HeartbeatInterval time.Duration
	// RestartMax bounds restarts per worker inside RestartWindow.
	RestartMax    int
	RestartWindow time.Duration
	// PluginOnly restricts restarts to core workers. The env var and
	// sentinel file are also honoured at check time.
	PluginOnly bool

	now func() time.Time
}

// Watchdog detects stale or dead workers and restarts them under a
// bounded policy.
type Watchdog struct {
	sup  *Supervisor
	opts WatchdogOptions

	restarts map[string][]time.Time
	now      func() time.Time
}

// NewWatchdog builds a watchdog over a supervisor.
func NewWatchdog(sup *Supervisor, opts WatchdogOptions) *Watchdog {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = config.DefaultHeartbeatInterval
	}
	if opts.RestartMax <= 0 {
		opts.RestartMax = 5
	}
	if opts.RestartWindow <= 0 {
		opts.RestartWindow = 10 * time.Minute
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}
	return &Watchdog{
		sup:      sup,
		opts:     opts,
		restarts: make(map[string][]time.Time),
		now:      now,
	}
}

// Run checks until the context ends.
func (d *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Check()
		}
	}
}

// Check inspects every worker except the watchdog itself and restarts
// the dead and the stale.
func (d *Watchdog) Check() {
	pluginOnly := d.pluginOnly()
	for _, w := range d.sup.Workers() {
		if w.Name == "watchdog" {
			continue
		}
		if pluginOnly && !w.Core {
			continue
		}

		st := d.sup.Status(w.Name)
		stale := st.HeartbeatAgeS >= 0 && st.HeartbeatAgeS > 2*d.opts.HeartbeatInterval.Seconds()
		if st.Running && !stale {
			continue
		}

		if !d.allowRestart(w.Name) {
			d.sup.logger.Error("%s is down but hit the restart cap, leaving it down", w.Name)
			continue
		}
		d.sup.logger.Warn("restarting %s (running=%v heartbeat_age=%.0fs)", w.Name, st.Running, st.HeartbeatAgeS)
		if st.Running {
			if err := d.sup.Stop(w.Name); err != nil {
				d.sup.logger.Error("stop %s before restart: %v", w.Name, err)
			}
		} else {
			// Clear leftovers of the dead instance.
			_ = releaseLock(d.sup.lockPath(w.Name))
		}
		if _, err := d.sup.Start(w.Name); err != nil {
			d.sup.logger.Error("restart %s: %v", w.Name, err)
		}
	}
}

// allowRestart records one restart attempt and enforces the rolling
// window cap.
func (d *Watchdog) allowRestart(name string) bool {
	now := d.now()
	cutoff := now.Add(-d.opts.RestartWindow)
	kept := d.restarts[name][:0]
	for _, t := range d.restarts[name] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= d.opts.RestartMax {
		d.restarts[name] = kept
		return false
	}
	d.restarts[name] = append(kept, now)
	return true
}

// pluginOnly folds the static option with the env var and the sentinel
// file, both re-read every check so the mode can flip at runtime.
func (d *Watchdog) pluginOnly() bool {
	if d.opts.PluginOnly {
		return true
	}
	if config.Truthy(os.Getenv("KAIT_PLUGIN_ONLY")) {
		return true
	}
	_, err := os.Stat(filepath.Join(d.sup.dir, "plugin_only_mode"))
	return err == nil
}
