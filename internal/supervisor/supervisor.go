// Package supervisor is the process-lifecycle authority: it starts,
// stops and inspects the long-running workers, owns their PID locks
// and heartbeat files, and houses the watchdog restart policy.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"kait/internal/config"
	kaiterrors "kait/internal/errors"
	"kait/internal/logging"
)

// Worker describes one supervised process.
type Worker struct {
	Name   string
	Binary string
	Args   []string

	// Tier orders startup: lower tiers start first, stop last.
	Tier int

	// Core workers stay restartable in plugin-only mode.
	Core bool
}

// DefaultWorkers is the managed set in dependency order: the ingest
// daemon first, the consumers of it next, the watchdog last because it
// monitors the rest.
func DefaultWorkers(matrixEnabled bool) []Worker {
	workers := []Worker{
		{Name: "kaitd", Binary: "kaitd", Tier: 0, Core: true},
		{Name: "bridge", Binary: "kait-bridge", Tier: 1},
		{Name: "scheduler", Binary: "kait-worker", Tier: 1, Core: true},
		{Name: "pulse", Binary: "kait-pulse", Tier: 1},
	}
	if matrixEnabled {
		workers = append(workers, Worker{Name: "matrix", Binary: "kait-matrix", Tier: 1})
	}
	return append(workers, Worker{Name: "watchdog", Binary: "kait-watchdog", Tier: 2})
}

// SpawnFunc launches a worker detached and returns its pid.
type SpawnFunc func(w Worker, logPath string) (int, error)

// Status is the inspection view of one worker.
type Status struct {
	Name          string  `json:"name"`
	Running       bool    `json:"running"`
	PID           int     `json:"pid"`
	PIDAlive      bool    `json:"pid_alive"`
	HeartbeatAgeS float64 `json:"heartbeat_age_seconds"`
	LogPath       string  `json:"log_path"`
}

// Options wires a Supervisor.
type Options struct {
	// Dir is the state directory; empty means the user default.
	Dir     string
	Workers []Worker
	Logger  logging.Logger

	StopGrace     time.Duration
	OllamaBaseURL string

	// Spawn overrides process launching, mainly for tests.
	Spawn SpawnFunc
}

// Supervisor manages the worker set.
type Supervisor struct {
	dir       string
	workers   []Worker
	logger    logging.Logger
	stopGrace time.Duration
	ollamaURL string
	spawn     SpawnFunc
}

// New builds a Supervisor over the default or given worker set.
func New(opts Options) *Supervisor {
	dir := opts.Dir
	if dir == "" {
		dir = config.StateDir()
	}
	workers := opts.Workers
	if len(workers) == 0 {
		workers = DefaultWorkers(false)
	}
	grace := opts.StopGrace
	if grace <= 0 {
		grace = config.DefaultStopGrace
	}
	s := &Supervisor{
		dir:       dir,
		workers:   workers,
		logger:    logging.OrNop(opts.Logger),
		stopGrace: grace,
		ollamaURL: opts.OllamaBaseURL,
		spawn:     opts.Spawn,
	}
	if s.spawn == nil {
		s.spawn = s.spawnDetached
	}
	return s
}

// Workers returns the managed set.
func (s *Supervisor) Workers() []Worker { return s.workers }

func (s *Supervisor) worker(name string) (Worker, bool) {
	for _, w := range s.workers {
		if w.Name == name {
			return w, true
		}
	}
	return Worker{}, false
}

func (s *Supervisor) lockPath(name string) string {
	return filepath.Join(s.dir, "pids", name+".lock")
}

func (s *Supervisor) heartbeatPath(name string) string {
	return filepath.Join(s.dir, name+"_heartbeat.json")
}

func (s *Supervisor) logPath(name string) string {
	return filepath.Join(s.dir, "logs", name+".log")
}

// Start launches one worker and returns its pid. A live lock means it
// is already running; that is a no-op returning the holder's pid. A
// stale lock is reclaimed.
func (s *Supervisor) Start(name string) (int, error) {
	w, ok := s.worker(name)
	if !ok {
		return 0, fmt.Errorf("unknown worker %q", name)
	}
	if err := os.MkdirAll(filepath.Join(s.dir, "logs"), 0o755); err != nil {
		return 0, fmt.Errorf("log dir: %w", err)
	}
	if holder, err := readLock(s.lockPath(name)); err == nil && pidAlive(holder) {
		s.logger.Info("%s already running (pid %d)", name, holder)
		return holder, nil
	}

	pid, err := s.spawn(w, s.logPath(name))
	if err != nil {
		return 0, fmt.Errorf("spawn %s: %w: %v", name, kaiterrors.ErrStartFailed, err)
	}
	if err := acquireLock(s.lockPath(name), pid); err != nil {
		// Lost the race: another instance holds the lock, ours must go.
		s.killPid(pid)
		return 0, err
	}
	s.logger.Info("started %s (pid %d)", name, pid)
	return pid, nil
}

// Stop terminates one worker: SIGTERM, a bounded grace poll, then
// SIGKILL. Lock and heartbeat files are removed either way.
func (s *Supervisor) Stop(name string) error {
	lockPath := s.lockPath(name)
	pid, err := readLock(lockPath)
	if err != nil && !os.IsNotExist(err) {
		s.logger.Warn("unreadable lock for %s: %v", name, err)
	}

	if pid > 0 && pidAlive(pid) {
		proc, _ := os.FindProcess(pid)
		if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warn("terminate %s (pid %d): %v", name, pid, err)
		}
		deadline := time.Now().Add(s.stopGrace)
		for pidAlive(pid) && time.Now().Before(deadline) {
			time.Sleep(250 * time.Millisecond)
		}
		if pidAlive(pid) {
			s.logger.Warn("%s (pid %d) ignored SIGTERM, killing", name, pid)
			s.killPid(pid)
		}
	}

	if err := releaseLock(lockPath); err != nil {
		return err
	}
	if err := os.Remove(s.heartbeatPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove heartbeat: %w", err)
	}
	s.logger.Info("stopped %s", name)
	return nil
}

func (s *Supervisor) killPid(pid int) {
	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Signal(syscall.SIGKILL)
	}
}

// Status inspects one worker without touching it.
func (s *Supervisor) Status(name string) Status {
	st := Status{Name: name, LogPath: s.logPath(name)}
	pid, err := readLock(s.lockPath(name))
	if err == nil {
		st.PID = pid
		st.PIDAlive = pidAlive(pid)
	}
	st.HeartbeatAgeS = HeartbeatAge(s.heartbeatPath(name))
	st.Running = st.PIDAlive
	return st
}

// StatusAll inspects every managed worker in tier order.
func (s *Supervisor) StatusAll() []Status {
	out := make([]Status, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, s.Status(w.Name))
	}
	return out
}

// StartAll starts tiers in dependency order, workers within a tier in
// parallel. A worker already running is not an error.
func (s *Supervisor) StartAll(ctx context.Context) error {
	for _, tier := range s.tiers() {
		g, _ := errgroup.WithContext(ctx)
		for _, w := range tier {
			w := w
			g.Go(func() error {
				_, err := s.Start(w.Name)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops tiers in reverse dependency order.
func (s *Supervisor) StopAll() error {
	tiers := s.tiers()
	var firstErr error
	for i := len(tiers) - 1; i >= 0; i-- {
		for _, w := range tiers[i] {
			if err := s.Stop(w.Name); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// tiers groups the workers by tier, ascending.
func (s *Supervisor) tiers() [][]Worker {
	byTier := make(map[int][]Worker)
	for _, w := range s.workers {
		byTier[w.Tier] = append(byTier[w.Tier], w)
	}
	levels := make([]int, 0, len(byTier))
	for level := range byTier {
		levels = append(levels, level)
	}
	sort.Ints(levels)
	out := make([][]Worker, 0, len(levels))
	for _, level := range levels {
		out = append(out, byTier[level])
	}
	return out
}

// EnsureOllama treats the local LLM daemon as a managed dependency:
// reachable means "already_running", otherwise it is started detached.
func (s *Supervisor) EnsureOllama(ctx context.Context) (string, error) {
	if s.ollamaReachable(ctx) {
		return "already_running", nil
	}
	pid, err := s.spawn(Worker{Name: "ollama", Binary: "ollama", Args: []string{"serve"}}, s.logPath("ollama"))
	if err != nil {
		return "", fmt.Errorf("start ollama: %w: %v", kaiterrors.ErrStartFailed, err)
	}
	return fmt.Sprintf("started:%d", pid), nil
}

func (s *Supervisor) ollamaReachable(ctx context.Context) bool {
	if s.ollamaURL == "" {
		return false
	}
	reqCtx, cancel := context.WithTimeout(ctx, config.DefaultHealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.ollamaURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// spawnDetached is the production SpawnFunc: a new session with output
// appended to the worker's log.
func (s *Supervisor) spawnDetached(w Worker, logPath string) (int, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log: %w", err)
	}
	defer logFile.Close()

	binary := w.Binary
	// Prefer a sibling of the current executable over PATH.
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), w.Binary)
		if _, err := os.Stat(sibling); err == nil {
			binary = sibling
		}
	}

	cmd := exec.Command(binary, w.Args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// Reap the child when it exits so it never zombies.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}
