package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// StateDir returns the per-user state directory. KAIT_HOME overrides the
// default ~/.kait.
func StateDir() string {
	if dir := os.Getenv("KAIT_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kait"
	}
	return filepath.Join(home, ".kait")
}

// EnsureStateDir creates the state directory tree (pids/, logs/, mind/).
func EnsureStateDir() (string, error) {
	dir := StateDir()
	for _, sub := range []string{"", "pids", "logs", "mind"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create state dir: %w", err)
		}
	}
	return dir, nil
}

// Well-known paths inside the state directory.

func BankPath() string           { return filepath.Join(StateDir(), "sidekick.db") }
func BreakerStatePath() string   { return filepath.Join(StateDir(), "llm_health_state.json") }
func CostLedgerPath() string     { return filepath.Join(StateDir(), "llm_costs.db") }
func CallLogPath() string        { return filepath.Join(StateDir(), "logs", "llm_calls.jsonl") }
func QuarantinePath() string     { return filepath.Join(StateDir(), "invalid_events.jsonl") }
func EvolutionStatePath() string { return filepath.Join(StateDir(), "sidekick_evolution.json") }
func EventQueuePath() string     { return filepath.Join(StateDir(), "events.jsonl") }
func IngestTokenPath() string    { return filepath.Join(StateDir(), "kaitd.token") }
func MindDir() string            { return filepath.Join(StateDir(), "mind") }
func PIDDir() string             { return filepath.Join(StateDir(), "pids") }

// PIDLockPath returns the single-instance lock file for a worker.
func PIDLockPath(worker string) string {
	return filepath.Join(PIDDir(), worker+".lock")
}

// HeartbeatPath returns the heartbeat file for a worker.
func HeartbeatPath(worker string) string {
	return filepath.Join(StateDir(), worker+"_heartbeat.json")
}

// WorkerLogPath returns the log file for a worker.
func WorkerLogPath(worker string) string {
	return filepath.Join(StateDir(), "logs", worker+".log")
}

// PluginOnlySentinelPath is the sentinel file that forces plugin-only mode.
func PluginOnlySentinelPath() string {
	return filepath.Join(StateDir(), "plugin_only_mode")
}
