package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	kaiterrors "kait/internal/errors"
)

// acquireLock takes the single-instance lock for a worker by creating
// the lock file exclusively with the owning pid inside. A lock left by
// a dead process is reclaimed.
func acquireLock(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("lock dir: %w", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", pid)
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(path)
				return fmt.Errorf("write lock: %w", werr)
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create lock: %w", err)
		}

		holder, rerr := readLock(path)
		if rerr == nil && holder > 0 && pidAlive(holder) {
			return fmt.Errorf("lock %s held by pid %d: %w", filepath.Base(path), holder, kaiterrors.ErrLockHeld)
		}
		// Stale or unreadable lock: reclaim and retry once.
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return fmt.Errorf("reclaim stale lock: %w", rerr)
		}
	}
	return fmt.Errorf("lock %s: %w", filepath.Base(path), kaiterrors.ErrLockHeld)
}

// AcquireLock takes a single-instance lock for the calling process.
// Standalone workers use this to guard against double starts outside
// the supervisor.
func AcquireLock(path string) error { return acquireLock(path, os.Getpid()) }

// ReleaseLock drops a lock taken with AcquireLock.
func ReleaseLock(path string) error { return releaseLock(path) }

// releaseLock removes the lock file.
func releaseLock(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// readLock returns the pid recorded in a lock file.
func readLock(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse lock pid: %w", err)
	}
	return pid, nil
}

// pidAlive reports whether a process exists. Signal 0 probes without
// delivering anything; EPERM still means the process is there.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
