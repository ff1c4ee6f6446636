// kait-worker is the background scheduler: reflection cycles, archive
// rounds, mind sync, breaker snapshots, cost ledger sync and queue
// rotation all run here on cron schedules.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"

	"kait/internal/app"
	"kait/internal/config"
	"kait/internal/logging"
	"kait/internal/supervisor"
	"kait/internal/version"
)

const workerName = "scheduler"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kait-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := logging.NewFileLogger(config.WorkerLogPath(workerName), logging.FileOptions{})
	if err != nil {
		return err
	}
	defer logger.Close()

	lockPath := config.PIDLockPath(workerName)
	if err := supervisor.AcquireLock(lockPath); err != nil {
		return err
	}
	defer supervisor.ReleaseLock(lockPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.New(app.Options{Logger: logger, WithMind: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	s := &scheduler{rt: rt, logger: logger, counters: make(map[string]int)}

	c := cron.New()
	jobs := []struct {
		spec string
		name string
		fn   func(context.Context) error
	}{
		{"@every 5m", "reflection", s.reflection},
		{"@every 1h", "archive", s.archive},
		{"@every 10m", "mind_sync", s.mindSync},
		{"@every 1m", "breaker_snapshot", s.breakerSnapshot},
		{"@every 5m", "cost_sync", s.costSync},
		{"@every 1h", "queue_rotation", s.queueRotation},
	}
	for _, job := range jobs {
		job := job
		if _, err := c.AddFunc(job.spec, func() { s.runJob(ctx, job.name, job.fn) }); err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}

	go supervisor.Beat(ctx, config.HeartbeatPath(workerName), rt.Config.Supervisor.HeartbeatInterval, s.snapshot)

	logger.Info("%s scheduler started (%d jobs)", version.String(), len(jobs))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

type scheduler struct {
	rt     *app.App
	logger logging.Logger

	mu       sync.Mutex
	counters map[string]int
}

func (s *scheduler) runJob(ctx context.Context, name string, fn func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	if err := fn(ctx); err != nil {
		s.logger.Error("%s: %v", name, err)
		s.bump(name + "_errors")
		return
	}
	s.bump(name + "_runs")
}

func (s *scheduler) bump(key string) {
	s.mu.Lock()
	s.counters[key]++
	s.mu.Unlock()
}

func (s *scheduler) snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

func (s *scheduler) reflection(ctx context.Context) error {
	report, err := s.rt.Reflect.RunIfDue(ctx)
	if err != nil {
		return err
	}
	if report != nil {
		s.logger.Info("reflection cycle: %d insights, %d proposed rules", len(report.Insights), len(report.ProposedRules))
	}
	return nil
}

func (s *scheduler) archive(ctx context.Context) error {
	res, err := s.rt.Archive.RunCycle(ctx)
	if err != nil {
		return err
	}
	if res.Interactions > 0 {
		s.logger.Info("archived %d interactions into %d batches", res.Interactions, len(res.ArchiveIDs))
	}
	return nil
}

func (s *scheduler) mindSync(ctx context.Context) error {
	n, err := s.rt.Mind.Sync(ctx, s.rt.Bank)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("mind sync: %d archives indexed", n)
	}
	return nil
}

func (s *scheduler) breakerSnapshot(context.Context) error {
	return s.rt.Breakers.Save(config.BreakerStatePath())
}

func (s *scheduler) costSync(ctx context.Context) error {
	n, err := s.rt.Costs.SyncFromObserver(ctx, s.rt.Observer)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Debug("cost sync: %d call records", n)
	}
	return nil
}

// queueRotation rotates the event queue once the bridge has drained it
// past the size threshold.
func (s *scheduler) queueRotation(context.Context) error {
	stats, err := s.rt.Queue.Stats()
	if err != nil {
		return err
	}
	if !stats.NeedsRotation {
		return nil
	}
	if err := s.rt.Queue.Rotate(); err != nil {
		s.logger.Warn("queue rotation deferred: %v", err)
		return nil
	}
	s.logger.Info("rotated event queue (%.1f MB)", stats.SizeMB)
	return nil
}
