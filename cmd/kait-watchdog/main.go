// kait-watchdog monitors the other workers' locks and heartbeats and
// restarts the dead or stale ones under a bounded policy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"kait/internal/config"
	"kait/internal/logging"
	"kait/internal/supervisor"
	"kait/internal/version"
)

const workerName = "watchdog"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kait-watchdog: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if _, err := config.EnsureStateDir(); err != nil {
		return err
	}

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

	sup := supervisor.New(supervisor.Options{
		Workers:       supervisor.DefaultWorkers(cfg.Supervisor.MatrixEnabled),
		Logger:        logger,
		StopGrace:     cfg.Supervisor.StopGrace,
		OllamaBaseURL: cfg.Ollama.BaseURL(),
	})
	dog := supervisor.NewWatchdog(sup, supervisor.WatchdogOptions{
		HeartbeatInterval: cfg.Supervisor.HeartbeatInterval,
		RestartMax:        cfg.Supervisor.RestartMax,
		RestartWindow:     cfg.Supervisor.RestartWindow,
	})

	go supervisor.Beat(ctx, config.HeartbeatPath(workerName), cfg.Supervisor.HeartbeatInterval, nil)

	logger.Info("%s watchdog running", version.String())
	dog.Run(ctx)
	return nil
}
