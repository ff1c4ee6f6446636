// kaitd is the ingest daemon: it owns the event queue file and serves
// POST /ingest, GET /health and GET /metrics on the loopback interface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"kait/internal/config"
	"kait/internal/logging"
	"kait/internal/queue"
	"kait/internal/server"
	"kait/internal/supervisor"
	"kait/internal/version"
)

const workerName = "kaitd"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kaitd: %v\n", err)
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

	q := queue.Open(config.EventQueuePath())

	token := config.IngestToken(cfg.Ingest.Token)
	if token == "" {
		return fmt.Errorf("no ingest token configured (set KAITD_TOKEN or write %s)", config.IngestTokenPath())
	}

	srv, err := server.New(server.Options{
		Token:              token,
		Queue:              q,
		Logger:             logger,
		RatePerMinute:      cfg.Ingest.RatePerMinute,
		QuarantinePath:     config.QuarantinePath(),
		QuarantineMaxLines: cfg.Ingest.QuarantineMaxLines,
		QuarantineMaxChars: cfg.Ingest.QuarantineMaxChars,
	})
	if err != nil {
		return err
	}

	go supervisor.Beat(ctx, config.HeartbeatPath(workerName), cfg.Supervisor.HeartbeatInterval, func() map[string]int {
		stats, err := q.Stats()
		if err != nil {
			return nil
		}
		return map[string]int{"queued_events": stats.EventCount}
	})

	addr := fmt.Sprintf("%s:%d", config.LocalHost, config.KaitdPort())
	logger.Info("%s listening on %s", version.String(), addr)
	return srv.Run(ctx, addr)
}
