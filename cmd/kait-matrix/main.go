// kait-matrix is the chat-room inbox worker: it accepts messages over
// HTTP POST /inbox, dispatches them through the agent registry, and
// logs replies for the transport adapter to pick up.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"kait/internal/app"
	"kait/internal/config"
	"kait/internal/logging"
	"kait/internal/matrix"
	"kait/internal/supervisor"
	"kait/internal/version"
)

const workerName = "matrix"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kait-matrix: %v\n", err)
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

	rt, err := app.New(app.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()

	worker, err := matrix.NewWorker(matrix.Options{
		Dispatcher:    rt.Agents,
		Logger:        logger,
		HeartbeatPath: config.HeartbeatPath(workerName),
	})
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", config.LocalHost, config.MatrixWorkerPort())
	logger.Info("%s matrix inbox on %s", version.String(), addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { worker.Run(gctx); return nil })
	g.Go(func() error { worker.Beat(gctx, rt.Config.Supervisor.HeartbeatInterval); return nil })
	g.Go(func() error { return worker.Serve(gctx, addr) })
	return g.Wait()
}
