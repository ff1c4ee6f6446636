// kait-pulse serves the status dashboard: the HTML page, the JSON
// aggregation APIs, and the websocket status push.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"kait/internal/app"
	"kait/internal/config"
	"kait/internal/logging"
	"kait/internal/pulse"
	"kait/internal/supervisor"
	"kait/internal/version"
)

const workerName = "pulse"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kait-pulse: %v\n", err)
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

	sup := supervisor.New(supervisor.Options{
		Workers:       supervisor.DefaultWorkers(rt.Config.Supervisor.MatrixEnabled),
		Logger:        logger,
		OllamaBaseURL: rt.Config.Ollama.BaseURL(),
	})

	srv := pulse.New(pulse.Options{
		Supervisor:   sup,
		Observer:     rt.Observer,
		Providers:    rt.Gateway,
		Queue:        rt.Queue,
		Bank:         rt.Bank,
		Evolution:    rt.Evolution,
		Reflect:      rt.Reflect,
		Logger:       logger,
		KaitdBaseURL: config.KaitdURL(),
	})

	go supervisor.Beat(ctx, config.HeartbeatPath(workerName), rt.Config.Supervisor.HeartbeatInterval, nil)

	addr := fmt.Sprintf("%s:%d", config.LocalHost, config.PulsePort())
	logger.Info("%s pulse on %s", version.String(), addr)
	return srv.Run(ctx, addr)
}
