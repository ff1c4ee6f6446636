// kait-bridge drains the ingest queue and dispatches message events
// through the agent registry, turning queued transport input into
// recorded interactions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"kait/internal/agent"
	"kait/internal/app"
	"kait/internal/config"
	"kait/internal/logging"
	"kait/internal/queue"
	"kait/internal/supervisor"
	"kait/internal/version"
)

const (
	workerName   = "bridge"
	pollInterval = 2 * time.Second
	drainBatch   = 100
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kait-bridge: %v\n", err)
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

	b := &bridge{
		queue:    rt.Queue,
		registry: rt.Agents,
		logger:   logger,
	}

	go supervisor.Beat(ctx, config.HeartbeatPath(workerName), rt.Config.Supervisor.HeartbeatInterval, b.counters)

	logger.Info("%s bridge draining %s", version.String(), config.EventQueuePath())
	b.loop(ctx)
	return nil
}

type bridge struct {
	queue    *queue.Queue
	registry *agent.Registry
	logger   logging.Logger

	mu        sync.Mutex
	processed int
	skipped   int
	failed    int
}

func (b *bridge) counters() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]int{
		"processed": b.processed,
		"skipped":   b.skipped,
		"failed":    b.failed,
	}
}

func (b *bridge) loop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.drainOnce(ctx)
		}
	}
}

// drainOnce reads one batch, dispatches it, and commits the offset only
// after the whole batch is handled. A crash mid-batch replays events
// rather than losing them.
func (b *bridge) drainOnce(ctx context.Context) {
	events, offset, err := b.queue.Drain(drainBatch)
	if err != nil {
		b.logger.Error("drain queue: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}

	for _, ev := range events {
		if ctx.Err() != nil {
			return
		}
		b.handle(ctx, ev)
	}

	if err := b.queue.Commit(offset); err != nil {
		b.logger.Error("commit queue offset: %v", err)
	}
}

func (b *bridge) handle(ctx context.Context, ev queue.Event) {
	if ev.Type != "message" {
		b.logger.Debug("skipping %q event from %s", ev.Type, ev.Source)
		b.mu.Lock()
		b.skipped++
		b.mu.Unlock()
		return
	}

	_, err := b.registry.Dispatch(ctx, agent.Request{
		Text:      ev.Text,
		SessionID: ev.SessionID,
		Source:    ev.Source,
		Sender:    ev.Sender,
		Meta:      ev.Meta,
	})
	b.mu.Lock()
	if err != nil {
		b.failed++
	} else {
		b.processed++
	}
	b.mu.Unlock()
	if err != nil {
		b.logger.Error("dispatch queued message: %v", err)
	}
}
