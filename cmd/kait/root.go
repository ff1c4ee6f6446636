package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kait/internal/app"
	"kait/internal/config"
	"kait/internal/logging"
	"kait/internal/observability"
	"kait/internal/supervisor"
	"kait/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "kait",
	Short:   "Self-evolving AI sidekick",
	Long:    "Kait runs a local stack of workers around a reasoning bank:\nan ingest daemon, a queue bridge, a background scheduler, a pulse\ndashboard and an optional chat-room worker. This CLI starts and stops\nthe stack, chats with the sidekick and inspects what it has learned.",
	Version: version.Version,

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(
		startCmd, stopCmd, statusCmd, checkCmd,
		chatCmd, reportCmd, ingestCmd, evolutionCmd,
	)
}

// Execute runs the root command and maps failure to a nonzero exit.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kait: %v\n", err)
		os.Exit(1)
	}
}

// cliLogger logs warnings and errors to stderr; CLI commands stay quiet
// unless something is wrong.
func cliLogger() logging.Logger {
	structured := observability.NewLogger(observability.LogConfig{
		Level:  "warn",
		Format: "text",
		Output: os.Stderr,
	})
	return logging.FromObservability(structured, "cli")
}

// newSupervisor builds the supervisor over the configured worker set.
func newSupervisor(cfg config.Config) *supervisor.Supervisor {
	return supervisor.New(supervisor.Options{
		Workers:       supervisor.DefaultWorkers(cfg.Supervisor.MatrixEnabled),
		Logger:        cliLogger(),
		StopGrace:     cfg.Supervisor.StopGrace,
		OllamaBaseURL: cfg.Ollama.BaseURL(),
	})
}

// openRuntime assembles the in-process runtime for commands that talk
// to the bank and the gateway directly instead of going through kaitd.
func openRuntime(withMind bool) (*app.App, error) {
	if _, err := config.EnsureStateDir(); err != nil {
		return nil, err
	}
	return app.New(app.Options{
		Logger:   cliLogger(),
		WithMind: withMind,
	})
}
