package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"kait/internal/config"
	"kait/internal/supervisor"
)

var (
	okMark   = color.New(color.FgGreen).SprintFunc()
	failMark = color.New(color.FgRed).SprintFunc()
	warnMark = color.New(color.FgYellow).SprintFunc()
	dimText  = color.New(color.Faint).SprintFunc()
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run preflight checks and start the worker stack",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if _, err := config.EnsureStateDir(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sup := newSupervisor(cfg)
		results := sup.Preflight(ctx)
		printChecks(results)
		if !supervisor.PreflightOK(results) {
			return fmt.Errorf("preflight failed, not starting")
		}

		if msg, err := sup.EnsureOllama(ctx); err != nil {
			fmt.Printf("%s ollama: %v\n", warnMark("!"), err)
		} else if msg != "" {
			fmt.Printf("%s %s\n", okMark("✓"), msg)
		}

		if err := sup.StartAll(ctx); err != nil {
			return err
		}
		// Workers need a beat before their heartbeats show up.
		time.Sleep(500 * time.Millisecond)
		printStatuses(sup.StatusAll())
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop all running workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		sup := newSupervisor(cfg)
		if err := sup.StopAll(); err != nil {
			return err
		}
		fmt.Println("stack stopped")
		return nil
	},
}

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worker status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		sup := newSupervisor(cfg)
		if statusWatch {
			return watchStatus(sup, cfg.Supervisor.HeartbeatInterval)
		}
		printStatuses(sup.StatusAll())
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run preflight checks without starting anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		results := newSupervisor(cfg).Preflight(ctx)
		printChecks(results)
		if !supervisor.PreflightOK(results) {
			return fmt.Errorf("preflight failed")
		}
		fmt.Println("all checks passed")
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "refresh continuously")
}

func printChecks(results []supervisor.CheckResult) {
	for _, r := range results {
		mark := okMark("✓")
		if !r.OK {
			mark = warnMark("!")
			if r.Fatal {
				mark = failMark("✗")
			}
		}
		fmt.Printf("%s %-12s %s\n", mark, r.Name, dimText(r.Detail))
	}
}

func printStatuses(statuses []supervisor.Status) {
	for _, st := range statuses {
		state := failMark("stopped")
		detail := ""
		beat := "no heartbeat"
		if st.HeartbeatAgeS >= 0 {
			beat = fmt.Sprintf("heartbeat %.0fs ago", st.HeartbeatAgeS)
		}
		if st.Running {
			state = okMark("running")
			if st.HeartbeatAgeS < 0 {
				state = warnMark("running")
			}
			detail = fmt.Sprintf("pid %d, %s", st.PID, beat)
		}
		fmt.Printf("%-10s %s  %s\n", st.Name, state, dimText(detail))
	}
}
