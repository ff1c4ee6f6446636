package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"kait/internal/bank"
	"kait/internal/evolution"
)

var evolutionCmd = &cobra.Command{
	Use:   "evolution",
	Short: "Inspect and manage the evolution state",
}

var evolutionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current stage and its metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(false)
		if err != nil {
			return err
		}
		defer rt.Close()

		stage := rt.Evolution.Stage()
		metrics := rt.Evolution.Metrics()
		next := evolution.StageByLevel(stage.Level + 1)

		fmt.Printf("stage %d: %s\n\n", stage.Level, stage.Name)
		fmt.Printf("interactions       %d\n", metrics.Interactions)
		fmt.Printf("corrections        %d\n", metrics.Corrections)
		fmt.Printf("reflection cycles  %d\n", metrics.ReflectionCycles)
		fmt.Printf("avg resonance      %.2f\n", metrics.AvgResonance)
		fmt.Printf("avg quality        %.2f\n", metrics.AvgQuality)

		if next.Level > stage.Level {
			fmt.Printf("\nnext stage %q needs: %d interactions, %d corrections, %d cycles, resonance %.2f, quality %.2f\n",
				next.Name, next.MinInteractions, next.MinCorrections, next.MinCycles,
				next.MinResonance, next.MinQuality)
		}
		return nil
	},
}

var timelineLimit int

var evolutionTimelineCmd = &cobra.Command{
	Use:   "timeline",
	Short: "List recorded evolution events, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(false)
		if err != nil {
			return err
		}
		defer rt.Close()

		events, err := rt.Bank.EvolutionTimeline(cmd.Context(), timelineLimit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("no evolution events yet")
			return nil
		}
		for _, ev := range events {
			ts := time.Unix(int64(ev.Timestamp), 0).Format("2006-01-02 15:04")
			fmt.Printf("%s  %-14s %s\n", dimText(ts), ev.Type, firstLine(ev.Description))
		}
		return nil
	},
}

var evolutionRollbackCmd = &cobra.Command{
	Use:   "rollback <event-id>",
	Short: "Record a rollback of a prior evolution event",
	Long:  "The timeline is append-only. A rollback does not rewrite history;\nit records a compensating event so reflection stops building on the\nrolled-back change.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(false)
		if err != nil {
			return err
		}
		defer rt.Close()

		confirm := promptui.Prompt{
			Label:     fmt.Sprintf("Roll back evolution %s", args[0]),
			IsConfirm: true,
		}
		if _, err := confirm.Run(); err != nil {
			fmt.Println("aborted")
			return nil
		}

		metrics, err := json.Marshal(rt.Evolution.Metrics())
		if err != nil {
			return err
		}
		id, err := rt.Bank.SaveEvolution(cmd.Context(), bank.Evolution{
			Type:          "rollback",
			Description:   fmt.Sprintf("rollback of %s", args[0]),
			MetricsBefore: metrics,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s rollback recorded (%s)\n", okMark("✓"), id)
		return nil
	},
}

func init() {
	evolutionTimelineCmd.Flags().IntVar(&timelineLimit, "limit", 20, "events to show")
	evolutionCmd.AddCommand(evolutionShowCmd, evolutionTimelineCmd, evolutionRollbackCmd)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
