package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"kait/internal/app"
)

var reportPeriod string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render an intelligence and spend report",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(false)
		if err != nil {
			return err
		}
		defer rt.Close()

		md, err := buildReport(cmd.Context(), rt, reportPeriod)
		if err != nil {
			return err
		}

		width := 100
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 40 {
			width = w
		}
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			// A markdown report is still a report.
			fmt.Println(md)
			return nil
		}
		out, err := renderer.Render(md)
		if err != nil {
			fmt.Println(md)
			return nil
		}
		fmt.Print(out)
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportPeriod, "period", "24h", "spend window: 1h, 24h, 7d or 30d")
}

func buildReport(ctx context.Context, rt *app.App, period string) (string, error) {
	stats, err := rt.Bank.Stats(ctx)
	if err != nil {
		return "", err
	}
	metrics := rt.Evolution.Metrics()
	stage := rt.Evolution.Stage()

	var b strings.Builder
	fmt.Fprintf(&b, "# Kait Report\n\n")
	fmt.Fprintf(&b, "## Evolution\n\n")
	fmt.Fprintf(&b, "Stage %d, **%s**.\n\n", stage.Level, stage.Name)
	fmt.Fprintf(&b, "| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Interactions | %d |\n", metrics.Interactions)
	fmt.Fprintf(&b, "| Corrections | %d |\n", metrics.Corrections)
	fmt.Fprintf(&b, "| Reflection cycles | %d |\n", metrics.ReflectionCycles)
	fmt.Fprintf(&b, "| Avg resonance | %.2f |\n", metrics.AvgResonance)
	fmt.Fprintf(&b, "| Avg quality | %.2f |\n\n", metrics.AvgQuality)

	fmt.Fprintf(&b, "## Reasoning Bank\n\n")
	fmt.Fprintf(&b, "%d interactions across %d sessions, %d learned contexts, %d active behavior rules.\n",
		stats.Interactions, stats.DistinctSessions, stats.Contexts, stats.BehaviorRules)
	fmt.Fprintf(&b, "%d corrections recorded, applied %d times. %d archives.\n\n",
		stats.Corrections, stats.CorrectionsApplied, stats.Archives)
	if len(stats.HotContexts) > 0 {
		fmt.Fprintf(&b, "Hottest contexts:\n\n")
		for _, hc := range stats.HotContexts {
			fmt.Fprintf(&b, "- `%s` (%d hits)\n", hc.Key, hc.AccessCount)
		}
		fmt.Fprintf(&b, "\n")
	}

	summary, err := rt.Costs.CostSummary(ctx, period)
	if err != nil {
		return "", err
	}
	lifetime, err := rt.Costs.LifetimeCost(ctx)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "## Spend (%s)\n\n", period)
	fmt.Fprintf(&b, "%d calls, %d tokens, $%.4f. Lifetime $%.4f.\n\n",
		summary.Calls, summary.Tokens, summary.CostUSD, lifetime)
	if len(summary.ByProvider) > 0 {
		fmt.Fprintf(&b, "| Provider | Calls | Tokens | Cost |\n|---|---|---|---|\n")
		providers := make([]string, 0, len(summary.ByProvider))
		for p := range summary.ByProvider {
			providers = append(providers, p)
		}
		sort.Strings(providers)
		for _, p := range providers {
			r := summary.ByProvider[p]
			fmt.Fprintf(&b, "| %s | %d | %d | $%.4f |\n", p, r.Calls, r.TotalTokens, r.CostUSD)
		}
		fmt.Fprintf(&b, "\n")
	}

	life := rt.Observer.Lifetime()
	fmt.Fprintf(&b, "## Gateway\n\n")
	fmt.Fprintf(&b, "%d calls observed this run, %d errors.\n", life.TotalCalls, life.TotalErrors)

	return b.String(), nil
}
