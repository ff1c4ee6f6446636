package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"kait/internal/ingest"
)

var (
	ingestURL   string
	ingestToken string
	ingestBatch int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Forward NDJSON events from stdin to the ingest daemon",
	Long:  "Reads one JSON event per line from stdin, validates each locally\nand posts them to kaitd in batches. Transport adapters pipe their\noutput here.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client := ingest.NewClient(ingest.Options{
			BaseURL:   ingestURL,
			Token:     ingestToken,
			BatchSize: ingestBatch,
			Logger:    cliLogger(),
		})

		tally, err := client.Run(ctx, os.Stdin)
		fmt.Printf("sent %d, bad %d, rejected %d\n", tally.Sent, tally.Bad, tally.Rejected)
		return err
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestURL, "url", "", "kaitd base URL (default: local daemon)")
	ingestCmd.Flags().StringVar(&ingestToken, "token", "", "bearer token (default: KAITD_TOKEN or the token file)")
	ingestCmd.Flags().IntVar(&ingestBatch, "batch", 0, "events per request")
}
