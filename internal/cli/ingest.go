package cli

import (
	"github.com/spf13/cobra"

	"pricetrack/internal/app"
)

var (
	ingestInput  string
	ingestDryRun bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest scraped snapshot files once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.IngestOptions{
			Input:  ingestInput,
			DryRun: ingestDryRun,
		}

		return getApp().Ingest(cmd.Context(), opts)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestInput, "input", "", "Spool file or directory to ingest")
	ingestCmd.Flags().BoolVar(&ingestDryRun, "dry-run", false, "Validate against a throwaway in-memory store; nothing is persisted or notified")
}
