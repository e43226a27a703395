package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pricetrack/internal/app"
)

var (
	showProduct string
	showLimit   int
	showHistory bool
	showAlerts  bool
	showStats   bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent price changes, history, alerts, or aggregates",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			ProductID: showProduct,
			Limit:     showLimit,
			History:   showHistory,
			Alerts:    showAlerts,
			Stats:     showStats,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showProduct, "product", "", "Restrict output to one product")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showHistory, "history", false, "Show raw history instead of changes (needs --product)")
	showCmd.Flags().BoolVar(&showAlerts, "alerts", false, "Show fired alerts instead of changes")
	showCmd.Flags().BoolVar(&showStats, "stats", false, "Show aggregates for the store or one product")
}
