package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"pricetrack/internal/app"
)

var (
	simulateProduct  string
	simulatePrice    float64
	simulateCurrency string
	simulateSource   string
	simulateCategory string
	simulateBrand    string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "模拟一次价格观测并评估告警规则",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice <= 0 {
			return errors.New("--price 必须大于 0")
		}

		opts := app.SimulateOptions{
			ProductID: simulateProduct,
			Price:     simulatePrice,
			Currency:  simulateCurrency,
			Source:    simulateSource,
			Category:  simulateCategory,
			Brand:     simulateBrand,
		}

		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateProduct, "product", "", "Product ID to simulate against")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "假设观测到的价格")
	simulateCmd.Flags().StringVar(&simulateCurrency, "currency", "", "Currency code (defaults to config)")
	simulateCmd.Flags().StringVar(&simulateSource, "source", "", "Source label stamped on the synthetic observation")
	simulateCmd.Flags().StringVar(&simulateCategory, "category", "", "Category for rule scope matching")
	simulateCmd.Flags().StringVar(&simulateBrand, "brand", "", "Brand for rule scope matching")
}
