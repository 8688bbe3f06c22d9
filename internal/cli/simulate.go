package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulatePrice    float64
	simulateQuantity float64
	simulateSale     bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一笔大额成交并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice <= 0 || simulateQuantity <= 0 {
			return errors.New("--price 与 --quantity 必须大于 0")
		}

		price := decimal.NewFromFloat(simulatePrice)
		quantity := decimal.NewFromFloat(simulateQuantity)
		return getApp().SimulateAlert(cmd.Context(), price, quantity, simulateSale)
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "成交价格 (USDT)")
	simulateCmd.Flags().Float64Var(&simulateQuantity, "quantity", 0, "成交数量 (BTC)")
	simulateCmd.Flags().BoolVar(&simulateSale, "sale", false, "是否为主动卖出")
}
