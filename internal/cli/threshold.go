package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var thresholdAPIURL string

var thresholdCmd = &cobra.Command{
	Use:   "threshold",
	Short: "Read or change the large trade threshold of a running instance",
}

var thresholdGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current threshold",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := getApp().GetThreshold(cmd.Context(), thresholdAPIURL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), value.String())
		return nil
	},
}

var thresholdSetCmd = &cobra.Command{
	Use:   "set <quantity>",
	Short: "Set a new threshold (takes effect on the next trade message)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := decimal.NewFromString(args[0])
		if err != nil || !value.IsPositive() {
			return fmt.Errorf("threshold must be a number greater than zero: %q", args[0])
		}

		applied, err := getApp().SetThreshold(cmd.Context(), thresholdAPIURL, value)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "threshold set to %s\n", applied.String())
		return nil
	},
}

func init() {
	thresholdCmd.PersistentFlags().StringVar(&thresholdAPIURL, "api-url", "", "Base URL of the running API (defaults to api.address)")
	thresholdCmd.AddCommand(thresholdGetCmd)
	thresholdCmd.AddCommand(thresholdSetCmd)
}
