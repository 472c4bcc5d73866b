package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"cryptoview/internal/metrics"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Fetch historical klines once and write the raw store",
	Long: `backfill requests up to LIMIT klines starting at START_TIME (or the most
recent ones when unset), replaces the raw store with them and exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cfg, _, err := setup("cryptoview-backfill", metrics.RoleFeed)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		s, err := a.Backfill(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d bars written to %s\n", cfg.Symbol, cfg.Interval, s.Len(), a.RawStore().ID())
		return nil
	},
}

var computeCmd = &cobra.Command{
	Use:   "compute",
	Short: "Recompute the derived store once from the raw store",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, _, err := setup("cryptoview-compute", metrics.RoleSignal)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		res, err := a.Compute(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d rows written to %s, last %s score %+d (run %s)\n",
			res.Rows, a.DerivedStore().ID(), res.LastTS.UTC().Format("2006-01-02 15:04:05"), res.Score, res.RunID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backfillCmd, computeCmd)
}
