package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var gapfillCmd = &cobra.Command{
	Use:   "gapfill",
	Short: "Run one gap fill cycle in the foreground",
	Long: `Gapfill scores the open knowledge gaps by demand and recency, then
starts background acquisitions for the most wanted entities.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx, "gapfill")
		if err != nil {
			return err
		}
		defer e.Close()

		filled, err := e.Gapfill.RunOnce(ctx)
		if err != nil {
			return err
		}

		zap.L().Info("gap fill complete", zap.Int("acquisitions", filled))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(gapfillCmd)
}
