package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retry sweep in the foreground",
	Long: `Sweep reclaims acquisitions stranded mid-search, retries every
request whose backoff has elapsed, and rejects verification prompts
past their answer window. The serve process runs the same sweep on a
timer; this command exists for cron setups without a resident server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx, "sweep")
		if err != nil {
			return err
		}
		defer e.Close()

		e.Scheduler.ReclaimStalled(ctx)
		attempted, err := e.Scheduler.Sweep(ctx)
		if err != nil {
			return err
		}
		expired, err := e.Verify.ExpireStale(ctx)
		if err != nil {
			return err
		}

		zap.L().Info("sweep complete",
			zap.Int("attempted", attempted),
			zap.Int("expired_verifications", expired))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
