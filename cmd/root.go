package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/docdex/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "docdex",
	Short: "Self-learning knowledge cache for technical reference documents",
	Long:  "Answers \"find the reference document for entity X\" from a confidence-scored cache, discovers missing documents via web search plus an LLM validation judge, and keeps improving itself through retries, human verification, and background gap filling.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
