package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/docdex/internal/seedfile"
)

var importFile string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Seed curated atoms from a YAML, CSV, or XLSX file",
	Long: `Import loads operator-curated atoms. Entries land human-verified
with source type human_feedback, so they are served unconditionally
until a better document supersedes them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("admin"); err != nil {
			return err
		}

		drafts, err := seedfile.Load(importFile)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := st.SeedAtoms(ctx, drafts)
		if err != nil {
			return err
		}

		zap.L().Info("import complete", zap.Int64("stored", n), zap.Int("parsed", len(drafts)))
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "seed file (.yaml, .csv, or .xlsx)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
