package main

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docdex/internal/monitoring"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print cache and backlog statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("admin"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		// Routing counters live in the serve process; a one-shot
		// collector reports store-side numbers only.
		snap, err := monitoring.NewCollector(st, nil).Collect(ctx)
		if err != nil {
			return err
		}

		buf, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return eris.Wrap(err, "marshal stats")
		}
		fmt.Println(string(buf))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
