package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/wetland-drill/internal/drill"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the resumability state of polygons",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		ids, err := selectedIDs(cmd)
		if err != nil {
			return err
		}

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sum, err := drill.Status(ctx, st, ids)
		if err != nil {
			return err
		}
		formatStatus(os.Stdout, sum)
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent drill runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := st.ListRuns(ctx, limit)
		if err != nil {
			return err
		}
		formatRuns(os.Stdout, runs)
		return nil
	},
}

func init() {
	addSelectionFlags(statusCmd)
	runsCmd.Flags().Int("limit", 20, "number of runs to show")
	rootCmd.AddCommand(statusCmd, runsCmd)
}
