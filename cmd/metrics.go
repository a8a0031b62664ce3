package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print all-time, per-year and inundation event metrics",
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

		all, err := st.AlltimeMetrics(ctx, ids)
		if err != nil {
			return err
		}
		years, err := st.YearMetrics(ctx, ids)
		if err != nil {
			return err
		}
		events, err := st.EventMetrics(ctx, ids)
		if err != nil {
			return err
		}

		fmt.Fprintln(os.Stdout, "All time")
		formatAlltime(os.Stdout, all)
		fmt.Fprintln(os.Stdout, "\nBy year")
		formatYears(os.Stdout, years)
		fmt.Fprintln(os.Stdout, "\nInundation events")
		formatEvents(os.Stdout, events)
		return nil
	},
}

func init() {
	addSelectionFlags(metricsCmd)
	rootCmd.AddCommand(metricsCmd)
}
