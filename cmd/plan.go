package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/wetland-drill/internal/drill"
)

var planCmd = &cobra.Command{
	Use:   "plan <shapefile>",
	Short: "Register a shapefile's polygons and partition them into a work plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out, _ := cmd.Flags().GetString("out")
		artifactPath, _ := cmd.Flags().GetString("artifact")

		if err := cfg.Validate("run"); err != nil {
			return err
		}
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		plan, err := drill.PartitionAndRegister(ctx, st, args[0], drill.RegisterOptions{
			Concurrency: cfg.Drill.Workers,
			Intersect:   cfg.Drill.Intersect,
			Artifact:    artifactPath,
		})
		if err != nil {
			return err
		}
		if err := drill.SavePlan(out, plan); err != nil {
			return err
		}

		zap.L().Info("work plan written",
			zap.String("path", out),
			zap.Int("vessels", len(plan.Vessels)),
			zap.Int("polygons", len(plan.PolygonIDs())),
			zap.Int("excluded", len(plan.Excluded)),
			zap.Int("complete", len(plan.Complete)),
		)
		return nil
	},
}

func init() {
	planCmd.Flags().String("out", "plan.yaml", "work plan output path")
	planCmd.Flags().String("artifact", "", "artifact descriptor recorded in the plan")
	rootCmd.AddCommand(planCmd)
}
