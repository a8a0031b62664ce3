package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/wetland-drill/internal/drill"
)

var importCmd = &cobra.Command{
	Use:   "import <csv>",
	Short: "Load a polygon's result series from CSV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		polyID, _ := cmd.Flags().GetInt64("poly-id")
		bulk, _ := cmd.Flags().GetBool("bulk")

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "import: open csv")
		}
		defer f.Close() //nolint:errcheck

		points, err := drill.ReadResultsCSV(f, polyID)
		if err != nil {
			return err
		}
		if len(points) == 0 {
			zap.L().Info("csv has no rows", zap.String("csv", args[0]))
			return nil
		}

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if !bulk {
			_, err = drill.ReplayResults(ctx, st, polyID, points)
			return err
		}

		n, err := st.ImportResults(ctx, points)
		if err != nil {
			return eris.Wrap(err, "import")
		}
		if _, err := st.FinalizePolygon(ctx, polyID, points[len(points)-1].Time); err != nil {
			return eris.Wrap(err, "import: finalize")
		}
		zap.L().Info("import complete", zap.Int64("poly_id", polyID), zap.Int64("inserted", n))
		return nil
	},
}

func init() {
	importCmd.Flags().Int64("poly-id", 0, "polygon the series belongs to (required)")
	importCmd.Flags().Bool("bulk", false, "insert rows directly instead of replaying them")
	_ = importCmd.MarkFlagRequired("poly-id")
	rootCmd.AddCommand(importCmd)
}
