package main

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/wetland-drill/internal/drill"
	"github.com/sells-group/wetland-drill/internal/model"
	"github.com/sells-group/wetland-drill/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write each polygon's result series to <dir>/<poly_id>.csv or one workbook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		dir, _ := cmd.Flags().GetString("dir")
		format, _ := cmd.Flags().GetString("format")
		if format != "csv" && format != "xlsx" {
			return eris.Errorf("export: unknown format %q", format)
		}

		ids, err := selectedIDs(cmd)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "export: create %s", dir)
		}

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if format == "xlsx" {
			set := drill.SeriesSet{IDs: ids, Series: make(map[int64][]model.ResultPoint, len(ids))}
			for _, id := range ids {
				points, err := st.Results(ctx, id)
				if err != nil {
					return eris.Wrapf(err, "export: results for %d", id)
				}
				set.Series[id] = points
			}
			if err := drill.WriteResultsWorkbook(filepath.Join(dir, "results.xlsx"), set); err != nil {
				return err
			}
		} else {
			for _, id := range ids {
				if err := exportPolygon(ctx, st, dir, id); err != nil {
					return err
				}
			}
		}
		zap.L().Info("export complete", zap.String("dir", dir), zap.String("format", format), zap.Int("polygons", len(ids)))
		return nil
	},
}

func exportPolygon(ctx context.Context, st store.Store, dir string, id int64) error {
	points, err := st.Results(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "export: results for %d", id)
	}
	f, err := os.Create(filepath.Join(dir, strconv.FormatInt(id, 10)+".csv"))
	if err != nil {
		return eris.Wrap(err, "export: create csv")
	}
	if err := drill.WriteResultsCSV(f, points); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return eris.Wrap(f.Close(), "export: close csv")
}

func init() {
	addSelectionFlags(exportCmd)
	exportCmd.Flags().String("dir", "export", "output directory")
	exportCmd.Flags().String("format", "csv", "csv (one file per polygon) or xlsx (one sheet per polygon)")
	rootCmd.AddCommand(exportCmd)
}
