package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/wetland-drill/internal/shapes"
)

var catchmentsCmd = &cobra.Command{
	Use:   "catchments",
	Short: "Load catchments and select polygons by containment",
}

var catchmentsLoadCmd = &cobra.Command{
	Use:   "load <shapefile>",
	Short: "Register every catchment of a shapefile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		nameField, _ := cmd.Flags().GetString("name-field")

		features, err := shapes.ReadShapefile(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var loaded, skipped int
		for _, f := range features {
			if f.Geometry == nil {
				skipped++
				continue
			}
			name := f.Properties[nameField]
			if name == "" {
				name = f.Name
			}
			if _, err := st.UpsertCatchment(ctx, name, f.Geometry, f.Source); err != nil {
				return eris.Wrapf(err, "catchments load: feature %d", f.Source.FeatureID)
			}
			loaded++
		}

		zap.L().Info("catchments loaded",
			zap.String("shapefile", args[0]),
			zap.Int("loaded", loaded),
			zap.Int("skipped", skipped),
		)
		return nil
	},
}

var catchmentsPolygonsCmd = &cobra.Command{
	Use:   "polygons <catchment-id>",
	Short: "List the polygons inside a catchment, smallest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Errorf("invalid catchment id %q", args[0])
		}

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ids, err := st.PolygonsInCatchment(ctx, id, limit)
		if err != nil {
			return eris.Wrap(err, "catchments polygons")
		}
		for _, pid := range ids {
			fmt.Fprintln(os.Stdout, pid)
		}
		return nil
	},
}

func init() {
	catchmentsLoadCmd.Flags().String("name-field", "CATCHMENT", "attribute holding the catchment name")
	catchmentsPolygonsCmd.Flags().Int("limit", 0, "maximum number of polygons (0 = all)")
	catchmentsCmd.AddCommand(catchmentsLoadCmd, catchmentsPolygonsCmd)
	rootCmd.AddCommand(catchmentsCmd)
}
