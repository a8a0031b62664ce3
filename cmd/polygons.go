package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/wetland-drill/internal/drill"
	"github.com/sells-group/wetland-drill/internal/shapes"
)

var polygonsCmd = &cobra.Command{
	Use:   "polygons",
	Short: "Register and manage analysis polygons",
}

var polygonsRegisterCmd = &cobra.Command{
	Use:   "register <shapefile>",
	Short: "Register every polygon of a shapefile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		features, err := shapes.ReadShapefile(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		_, err = drill.Register(ctx, st, features, cfg.Drill.Workers)
		return err
	},
}

var polygonsReopenCmd = &cobra.Command{
	Use:   "reopen",
	Short: "Clear the ready flag so new imagery is drilled again",
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

		n, err := st.ReopenPolygons(ctx, ids)
		if err != nil {
			return eris.Wrap(err, "polygons reopen")
		}
		zap.L().Info("reopened polygons", zap.Int("requested", len(ids)), zap.Int64("reopened", n))
		return nil
	},
}

func init() {
	addSelectionFlags(polygonsReopenCmd)
	polygonsCmd.AddCommand(polygonsRegisterCmd, polygonsReopenCmd)
	rootCmd.AddCommand(polygonsCmd)
}
