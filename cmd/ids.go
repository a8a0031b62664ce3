package main

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/wetland-drill/internal/drill"
)

// parseIDs parses a comma separated list of polygon ids.
func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id < 1 {
			return nil, eris.Errorf("invalid polygon id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// addSelectionFlags registers --ids and --plan on cmd.
func addSelectionFlags(cmd *cobra.Command) {
	cmd.Flags().String("ids", "", "comma separated polygon ids")
	cmd.Flags().String("plan", "", "work plan whose polygons to select")
}

// selectedIDs resolves the polygons chosen by --ids or --plan.
func selectedIDs(cmd *cobra.Command) ([]int64, error) {
	raw, _ := cmd.Flags().GetString("ids")
	planPath, _ := cmd.Flags().GetString("plan")

	switch {
	case raw != "" && planPath != "":
		return nil, eris.New("--ids and --plan are mutually exclusive")
	case raw != "":
		return parseIDs(raw)
	case planPath != "":
		p, err := drill.LoadPlan(planPath)
		if err != nil {
			return nil, err
		}
		ids := append(p.PolygonIDs(), p.ExcludedIDs()...)
		return append(ids, p.Complete...), nil
	default:
		return nil, eris.New("one of --ids or --plan is required")
	}
}
