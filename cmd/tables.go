package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/sells-group/wetland-drill/internal/drill"
	"github.com/sells-group/wetland-drill/internal/model"
)

const tableTime = "2006-01-02 15:04"

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func formatStatus(w io.Writer, sum *drill.StatusSummary) {
	t := newTable(w)
	t.AppendHeader(table.Row{"POLY ID", "NAME", "READY", "LAST UPDATE"})
	for _, s := range sum.Polygons {
		last := "-"
		if !s.LastUpdate.Equal(model.Epoch) {
			last = s.LastUpdate.Format(tableTime)
		}
		t.AppendRow(table.Row{s.PolyID, s.Name, s.Ready, last})
	}
	t.AppendFooter(table.Row{"", "TOTAL " + strconv.Itoa(sum.Total), fmt.Sprintf("%d ready", sum.Ready), fmt.Sprintf("%d pending", sum.Pending)})
	t.Render()
}

func formatAlltime(w io.Writer, rows []model.AlltimeMetrics) {
	t := newTable(w)
	t.AppendHeader(table.Row{"POLY ID", "OBS", "PV", "WATER", "WET+WATER", "FIRST PV", "FIRST WATER", "FIRST WET", "MEAN WET+WATER"})
	for _, m := range rows {
		t.AppendRow(table.Row{
			m.PolyID, m.Observations,
			share(m.GreenVegCount, m.Observations),
			share(m.WaterCount, m.Observations),
			share(m.WetCount, m.Observations),
			optTime(m.FirstGreenVeg), optTime(m.FirstWater), optTime(m.FirstWet),
			fmt.Sprintf("%.3f", m.MeanWetAndWater),
		})
	}
	t.Render()
}

func formatYears(w io.Writer, rows []model.YearMetric) {
	t := newTable(w)
	t.AppendHeader(table.Row{"POLY ID", "YEAR", "MIN", "MAX", "MEAN"})
	for _, m := range rows {
		t.AppendRow(table.Row{m.PolyID, m.Year,
			fmt.Sprintf("%.3f", m.Min), fmt.Sprintf("%.3f", m.Max), fmt.Sprintf("%.3f", m.Mean)})
	}
	t.Render()
}

func formatEvents(w io.Writer, rows []model.Event) {
	t := newTable(w)
	t.AppendHeader(table.Row{"POLY ID", "START", "END", "DAYS", "MAX", "MEAN", "AREA (HA)", "ONGOING"})
	for _, e := range rows {
		t.AppendRow(table.Row{e.PolyID, e.Start.Format("2006-01-02"), e.End.Format("2006-01-02"),
			int(e.Duration.Hours() / 24), fmt.Sprintf("%.3f", e.Max), fmt.Sprintf("%.3f", e.Mean),
			fmt.Sprintf("%.2f", e.Area), e.Ongoing})
	}
	t.Render()
}

func formatRuns(w io.Writer, runs []model.DrillRun) {
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "STATUS", "STARTED", "POLYGONS", "WINDOWS", "ROWS", "ERROR"})
	for _, r := range runs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		t.AppendRow(table.Row{id, r.Status, r.StartedAt.Format(tableTime), r.Polygons, r.Windows, r.Rows, r.Error})
	}
	t.Render()
}

func share(n, total int64) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", 100*float64(n)/float64(total))
}

func optTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02")
}
