package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/wetland-drill/internal/drill"
	"github.com/sells-group/wetland-drill/internal/model"
)

func TestFormatStatus(t *testing.T) {
	sum := &drill.StatusSummary{
		Polygons: []model.PolygonStatus{
			{PolyID: 1, Name: "7_Lake X_H1", Ready: true, LastUpdate: time.Date(2021, 3, 4, 5, 6, 0, 0, time.UTC)},
			{PolyID: 2, Name: "8__", LastUpdate: model.Epoch},
		},
		Total: 2, Ready: 1, Pending: 1,
	}

	var buf bytes.Buffer
	formatStatus(&buf, sum)

	out := buf.String()
	assert.Contains(t, out, "POLY ID")
	assert.Contains(t, out, "7_Lake X_H1")
	assert.Contains(t, out, "2021-03-04 05:06")
	assert.Contains(t, out, "1 pending")
	assert.NotContains(t, out, "1970")
}

func TestFormatAlltime(t *testing.T) {
	first := time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	formatAlltime(&buf, []model.AlltimeMetrics{
		{PolyID: 3, Observations: 4, GreenVegCount: 1, WaterCount: 2, WetCount: 4, FirstWater: &first, MeanWetAndWater: 0.25},
		{PolyID: 4},
	})

	out := buf.String()
	assert.Contains(t, out, "25.0%")
	assert.Contains(t, out, "50.0%")
	assert.Contains(t, out, "100.0%")
	assert.Contains(t, out, "2019-06-01")
	assert.Contains(t, out, "0.250")
}

func TestFormatYears(t *testing.T) {
	var buf bytes.Buffer
	formatYears(&buf, []model.YearMetric{{PolyID: 3, Year: 2020, Min: 0.1, Max: 0.9, Mean: 0.5}})

	out := buf.String()
	assert.Contains(t, out, "2020")
	assert.Contains(t, out, "0.900")
}

func TestFormatEvents(t *testing.T) {
	start := time.Date(2020, 1, 17, 0, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	formatEvents(&buf, []model.Event{{
		PolyID: 3, Start: start, End: start.AddDate(0, 0, 16), Duration: 17 * 24 * time.Hour,
		Max: 0.5, Mean: 0.4, Area: 1.25, Ongoing: true,
	}})

	out := buf.String()
	assert.Contains(t, out, "2020-01-17")
	assert.Contains(t, out, "2020-02-02")
	assert.Contains(t, out, "17")
	assert.Contains(t, out, "1.25")
	assert.Contains(t, out, "true")
}

func TestFormatRuns(t *testing.T) {
	var buf bytes.Buffer
	formatRuns(&buf, []model.DrillRun{{
		ID:        "abc12345-6789-0000-0000-000000000000",
		Status:    model.RunStatusFailed,
		StartedAt: time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC),
		Error:     "dispatch: task failed",
	}})

	out := buf.String()
	assert.Contains(t, out, "abc12345")
	assert.NotContains(t, out, "abc12345-6789")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "2025-06-15 10:30")
	assert.Contains(t, out, "dispatch: task failed")
}
