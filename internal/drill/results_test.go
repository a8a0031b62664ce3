package drill

import (
	"bytes"
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/wetland-drill/internal/model"
)

func TestResultsCSV(t *testing.T) {
	points := []model.ResultPoint{
		{PolyID: 9, Time: day(0), Fractions: model.Fractions{0.1, 0.2, 0.3, 0.15, 0.25}},
		{PolyID: 9, Time: day(16), Fractions: model.Fractions{0, 0, 0, 0, 1}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteResultsCSV(&buf, points))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "TIME,BS,NPV,PV,WET,WATER", lines[0])
	assert.Equal(t, "2020-01-01T00:00:00Z,0.1,0.3,0.2,0.15,0.25", lines[1])

	got, err := ReadResultsCSV(&buf, 9)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, points[0].Fractions, got[0].Fractions)
	assert.True(t, day(16).Equal(got[1].Time))
}

func TestReadResultsCSV_Formats(t *testing.T) {
	in := "TIME,BS,NPV,PV,WET,WATER\n" +
		"2020-01-17 00:00:00,0,0,0,0,1\n" +
		"2020-01-01,0.5,0.5,0,0,0\n"
	got, err := ReadResultsCSV(strings.NewReader(in), 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, day(0).Equal(got[0].Time), "sorted by time")
	assert.InDelta(t, 0.5, got[0].Fractions[model.ClassDryVeg], 1e-12)
	assert.Equal(t, int64(3), got[1].PolyID)
}

func TestReadResultsCSV_Errors(t *testing.T) {
	tests := map[string]string{
		"wrong header": "TIME,BS,PV,NPV,WET,WATER\n",
		"bad time":     "TIME,BS,NPV,PV,WET,WATER\nyesterday,0,0,0,0,0\n",
		"bad value":    "TIME,BS,NPV,PV,WET,WATER\n2020-01-01,x,0,0,0,0\n",
		"short row":    "TIME,BS,NPV,PV,WET,WATER\n2020-01-01,0,0\n",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadResultsCSV(strings.NewReader(in), 1)
			assert.Error(t, err)
		})
	}
}

func TestReplayResults(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	id, _, err := st.UpsertPolygon(ctx, "p", square(0, 0, 10), model.SourceRef{})
	require.NoError(t, err)

	points := []model.ResultPoint{
		{Time: day(0), Fractions: model.Fractions{0, 0, 0, 0, 1}},
		{Time: day(5), Fractions: model.Fractions{}},
		{Time: day(9), Fractions: model.Fractions{1, 0, 0, 0, 0}},
	}
	n, err := ReplayResults(ctx, st, id, points)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	rows, err := st.Results(ctx, id)
	require.NoError(t, err)
	assert.Len(t, rows, 2, "all-zero rows are not stored")

	status, err := st.Status(ctx, []int64{id})
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.True(t, status[0].Ready)
	assert.True(t, day(9).Equal(status[0].LastUpdate))
}

func TestWriteResultsWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.xlsx")
	set := SeriesSet{
		IDs: []int64{4, 2},
		Series: map[int64][]model.ResultPoint{
			4: {{PolyID: 4, Time: day(1), Fractions: model.Fractions{0.5, 0.25, 0.25, 0, 0}}},
		},
	}
	require.NoError(t, WriteResultsWorkbook(path, set))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	require.Len(t, f.Sheets, 2)
	assert.Equal(t, "4", f.Sheets[0].Name)
	assert.Equal(t, "2", f.Sheets[1].Name)

	rows := f.Sheets[0].Rows
	require.Len(t, rows, 2)
	assert.Equal(t, "TIME", rows[0].Cells[0].String())
	assert.Equal(t, "2020-01-02T00:00:00Z", rows[1].Cells[0].String())
	npv, err := strconv.ParseFloat(rows[1].Cells[2].String(), 64)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, npv, 1e-12)

	assert.Len(t, f.Sheets[1].Rows, 1)

	assert.Error(t, WriteResultsWorkbook(filepath.Join(t.TempDir(), "empty.xlsx"), SeriesSet{}))
}
