package drill

import (
	"context"
	"encoding/csv"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/wetland-drill/internal/model"
	"github.com/sells-group/wetland-drill/internal/store"
)

// CSVHeader is the column layout of exported result series.
var CSVHeader = []string{"TIME", "BS", "NPV", "PV", "WET", "WATER"}

// csvClasses maps CSV columns after TIME to Fractions positions.
var csvClasses = []int{model.ClassBareSoil, model.ClassDryVeg, model.ClassGreenVeg, model.ClassWet, model.ClassWater}

var csvTimeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"}

// WriteResultsCSV writes points as CSV in time order.
func WriteResultsCSV(w io.Writer, points []model.ResultPoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return eris.Wrap(err, "drill: write csv header")
	}
	for _, p := range points {
		rec := make([]string, 0, len(CSVHeader))
		rec = append(rec, p.Time.UTC().Format(time.RFC3339Nano))
		for _, c := range csvClasses {
			rec = append(rec, strconv.FormatFloat(p.Fractions[c], 'g', -1, 64))
		}
		if err := cw.Write(rec); err != nil {
			return eris.Wrap(err, "drill: write csv row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "drill: flush csv")
}

// ReadResultsCSV parses a CSV written by WriteResultsCSV for polyID. Rows
// come back sorted by time.
func ReadResultsCSV(r io.Reader, polyID int64) ([]model.ResultPoint, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(CSVHeader)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "drill: read csv")
	}
	if len(records) == 0 {
		return nil, nil
	}
	for i, h := range records[0] {
		if !strings.EqualFold(strings.TrimSpace(h), CSVHeader[i]) {
			return nil, eris.Errorf("drill: csv column %d is %q, want %q", i, h, CSVHeader[i])
		}
	}

	points := make([]model.ResultPoint, 0, len(records)-1)
	for n, rec := range records[1:] {
		ts, err := parseCSVTime(rec[0])
		if err != nil {
			return nil, eris.Wrapf(err, "drill: csv line %d", n+2)
		}
		p := model.ResultPoint{PolyID: polyID, Time: ts}
		for i, c := range csvClasses {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[i+1]), 64)
			if err != nil {
				return nil, eris.Wrapf(err, "drill: csv line %d column %s", n+2, CSVHeader[i+1])
			}
			p.Fractions[c] = v
		}
		points = append(points, p)
	}
	slices.SortStableFunc(points, func(a, b model.ResultPoint) int { return a.Time.Compare(b.Time) })
	return points, nil
}

func parseCSVTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range csvTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("unrecognised time %q", s)
}

// ReplayResults writes points through RecordResult in time order, marking
// the polygon ready with the last one. Returns how many rows advanced the
// polygon's state.
func ReplayResults(ctx context.Context, st store.Store, polyID int64, points []model.ResultPoint) (int64, error) {
	var advanced int64
	for i, p := range points {
		last := i == len(points)-1
		ok, err := st.RecordResult(ctx, polyID, p.Time, last, p.Fractions)
		if err != nil {
			return advanced, err
		}
		if ok {
			advanced++
		}
	}
	zap.L().Info("replayed results",
		zap.Int64("poly_id", polyID),
		zap.Int("rows", len(points)),
		zap.Int64("advanced", advanced),
	)
	return advanced, nil
}
