package drill

import (
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/wetland-drill/internal/model"
)

// SeriesSet is the result series of several polygons keyed by id.
type SeriesSet struct {
	IDs    []int64
	Series map[int64][]model.ResultPoint
}

// WriteResultsWorkbook writes one sheet per polygon, named by its id, with
// the same columns as the CSV export.
func WriteResultsWorkbook(path string, set SeriesSet) error {
	f := xlsx.NewFile()
	for _, id := range set.IDs {
		sheet, err := f.AddSheet(strconv.FormatInt(id, 10))
		if err != nil {
			return eris.Wrapf(err, "drill: add sheet for %d", id)
		}
		header := sheet.AddRow()
		for _, h := range CSVHeader {
			header.AddCell().SetString(h)
		}
		for _, p := range set.Series[id] {
			row := sheet.AddRow()
			row.AddCell().SetString(p.Time.UTC().Format(time.RFC3339))
			for _, c := range csvClasses {
				row.AddCell().SetFloat(p.Fractions[c])
			}
		}
	}
	if len(f.Sheets) == 0 {
		return eris.New("drill: no polygons to write")
	}
	return eris.Wrapf(f.Save(path), "drill: save workbook %s", path)
}
