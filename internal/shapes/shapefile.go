// Package shapes reads polygon shapefiles and provides the planar geometry
// helpers the partitioner and mask builder share.
package shapes

import (
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"

	"github.com/sells-group/wetland-drill/internal/model"
)

// Feature is one polygon record read from a shapefile.
type Feature struct {
	Name       string
	Geometry   *geom.MultiPolygon
	Source     model.SourceRef
	Properties map[string]string
}

// ReadShapefile reads every polygon feature from shpPath. Null records and
// polygons without a usable ring are kept with a nil Geometry; records of
// other shape types are skipped.
func ReadShapefile(shpPath string) ([]Feature, error) {
	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "shapes: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = strings.TrimRight(f.String(), "\x00")
	}

	base := filepath.Base(shpPath)
	var features []Feature
	var skipped, empty int

	for reader.Next() {
		n, shape := reader.Shape()

		var mp *geom.MultiPolygon
		switch s := shape.(type) {
		case *shp.Polygon:
			mp = ToMultiPolygon(s)
		case *shp.Null:
		default:
			skipped++
			continue
		}
		if mp == nil {
			empty++
		}

		props := make(map[string]string, len(names))
		for i, name := range names {
			val := strings.TrimSpace(decodeAttribute(strings.TrimRight(reader.Attribute(i), "\x00")))
			if val != "" {
				props[name] = val
			}
		}

		features = append(features, Feature{
			Name:       PolygonName(props),
			Geometry:   mp,
			Source:     model.SourceRef{Shapefile: base, FeatureID: int64(n)},
			Properties: props,
		})
	}

	if skipped > 0 || empty > 0 {
		zap.L().Debug("shapes: shapefile records without polygon geometry",
			zap.String("shapefile", base),
			zap.Int("skipped", skipped),
			zap.Int("empty", empty),
		)
	}

	return features, nil
}

// decodeAttribute returns s as UTF-8. DBF files without a code page are
// usually Windows-1252.
func decodeAttribute(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	out, err := charmap.Windows1252.NewDecoder().String(s)
	if err != nil {
		return s
	}
	return out
}

var (
	idFields    = []string{"OBJECTID", "Identifier"}
	nameFields  = []string{"CATCHMENT", "WetlandNam", "Name"}
	extraFields = []string{"HAB", "Subwetland", "SystemType"}
)

// PolygonName builds the display name ID_NAME_HAB from the first non-empty
// attribute of each field group. A feature without attributes is named "__".
func PolygonName(props map[string]string) string {
	if len(props) == 0 {
		return "__"
	}
	return firstOf(props, idFields) + "_" + firstOf(props, nameFields) + "_" + firstOf(props, extraFields)
}

func firstOf(props map[string]string, keys []string) string {
	for _, k := range keys {
		if v := props[k]; v != "" {
			return v
		}
	}
	return ""
}
