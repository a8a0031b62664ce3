package shapes

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"

	"github.com/sells-group/wetland-drill/internal/model"
)

// hashLen is the number of hex characters kept from the content digest.
const hashLen = 32

// ToMultiPolygon converts a shapefile polygon to a MultiPolygon. Clockwise
// rings start a new polygon; counter-clockwise rings are holes of the
// polygon before them.
func ToMultiPolygon(p *shp.Polygon) *geom.MultiPolygon {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	var polys []*geom.Polygon
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		if end-start < 4 {
			zap.L().Debug("shapes: skipping degenerate ring", zap.Int32("part", i))
			continue
		}

		flat := make([]float64, 0, 2*(end-start))
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}
		ring := geom.NewLinearRingFlat(geom.XY, flat)

		if len(polys) > 0 && xy.IsRingCounterClockwise(geom.XY, flat) {
			if err := polys[len(polys)-1].Push(ring); err != nil {
				zap.L().Debug("shapes: skipping malformed hole", zap.Int32("part", i), zap.Error(err))
			}
			continue
		}

		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(ring); err != nil {
			zap.L().Debug("shapes: skipping malformed ring", zap.Int32("part", i), zap.Error(err))
			continue
		}
		polys = append(polys, poly)
	}

	if len(polys) == 0 {
		return nil
	}

	mp := geom.NewMultiPolygon(geom.XY).SetSRID(model.SRID)
	for _, poly := range polys {
		if err := mp.Push(poly); err != nil {
			return nil
		}
	}
	return mp
}

// EncodeEWKB marshals g as little-endian EWKB carrying its SRID.
func EncodeEWKB(g *geom.MultiPolygon) ([]byte, error) {
	if g == nil {
		return nil, eris.New("shapes: encode nil geometry")
	}
	if g.SRID() == 0 {
		g.SetSRID(model.SRID)
	}
	data, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "shapes: encode EWKB")
	}
	return data, nil
}

// DecodeEWKB parses EWKB produced by PostGIS or EncodeEWKB. Single polygons
// are promoted to a one-member MultiPolygon.
func DecodeEWKB(data []byte) (*geom.MultiPolygon, error) {
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "shapes: decode EWKB")
	}
	switch t := g.(type) {
	case *geom.MultiPolygon:
		return t, nil
	case *geom.Polygon:
		mp := geom.NewMultiPolygon(t.Layout()).SetSRID(t.SRID())
		if err := mp.Push(t); err != nil {
			return nil, eris.Wrap(err, "shapes: promote polygon")
		}
		return mp, nil
	default:
		return nil, eris.Errorf("shapes: unsupported geometry %T", g)
	}
}

// ContentHash returns the deterministic identity of a geometry: the
// truncated hex SHA-256 of its EWKB encoding.
func ContentHash(g *geom.MultiPolygon) (string, error) {
	data, err := EncodeEWKB(g)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:hashLen], nil
}
