// Package model defines the domain types shared by the drill subsystems.
package model

import (
	"time"

	"github.com/twpayne/go-geom"
)

// SRID is the spatial reference every polygon is stored in (GDA94 / Australian Albers).
const SRID = 3577

// SourceRef points back at the feature a geometry was read from.
type SourceRef struct {
	Shapefile string `json:"shapefile" yaml:"shapefile"`
	FeatureID int64  `json:"feature_id" yaml:"feature_id"`
}

// Polygon is one analysis region.
type Polygon struct {
	ID       int64              `json:"poly_id"`
	Name     string             `json:"poly_name"`
	Hash     string             `json:"poly_hash"`
	Geometry *geom.MultiPolygon `json:"-"`
	Source   SourceRef          `json:"source"`
	Area     float64            `json:"area"`
}

// PolygonStatus is the resumability state of one polygon.
type PolygonStatus struct {
	PolyID     int64     `json:"poly_id"`
	Name       string    `json:"poly_name"`
	Ready      bool      `json:"result_ready"`
	LastUpdate time.Time `json:"last_update"`
}

// Catchment is a larger region used to select polygons by containment.
type Catchment struct {
	ID       int64              `json:"catchment_id"`
	Name     string             `json:"catchment_name"`
	Hash     string             `json:"catchment_hash"`
	Geometry *geom.MultiPolygon `json:"-"`
	Source   SourceRef          `json:"source"`
}

// Epoch is the initial last_update of a freshly registered polygon.
var Epoch = time.Unix(0, 0).UTC()

// Timestamp normalizes t to the precision the stores persist.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
