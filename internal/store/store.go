// Package store persists polygons, their result time series and the
// resumability checkpoints that drive incremental drills.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/wetland-drill/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = eris.New("store: not found")

// Store is the durable state shared by every drill process.
type Store interface {
	// Bootstrap creates or upgrades the schema. Concurrent callers block
	// until the first one finishes and then find nothing left to do.
	Bootstrap(ctx context.Context) error

	// UpsertPolygon registers a geometry by content hash. Re-registering an
	// existing geometry only refreshes its display name. Returns the stable
	// polygon id and whether its result is already complete.
	UpsertPolygon(ctx context.Context, name string, g *geom.MultiPolygon, src model.SourceRef) (int64, bool, error)

	// UpsertCatchment registers a catchment by content hash.
	UpsertCatchment(ctx context.Context, name string, g *geom.MultiPolygon, src model.SourceRef) (int64, error)

	// Checkpoint returns the latest last_update among the not-ready
	// polygons in ids, or the earliest when reset is set. Nil means every
	// polygon is ready.
	Checkpoint(ctx context.Context, ids []int64, reset bool) (*time.Time, error)

	// RecordResult advances ready/last_update when ts is not older than the
	// stored value and the polygon is not ready, and inserts the fractions
	// row if any fraction is positive. Reports whether the state advanced.
	RecordResult(ctx context.Context, polyID int64, ts time.Time, ready bool, f model.Fractions) (bool, error)

	// FinalizePolygon marks a polygon ready at ts and writes a zero row if
	// it has no result rows at all. Reports whether the state advanced.
	FinalizePolygon(ctx context.Context, polyID int64, ts time.Time) (bool, error)

	// ReopenPolygons clears the ready flag so new imagery is drilled again.
	ReopenPolygons(ctx context.Context, ids []int64) (int64, error)

	Geometries(ctx context.Context, ids []int64) (map[int64]*geom.MultiPolygon, error)

	// IntersectingPolygons returns the members of candidates whose geometry
	// intersects polyID's.
	IntersectingPolygons(ctx context.Context, polyID int64, candidates []int64) ([]int64, error)

	PolygonByGeometry(ctx context.Context, g *geom.MultiPolygon) (*model.Polygon, error)
	CatchmentByGeometry(ctx context.Context, g *geom.MultiPolygon) (*model.Catchment, error)

	// PolygonsInCatchment lists polygons inside a catchment, smallest area
	// first. A limit of zero returns all of them.
	PolygonsInCatchment(ctx context.Context, catchmentID int64, limit int) ([]int64, error)

	Status(ctx context.Context, ids []int64) ([]model.PolygonStatus, error)
	Results(ctx context.Context, polyID int64) ([]model.ResultPoint, error)

	// ImportResults bulk-inserts result rows, skipping existing keys.
	ImportResults(ctx context.Context, points []model.ResultPoint) (int64, error)

	AlltimeMetrics(ctx context.Context, ids []int64) ([]model.AlltimeMetrics, error)
	YearMetrics(ctx context.Context, ids []int64) ([]model.YearMetric, error)

	// EventMetrics lists the inundation events of each polygon in time
	// order.
	EventMetrics(ctx context.Context, ids []int64) ([]model.Event, error)

	// Run log
	StartRun(ctx context.Context, run *model.DrillRun) error
	CompleteRun(ctx context.Context, runID string, windows, rows int64) error
	FailRun(ctx context.Context, runID string, msg string) error
	ListRuns(ctx context.Context, limit int) ([]model.DrillRun, error)

	Ping(ctx context.Context) error
	Close() error
}

// geometryKey computes the content hash and encoding shared by both backends.
func geometryKey(g *geom.MultiPolygon) (hash string, data []byte, err error) {
	if g == nil || g.Empty() {
		return "", nil, eris.New("store: empty geometry")
	}
	hash, err = contentHash(g)
	if err != nil {
		return "", nil, err
	}
	data, err = encodeGeometry(g)
	return hash, data, err
}
