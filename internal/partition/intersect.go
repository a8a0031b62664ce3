package partition

import (
	"context"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/wetland-drill/internal/shapes"
)

// LocalIntersector tests intersections in memory.
type LocalIntersector struct {
	geoms map[int64]*geom.MultiPolygon
}

// NewLocalIntersector indexes the candidates' geometries.
func NewLocalIntersector(candidates []Candidate) *LocalIntersector {
	geoms := make(map[int64]*geom.MultiPolygon, len(candidates))
	for _, c := range candidates {
		geoms[c.ID] = c.Geometry
	}
	return &LocalIntersector{geoms: geoms}
}

// Intersecting implements Intersector.
func (l *LocalIntersector) Intersecting(_ context.Context, id int64, candidates []int64) ([]int64, error) {
	g := l.geoms[id]
	var out []int64
	for _, c := range candidates {
		if c == id {
			continue
		}
		if shapes.Intersects(g, l.geoms[c]) {
			out = append(out, c)
		}
	}
	return out, nil
}

// PolygonIntersector is the store query backing StoreIntersector.
type PolygonIntersector interface {
	IntersectingPolygons(ctx context.Context, polyID int64, candidates []int64) ([]int64, error)
}

// StoreIntersector asks the result store, which can use a spatial index.
type StoreIntersector struct {
	store PolygonIntersector
}

// NewStoreIntersector wraps a store.
func NewStoreIntersector(st PolygonIntersector) *StoreIntersector {
	return &StoreIntersector{store: st}
}

// Intersecting implements Intersector.
func (s *StoreIntersector) Intersecting(ctx context.Context, id int64, candidates []int64) ([]int64, error) {
	return s.store.IntersectingPolygons(ctx, id, candidates)
}
