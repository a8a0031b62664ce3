// Package partition groups polygons into vessels: sets of polygons that do
// not intersect each other and can therefore share one label mask.
package partition

import (
	"context"
	"maps"
	"slices"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Excluded is the sentinel vessel holding polygons without geometry. It is
// never rasterized.
const Excluded = 0

// Candidate is a registered polygon to place.
type Candidate struct {
	ID       int64
	Geometry *geom.MultiPolygon
}

// Intersector reports which candidates intersect a polygon.
type Intersector interface {
	Intersecting(ctx context.Context, id int64, candidates []int64) ([]int64, error)
}

// Vessels maps a vessel index to its polygon ids. Index Excluded holds
// polygons that could not be placed.
type Vessels map[int][]int64

// Indices returns the rasterizable vessel indices in ascending order.
func (v Vessels) Indices() []int {
	var out []int
	for _, k := range slices.Sorted(maps.Keys(v)) {
		if k != Excluded {
			out = append(out, k)
		}
	}
	return out
}

// IDs returns every placed polygon id, vessel by vessel.
func (v Vessels) IDs() []int64 {
	var out []int64
	for _, k := range v.Indices() {
		out = append(out, v[k]...)
	}
	return out
}

// Excluded returns the ids in the sentinel vessel.
func (v Vessels) Excluded() []int64 {
	return v[Excluded]
}

// Partitioner places candidates into vessels.
type Partitioner struct {
	intersector Intersector
	concurrency int
}

// New returns a partitioner. concurrency bounds parallel intersection
// queries.
func New(ix Intersector, concurrency int) *Partitioner {
	return &Partitioner{intersector: ix, concurrency: max(1, concurrency)}
}

// Partition places every candidate in the lowest-indexed vessel that holds
// none of the polygons it intersects, opening a new vessel when none
// qualifies. The assignment depends on candidate order; no vessel ever
// holds two intersecting polygons.
func (p *Partitioner) Partition(ctx context.Context, candidates []Candidate) (Vessels, error) {
	log := zap.L().With(zap.String("component", "partition"))
	vessels := Vessels{}

	var placeable []Candidate
	for _, c := range candidates {
		if c.Geometry == nil || c.Geometry.Empty() {
			log.Warn("polygon has no coordinates, excluding", zap.Int64("poly_id", c.ID))
			vessels[Excluded] = append(vessels[Excluded], c.ID)
			continue
		}
		placeable = append(placeable, c)
	}

	ids := make([]int64, len(placeable))
	for i, c := range placeable {
		ids[i] = c.ID
	}

	neighbors := make([][]int64, len(placeable))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, c := range placeable {
		g.Go(func() error {
			found, err := p.intersector.Intersecting(gctx, c.ID, ids)
			if err != nil {
				return eris.Wrapf(err, "partition: intersect polygon %d", c.ID)
			}
			neighbors[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	vesselOf := make(map[int64]int, len(placeable))
	next := 1
	for i, c := range placeable {
		taken := make(map[int]bool)
		for _, n := range neighbors[i] {
			if v, ok := vesselOf[n]; ok && n != c.ID {
				taken[v] = true
			}
		}
		k := 1
		for k < next && taken[k] {
			k++
		}
		if k == next {
			next++
		}
		vesselOf[c.ID] = k
		vessels[k] = append(vessels[k], c.ID)
	}

	log.Info("partitioned polygons",
		zap.Int("polygons", len(candidates)),
		zap.Int("vessels", next-1),
		zap.Int("excluded", len(vessels[Excluded])),
	)
	return vessels, nil
}
