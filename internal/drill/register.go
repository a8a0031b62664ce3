// Package drill holds the entry points of the wetland drill: registering
// and partitioning polygons into a plan, running a plan over an artifact,
// and reporting status.
package drill

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/wetland-drill/internal/partition"
	"github.com/sells-group/wetland-drill/internal/shapes"
	"github.com/sells-group/wetland-drill/internal/store"
)

// Intersect modes.
const (
	IntersectPostGIS = "postgis"
	IntersectLocal   = "local"
)

// RegisterOptions configures PartitionAndRegister.
type RegisterOptions struct {
	Concurrency int
	Intersect   string
	Artifact    string
}

// Registered is a feature after registration.
type Registered struct {
	ID      int64
	Ready   bool
	Feature shapes.Feature
}

// Register upserts every feature with a geometry into the store, keeping
// input order. Features without geometry come back with ID zero.
func Register(ctx context.Context, st store.Store, features []shapes.Feature, concurrency int) ([]Registered, error) {
	log := zap.L().With(zap.String("component", "drill.register"))
	out := make([]Registered, len(features))
	var registered, complete atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, concurrency))
	for i, f := range features {
		out[i].Feature = f
		if f.Geometry == nil || f.Geometry.Empty() {
			continue
		}
		g.Go(func() error {
			id, ready, err := st.UpsertPolygon(gctx, f.Name, f.Geometry, f.Source)
			if err != nil {
				return eris.Wrapf(err, "drill: register feature %d of %s", f.Source.FeatureID, f.Source.Shapefile)
			}
			out[i].ID = id
			out[i].Ready = ready
			registered.Add(1)
			if ready {
				complete.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Info("registered polygons",
		zap.Int("features", len(features)),
		zap.Int64("registered", registered.Load()),
		zap.Int64("already_complete", complete.Load()),
	)
	return out, nil
}

// PartitionAndRegister reads a shapefile, registers its polygons and
// partitions the ones still pending into vessels.
func PartitionAndRegister(ctx context.Context, st store.Store, shapefile string, opts RegisterOptions) (*Plan, error) {
	features, err := shapes.ReadShapefile(shapefile)
	if err != nil {
		return nil, err
	}
	registered, err := Register(ctx, st, features, opts.Concurrency)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(zap.String("component", "drill.plan"))
	plan := &Plan{Shapefile: shapefile, Artifact: opts.Artifact, CreatedAt: time.Now().UTC()}
	var candidates []partition.Candidate
	byID := make(map[int64]Registered)
	for _, r := range registered {
		switch {
		case r.ID == 0:
			log.Warn("feature has no coordinates, excluding",
				zap.String("shapefile", r.Feature.Source.Shapefile),
				zap.Int64("feature_id", r.Feature.Source.FeatureID),
			)
			plan.Excluded = append(plan.Excluded, planPolygon(r))
		case r.Ready:
			plan.Complete = append(plan.Complete, r.ID)
		case byID[r.ID].ID != 0:
			// Same geometry twice in one shapefile.
		default:
			byID[r.ID] = r
			candidates = append(candidates, partition.Candidate{ID: r.ID, Geometry: r.Feature.Geometry})
		}
	}

	var ix partition.Intersector
	switch opts.Intersect {
	case IntersectLocal:
		ix = partition.NewLocalIntersector(candidates)
	case IntersectPostGIS, "":
		ix = partition.NewStoreIntersector(st)
	default:
		return nil, eris.Errorf("drill: unknown intersect mode %q", opts.Intersect)
	}

	vessels, err := partition.New(ix, opts.Concurrency).Partition(ctx, candidates)
	if err != nil {
		return nil, err
	}
	for _, k := range vessels.Indices() {
		pv := PlanVessel{Index: k}
		for _, id := range vessels[k] {
			pv.Polygons = append(pv.Polygons, planPolygon(byID[id]))
		}
		plan.Vessels = append(plan.Vessels, pv)
	}
	return plan, nil
}

func planPolygon(r Registered) PlanPolygon {
	return PlanPolygon{ID: r.ID, Name: r.Feature.Name, Source: r.Feature.Source}
}
