package drill

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/wetland-drill/internal/artifact"
	"github.com/sells-group/wetland-drill/internal/dispatch"
	"github.com/sells-group/wetland-drill/internal/model"
	"github.com/sells-group/wetland-drill/internal/monitoring"
	"github.com/sells-group/wetland-drill/internal/partition"
	"github.com/sells-group/wetland-drill/internal/raster"
	"github.com/sells-group/wetland-drill/internal/store"
)

// RunOptions configures Run.
type RunOptions struct {
	// Artifact overrides the plan's artifact path.
	Artifact string
	Dispatch dispatch.Options
	Workers  int
	// Reset resumes from the earliest checkpoint of the plan's polygons
	// instead of the latest.
	Reset   bool
	Kernel  raster.Kernel
	Metrics *monitoring.Metrics
}

// Run drills the plan's polygons over the artifact, resuming after the
// stored checkpoint, and records the run in the run log.
func Run(ctx context.Context, st store.Store, plan *Plan, opts RunOptions) (*model.DrillRun, error) {
	log := zap.L().With(zap.String("component", "drill.run"))

	path := opts.Artifact
	if path == "" {
		path = plan.Artifact
	}
	if path == "" {
		return nil, eris.New("drill: no artifact given")
	}
	desc, err := artifact.Load(path)
	if err != nil {
		return nil, err
	}

	ids := plan.PolygonIDs()
	excluded := plan.ExcludedIDs()
	all := append(append([]int64(nil), ids...), excluded...)
	if len(all) == 0 {
		log.Info("plan has no pending polygons")
		return nil, nil
	}

	checkpoint, err := st.Checkpoint(ctx, all, opts.Reset)
	if err != nil {
		return nil, err
	}
	if checkpoint == nil {
		log.Info("every polygon in the plan is already complete")
		return nil, nil
	}

	vessels, err := buildVessels(ctx, st, desc.Grid, plan)
	if err != nil {
		return nil, err
	}

	run := &model.DrillRun{
		ID:            uuid.NewString(),
		Artifact:      path,
		Polygons:      len(all),
		AggregateDays: opts.Dispatch.AggregateDays,
		Status:        model.RunStatusRunning,
		StartedAt:     time.Now().UTC(),
	}
	if err := st.StartRun(ctx, run); err != nil {
		return nil, err
	}
	rlog := log.With(zap.String("run_id", run.ID))
	rlog.Info("run started",
		zap.String("artifact", path),
		zap.Int("polygons", run.Polygons),
		zap.Int("vessels", len(vessels)),
		zap.Time("checkpoint", *checkpoint),
	)

	kernel := opts.Kernel
	if kernel == nil {
		kernel = raster.NewZonalStats()
	}
	pool := dispatch.NewPool(ctx, artifact.NewSliceLoader(desc), opts.Workers, opts.Metrics)
	sum, runErr := dispatch.New(desc, pool, kernel, st, vessels, opts.Dispatch, opts.Metrics).Run(ctx, checkpoint)
	if err := pool.Close(); err != nil {
		rlog.Warn("closing worker pool", zap.Error(err))
	}

	run.Windows = sum.Windows
	run.Rows = sum.Rows
	if runErr != nil {
		run.Status = model.RunStatusFailed
		run.Error = runErr.Error()
		// The run context may be what failed; the log entry still lands.
		if err := st.FailRun(context.WithoutCancel(ctx), run.ID, run.Error); err != nil {
			rlog.Error("recording run failure", zap.Error(err))
		}
		rlog.Error("run failed", zap.Error(runErr), zap.Int64("windows", sum.Windows))
		return run, runErr
	}

	if err := st.CompleteRun(ctx, run.ID, sum.Windows, sum.Rows); err != nil {
		return run, err
	}
	now := time.Now().UTC()
	run.Status = model.RunStatusComplete
	run.CompletedAt = &now
	rlog.Info("run complete",
		zap.Int64("windows", sum.Windows),
		zap.Int64("rows", sum.Rows),
		zap.Int64("finalized", sum.Finalized),
	)
	return run, nil
}

// buildVessels loads the plan's geometries and rasterizes one label mask
// per vessel. Polygons whose geometry is gone go to the sentinel vessel.
func buildVessels(ctx context.Context, st store.Store, grid raster.Grid, plan *Plan) ([]dispatch.Vessel, error) {
	geoms, err := st.Geometries(ctx, plan.PolygonIDs())
	if err != nil {
		return nil, err
	}

	sentinel := dispatch.Vessel{Index: partition.Excluded, IDs: plan.ExcludedIDs()}
	var vessels []dispatch.Vessel
	for _, pv := range plan.Vessels {
		v := dispatch.Vessel{Index: pv.Index}
		var zones []raster.Zone
		for _, p := range pv.Polygons {
			g := geoms[p.ID]
			if g == nil || g.Empty() {
				zap.L().Warn("polygon has no stored geometry, excluding", zap.Int64("poly_id", p.ID))
				sentinel.IDs = append(sentinel.IDs, p.ID)
				continue
			}
			v.IDs = append(v.IDs, p.ID)
			zones = append(zones, raster.Zone{ID: p.ID, Geometry: g})
		}
		if len(zones) == 0 {
			continue
		}
		v.Mask = raster.Rasterize(grid, zones)
		vessels = append(vessels, v)
	}
	if len(sentinel.IDs) > 0 {
		vessels = append(vessels, sentinel)
	}
	return vessels, nil
}
