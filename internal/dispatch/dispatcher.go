package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/wetland-drill/internal/artifact"
	"github.com/sells-group/wetland-drill/internal/model"
	"github.com/sells-group/wetland-drill/internal/monitoring"
	"github.com/sells-group/wetland-drill/internal/planner"
	"github.com/sells-group/wetland-drill/internal/raster"
)

// ResultWriter is the part of the result store the dispatcher writes to.
type ResultWriter interface {
	RecordResult(ctx context.Context, polyID int64, ts time.Time, ready bool, f model.Fractions) (bool, error)
	FinalizePolygon(ctx context.Context, polyID int64, ts time.Time) (bool, error)
}

// Vessel is a group of non-intersecting polygons and their label mask. A
// vessel without a mask is not drilled; its polygons are only finalized.
type Vessel struct {
	Index int
	IDs   []int64
	Mask  *raster.LabelMask
}

// Options tunes a dispatcher.
type Options struct {
	// AggregateDays is the aggregation window width; zero drills every
	// time step on its own.
	AggregateDays int
	// TimeChunk is the number of single time steps loaded per batch when
	// not aggregating.
	TimeChunk        int
	KernelThreads    int
	MaxTileSide      int
	WriteConcurrency int
	// MinValidFraction drops polygon results whose share of valid pixels
	// is below it.
	MinValidFraction float64
}

// Summary reports what a run did.
type Summary struct {
	Windows   int64
	Rows      int64
	Finalized int64
}

// Dispatcher drives one drill over an artifact.
type Dispatcher struct {
	desc    *artifact.Descriptor
	pool    *Pool
	kernel  raster.Kernel
	store   ResultWriter
	vessels []Vessel
	opts    Options
	metrics *monitoring.Metrics
	tiles   []raster.Tile
	nodata  []float32
}

// New creates a dispatcher. metrics may be nil.
func New(desc *artifact.Descriptor, pool *Pool, kernel raster.Kernel, st ResultWriter, vessels []Vessel, opts Options, metrics *monitoring.Metrics) *Dispatcher {
	opts.TimeChunk = max(1, opts.TimeChunk)
	opts.KernelThreads = max(1, opts.KernelThreads)
	opts.WriteConcurrency = max(1, opts.WriteConcurrency)
	return &Dispatcher{
		desc:    desc,
		pool:    pool,
		kernel:  kernel,
		store:   st,
		vessels: vessels,
		opts:    opts,
		metrics: metrics,
		tiles:   desc.Grid.Tiles(opts.MaxTileSide),
		nodata:  desc.Nodata(),
	}
}

// Run drills every work unit after checkpoint in time order, then marks
// every polygon ready. A failed unit aborts the run before anything of it
// is written; units already written stay written and a rerun resumes
// after them.
func (d *Dispatcher) Run(ctx context.Context, checkpoint *time.Time) (Summary, error) {
	log := zap.L().With(zap.String("component", "dispatch.dispatcher"))
	var sum Summary

	log.Info("starting drill",
		zap.String("product", d.desc.Product),
		zap.Int("time_steps", len(d.desc.Times)),
		zap.Int("tiles", len(d.tiles)),
		zap.Int("vessels", len(d.vessels)),
		zap.Int("aggregate_days", d.opts.AggregateDays),
		zap.Timep("checkpoint", checkpoint),
	)

	units := planner.Plan(d.desc.Times, checkpoint, d.opts.AggregateDays)
	if d.opts.AggregateDays > 0 {
		for u := range units {
			if err := d.runWindow(ctx, log, u, &sum); err != nil {
				return sum, err
			}
		}
	} else {
		for batch := range planner.Batches(units, d.opts.TimeChunk) {
			if err := d.runChunk(ctx, log, batch, &sum); err != nil {
				return sum, err
			}
		}
	}

	n, err := d.finalize(ctx, log)
	sum.Finalized = n
	if err != nil {
		return sum, err
	}

	log.Info("drill complete",
		zap.Int64("windows", sum.Windows),
		zap.Int64("rows", sum.Rows),
		zap.Int64("finalized", sum.Finalized),
	)
	return sum, nil
}

func (d *Dispatcher) tasksFor(steps []int) []Task {
	tasks := make([]Task, 0, len(steps)*len(d.tiles))
	for _, s := range steps {
		for _, t := range d.tiles {
			tasks = append(tasks, Task{Step: s, Tile: t})
		}
	}
	return tasks
}

// assemble pastes the tile results of one step into a full grid stack.
func (d *Dispatcher) assemble(results []Result) (*raster.Stack, error) {
	if len(results) == 1 && results[0].Task.Tile.Cells() == d.desc.Grid.Cells() {
		return results[0].Stack, nil
	}
	g := d.desc.Grid
	full := raster.NewStack(g.Height, g.Width, d.nodata)
	for _, r := range results {
		if err := full.Paste(r.Task.Tile, r.Stack); err != nil {
			return nil, eris.Wrapf(ErrTaskFailed, "dispatch: assemble step %d: %v", r.Task.Step, err)
		}
	}
	return full, nil
}

// runWindow loads every step of an aggregation window, folds them in time
// order and writes the results at the window start.
func (d *Dispatcher) runWindow(ctx context.Context, log *zap.Logger, u planner.WorkUnit, sum *Summary) error {
	start := time.Now()
	wlog := log.With(zap.Time("window_start", u.Start), zap.Time("window_end", u.End), zap.Int("steps", len(u.Indices)))
	wlog.Debug("aggregating window")

	results, err := d.pool.Submit(d.tasksFor(u.Indices)).Wait(ctx)
	if err != nil {
		return err
	}

	var merged *raster.Stack
	per := len(d.tiles)
	for i := range u.Indices {
		step, err := d.assemble(results[i*per : (i+1)*per])
		if err != nil {
			return err
		}
		if merged == nil {
			merged = step
			continue
		}
		if merged, err = raster.Reduce([]*raster.Stack{merged, step}, d.nodata); err != nil {
			return eris.Wrapf(ErrTaskFailed, "dispatch: reduce window %s: %v", u.Start, err)
		}
	}

	rows, err := d.drillAndWrite(ctx, merged, u.Start)
	if err != nil {
		return err
	}
	sum.Windows++
	sum.Rows += rows
	d.metrics.RecordWindow(time.Since(start), int(rows))
	wlog.Info("window written", zap.Int64("rows", rows), zap.Duration("elapsed", time.Since(start)))
	return nil
}

// runChunk loads a batch of single-step units together and writes them one
// unit at a time in time order.
func (d *Dispatcher) runChunk(ctx context.Context, log *zap.Logger, units []planner.WorkUnit, sum *Summary) error {
	start := time.Now()
	steps := make([]int, len(units))
	for i, u := range units {
		steps[i] = u.Indices[0]
	}

	batch := d.pool.Submit(d.tasksFor(steps))
	results, err := batch.Wait(ctx)
	if err != nil {
		return err
	}

	per := len(d.tiles)
	for i, u := range units {
		stepStart := time.Now()
		stack, err := d.assemble(results[i*per : (i+1)*per])
		if err != nil {
			return err
		}
		rows, err := d.drillAndWrite(ctx, stack, u.Start)
		if err != nil {
			return err
		}
		sum.Windows++
		sum.Rows += rows
		d.metrics.RecordWindow(time.Since(stepStart), int(rows))
		log.Debug("time step written", zap.Time("window_start", u.Start), zap.Int64("rows", rows))
	}
	log.Info("time chunk written",
		zap.Time("first", units[0].Start),
		zap.Time("last", units[len(units)-1].Start),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

type pendingWrite struct {
	polyID    int64
	fractions model.Fractions
}

// drillAndWrite runs the kernel for every vessel and writes all results at
// ts. It returns once every write has landed.
func (d *Dispatcher) drillAndWrite(ctx context.Context, stack *raster.Stack, ts time.Time) (int64, error) {
	var writes []pendingWrite
	for _, v := range d.vessels {
		if v.Mask == nil {
			continue
		}
		zones, err := d.kernel.Compute(stack, v.Mask, v.IDs, d.nodata, d.opts.KernelThreads)
		if err != nil {
			return 0, eris.Wrapf(ErrTaskFailed, "dispatch: kernel vessel %d at %s: %v", v.Index, ts, err)
		}
		for _, z := range zones {
			if d.opts.MinValidFraction > 0 && z.ValidShare() < d.opts.MinValidFraction {
				continue
			}
			writes = append(writes, pendingWrite{polyID: z.PolyID, fractions: z.Fractions})
		}
	}

	var rows atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.WriteConcurrency)
	for _, w := range writes {
		g.Go(func() error {
			if _, err := d.store.RecordResult(gctx, w.polyID, ts, false, w.fractions); err != nil {
				return eris.Wrapf(err, "dispatch: record result poly %d at %s", w.polyID, ts)
			}
			rows.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rows.Load(), err
	}
	return rows.Load(), nil
}

// finalize marks every polygon ready at the last time step. Polygons that
// never produced a non-zero result get a zero row.
func (d *Dispatcher) finalize(ctx context.Context, log *zap.Logger) (int64, error) {
	if len(d.desc.Times) == 0 {
		log.Warn("artifact has no time steps, nothing to finalize")
		return 0, nil
	}
	last := d.desc.Times[len(d.desc.Times)-1]

	var finalized atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.WriteConcurrency)
	for _, v := range d.vessels {
		for _, id := range v.IDs {
			g.Go(func() error {
				advanced, err := d.store.FinalizePolygon(gctx, id, last)
				if err != nil {
					return eris.Wrapf(err, "dispatch: finalize poly %d", id)
				}
				if advanced {
					finalized.Add(1)
				}
				return nil
			})
		}
	}
	err := g.Wait()
	d.metrics.RecordFinalized(int(finalized.Load()))
	return finalized.Load(), err
}
