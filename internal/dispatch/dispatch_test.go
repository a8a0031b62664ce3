package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/sells-group/wetland-drill/internal/artifact"
	"github.com/sells-group/wetland-drill/internal/model"
	"github.com/sells-group/wetland-drill/internal/monitoring"
	"github.com/sells-group/wetland-drill/internal/partition"
	"github.com/sells-group/wetland-drill/internal/raster"
	"github.com/sells-group/wetland-drill/internal/resilience"
	"github.com/sells-group/wetland-drill/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var testNodata = []float32{255, 255, 255, -9999, -1}

var knownFractions = model.Fractions{0.1, 0.2, 0.3, 0.2, 0.2}

func day(n int) time.Time {
	return time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

// memLoader serves tiles from in-memory full-grid stacks.
type memLoader struct {
	steps   []*raster.Stack
	failAt  int
	mu      sync.Mutex
	loaded  []Task
	delayed time.Duration
}

func (m *memLoader) Load(ctx context.Context, step int, tile raster.Tile) (*raster.Stack, error) {
	if m.delayed > 0 {
		select {
		case <-time.After(m.delayed):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	m.loaded = append(m.loaded, Task{Step: step, Tile: tile})
	m.mu.Unlock()
	if step == m.failAt {
		return nil, errors.New("corrupt source image")
	}
	src := m.steps[step]
	out := &raster.Stack{Bands: src.Bands, Height: tile.Height, Width: tile.Width}
	out.Data = make([]float32, src.Bands*tile.Height*tile.Width)
	for b := 0; b < src.Bands; b++ {
		for r := 0; r < tile.Height; r++ {
			for c := 0; c < tile.Width; c++ {
				out.Set(b, r, c, src.At(b, tile.Y+r, tile.X+c))
			}
		}
	}
	return out, nil
}

func filled(h, w int, v float32) *raster.Stack {
	s := raster.NewStack(h, w, testNodata)
	for b := range raster.NumBands {
		band := s.Band(b)
		for i := range band {
			band[i] = v
		}
	}
	return s
}

func TestPool_ResultsInSubmissionOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	loader := &memLoader{steps: []*raster.Stack{filled(2, 2, 1), filled(2, 2, 2), filled(2, 2, 3)}, failAt: -1}
	p := NewPool(context.Background(), loader, 3, nil)
	defer p.Close() //nolint:errcheck

	tile := raster.Tile{Width: 2, Height: 2}
	results, err := p.Submit([]Task{{Step: 2, Tile: tile}, {Step: 0, Tile: tile}, {Step: 1, Tile: tile}}).Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, float32(3), results[0].Stack.At(0, 0, 0))
	assert.Equal(t, float32(1), results[1].Stack.At(0, 0, 0))
	assert.Equal(t, float32(2), results[2].Stack.At(0, 0, 0))

	results, err = p.Submit(nil).Wait(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestPool_TaskFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	loader := &memLoader{steps: []*raster.Stack{filled(1, 1, 1), filled(1, 1, 1)}, failAt: 1}
	reg := prometheus.NewRegistry()
	m, err := monitoring.NewMetrics(reg)
	require.NoError(t, err)

	p := NewPool(context.Background(), loader, 2, m)
	defer p.Close() //nolint:errcheck

	tile := raster.Tile{Width: 1, Height: 1}
	_, err = p.Submit([]Task{{Step: 0, Tile: tile}, {Step: 1, Tile: tile}}).Wait(context.Background())
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrTaskFailed))
	assert.Contains(t, err.Error(), "corrupt source image")
}

func TestPool_CloseReleasesWaiters(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	loader := &memLoader{steps: []*raster.Stack{filled(1, 1, 1)}, failAt: -1, delayed: time.Hour}
	p := NewPool(context.Background(), loader, 1, nil)

	tile := raster.Tile{Width: 1, Height: 1}
	b := p.Submit([]Task{{Step: 0, Tile: tile}, {Step: 0, Tile: tile}})

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Wait(context.Background())
		errCh <- err
	}()
	require.NoError(t, p.Close())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not released")
	}
}

func TestBatch_WaitContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	loader := &memLoader{steps: []*raster.Stack{filled(1, 1, 1)}, failAt: -1, delayed: time.Hour}
	p := NewPool(context.Background(), loader, 1, nil)
	defer p.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Submit([]Task{{Step: 0, Tile: raster.Tile{Width: 1, Height: 1}}}).Wait(ctx)
	assert.True(t, eris.Is(err, context.DeadlineExceeded))
}

// stubKernel reports knownFractions for every id present in the mask.
func stubKernel() raster.Kernel {
	return raster.KernelFunc(func(_ *raster.Stack, mask *raster.LabelMask, ids []int64, _ []float32, _ int) ([]raster.ZoneFractions, error) {
		present := map[int64]bool{}
		for _, id := range mask.IDs() {
			present[id] = true
		}
		var out []raster.ZoneFractions
		for _, id := range ids {
			if present[id] {
				out = append(out, raster.ZoneFractions{PolyID: id, Fractions: knownFractions, Valid: 1, Total: 1})
			}
		}
		return out, nil
	})
}

type write struct {
	polyID int64
	ts     time.Time
	ready  bool
}

// recordingStore keeps the write log of the dispatcher.
type recordingStore struct {
	mu        sync.Mutex
	writes    []write
	finalized map[int64]time.Time
	failOn    int64
}

func newRecordingStore() *recordingStore {
	return &recordingStore{finalized: map[int64]time.Time{}}
}

func (r *recordingStore) RecordResult(_ context.Context, polyID int64, ts time.Time, ready bool, _ model.Fractions) (bool, error) {
	if polyID == r.failOn {
		return false, errors.New("conn closed")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, write{polyID: polyID, ts: ts, ready: ready})
	return true, nil
}

func (r *recordingStore) FinalizePolygon(_ context.Context, polyID int64, ts time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized[polyID] = ts
	return true, nil
}

func box(x0, y0, x1, y1 float64) *geom.MultiPolygon {
	return geom.NewMultiPolygon(geom.XY).MustSetCoords([][][]geom.Coord{{{
		{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0},
	}}})
}

func testDescriptor(times ...time.Time) *artifact.Descriptor {
	d := &artifact.Descriptor{
		Product: "test",
		Times:   times,
		Grid:    raster.Grid{OriginX: 0, OriginY: 20, PixelX: 1, PixelY: 1, Width: 20, Height: 20},
		Bands:   artifact.StandardBands(testNodata),
	}
	for range times {
		d.Sources = append(d.Sources, "unused")
	}
	return d
}

func vesselsFor(t *testing.T, grid raster.Grid, candidates []partition.Candidate) []Vessel {
	t.Helper()
	geoms := map[int64]*geom.MultiPolygon{}
	for _, c := range candidates {
		geoms[c.ID] = c.Geometry
	}
	parts, err := partition.New(partition.NewLocalIntersector(candidates), 2).Partition(context.Background(), candidates)
	require.NoError(t, err)

	var out []Vessel
	for _, k := range parts.Indices() {
		var zones []raster.Zone
		for _, id := range parts[k] {
			zones = append(zones, raster.Zone{ID: id, Geometry: geoms[id]})
		}
		out = append(out, Vessel{Index: k, IDs: parts[k], Mask: raster.Rasterize(grid, zones)})
	}
	return out
}

var threePolygons = []partition.Candidate{
	{ID: 1, Geometry: box(1, 1, 6, 6)},
	{ID: 2, Geometry: box(4, 4, 9, 9)},
	{ID: 3, Geometry: box(12, 12, 18, 18)},
}

func TestDispatcher_EndToEnd(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "wit.db"), resilience.RetryConfig{MaxAttempts: 1})
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Bootstrap(ctx))

	var candidates []partition.Candidate
	for i, c := range threePolygons {
		id, _, err := st.UpsertPolygon(ctx, "p", c.Geometry, model.SourceRef{Shapefile: "t.shp", FeatureID: int64(i)})
		require.NoError(t, err)
		candidates = append(candidates, partition.Candidate{ID: id, Geometry: c.Geometry})
	}

	desc := testDescriptor(day(0), day(16))
	vessels := vesselsFor(t, desc.Grid, candidates)
	require.Len(t, vessels, 2, "overlapping pair split across vessels")
	assert.NotContains(t, vessels[0].IDs, candidates[1].ID)

	loader := &memLoader{steps: []*raster.Stack{filled(20, 20, 1), filled(20, 20, 1)}, failAt: -1}
	pool := NewPool(ctx, loader, 4, nil)
	defer pool.Close() //nolint:errcheck

	d := New(desc, pool, stubKernel(), st, vessels, Options{TimeChunk: 8, WriteConcurrency: 4, MaxTileSide: 7}, nil)
	sum, err := d.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Windows)
	assert.Equal(t, int64(6), sum.Rows)
	assert.Equal(t, int64(3), sum.Finalized)

	ids := []int64{candidates[0].ID, candidates[1].ID, candidates[2].ID}
	for _, id := range ids {
		rows, err := st.Results(ctx, id)
		require.NoError(t, err)
		require.Len(t, rows, 2, "poly %d", id)
		assert.InDeltaSlice(t, knownFractions[:], rows[1].Fractions[:], 1e-9)
	}

	status, err := st.Status(ctx, ids)
	require.NoError(t, err)
	for _, s := range status {
		assert.True(t, s.Ready)
		assert.True(t, day(16).Equal(s.LastUpdate))
	}

	// A rerun has nothing left to do.
	cp, err := st.Checkpoint(ctx, ids, false)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestDispatcher_AggregatedWindows(t *testing.T) {
	ctx := context.Background()
	desc := testDescriptor(day(0), day(10), day(16))
	vessels := vesselsFor(t, desc.Grid, threePolygons)

	loader := &memLoader{steps: []*raster.Stack{filled(20, 20, 1), filled(20, 20, 2), filled(20, 20, 3)}, failAt: -1}
	pool := NewPool(ctx, loader, 2, nil)
	defer pool.Close() //nolint:errcheck

	rec := newRecordingStore()
	d := New(desc, pool, stubKernel(), rec, vessels, Options{AggregateDays: 15, WriteConcurrency: 2, MaxTileSide: 16500}, nil)
	sum, err := d.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Windows)
	assert.Len(t, loader.loaded, 3)

	perPoly := map[int64][]time.Time{}
	for _, w := range rec.writes {
		assert.False(t, w.ready)
		perPoly[w.polyID] = append(perPoly[w.polyID], w.ts)
	}
	for _, c := range threePolygons {
		assert.Equal(t, []time.Time{day(0), day(16)}, perPoly[c.ID])
		assert.Equal(t, day(16), rec.finalized[c.ID])
	}
}

func TestDispatcher_ResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	desc := testDescriptor(day(0), day(1), day(2))
	vessels := vesselsFor(t, desc.Grid, threePolygons)

	loader := &memLoader{steps: []*raster.Stack{filled(20, 20, 1), filled(20, 20, 1), filled(20, 20, 1)}, failAt: -1}
	pool := NewPool(ctx, loader, 2, nil)
	defer pool.Close() //nolint:errcheck

	rec := newRecordingStore()
	cp := day(1)
	sum, err := New(desc, pool, stubKernel(), rec, vessels, Options{TimeChunk: 1}, nil).Run(ctx, &cp)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Windows)
	for _, task := range loader.loaded {
		assert.Equal(t, 2, task.Step)
	}
}

func TestDispatcher_TaskFailureAbortsUnit(t *testing.T) {
	ctx := context.Background()
	desc := testDescriptor(day(0), day(1), day(2))
	vessels := vesselsFor(t, desc.Grid, threePolygons)

	loader := &memLoader{steps: []*raster.Stack{filled(20, 20, 1), filled(20, 20, 1), filled(20, 20, 1)}, failAt: 1}
	pool := NewPool(ctx, loader, 2, nil)
	defer pool.Close() //nolint:errcheck

	rec := newRecordingStore()
	sum, err := New(desc, pool, stubKernel(), rec, vessels, Options{TimeChunk: 1}, nil).Run(ctx, nil)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrTaskFailed))
	assert.Equal(t, int64(1), sum.Windows)

	for _, w := range rec.writes {
		assert.Equal(t, day(0), w.ts, "nothing written past the failed unit")
	}
	assert.Empty(t, rec.finalized, "failed run is not finalized")
}

func TestDispatcher_WriteFailure(t *testing.T) {
	ctx := context.Background()
	desc := testDescriptor(day(0))
	vessels := vesselsFor(t, desc.Grid, threePolygons)

	loader := &memLoader{steps: []*raster.Stack{filled(20, 20, 1)}, failAt: -1}
	pool := NewPool(ctx, loader, 1, nil)
	defer pool.Close() //nolint:errcheck

	rec := newRecordingStore()
	rec.failOn = 3
	_, err := New(desc, pool, stubKernel(), rec, vessels, Options{}, nil).Run(ctx, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record result poly 3")
}

func TestDispatcher_MinValidFraction(t *testing.T) {
	ctx := context.Background()
	desc := testDescriptor(day(0))
	grid := desc.Grid

	// Polygon 1 sees only nodata, polygon 2 sees valid cover.
	s := raster.NewStack(20, 20, testNodata)
	for r := 10; r < 20; r++ {
		for c := 10; c < 20; c++ {
			s.Set(raster.BandBS, r, c, 10)
			s.Set(raster.BandPV, r, c, 10)
			s.Set(raster.BandNPV, r, c, 10)
		}
	}
	candidates := []partition.Candidate{
		{ID: 1, Geometry: box(1.5, 11.5, 5.5, 15.5)},
		{ID: 2, Geometry: box(12.5, 2.5, 16.5, 6.5)},
	}
	vessels := vesselsFor(t, grid, candidates)
	vessels = append(vessels, Vessel{Index: 0, IDs: []int64{9}})

	loader := &memLoader{steps: []*raster.Stack{s}, failAt: -1}
	pool := NewPool(ctx, loader, 1, nil)
	defer pool.Close() //nolint:errcheck

	rec := newRecordingStore()
	opts := Options{MinValidFraction: 0.5}
	sum, err := New(desc, pool, raster.NewZonalStats(), rec, vessels, opts, nil).Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Rows)
	require.Len(t, rec.writes, 1)
	assert.Equal(t, int64(2), rec.writes[0].polyID)

	// Every polygon is finalized, including the undrilled sentinel ones.
	assert.Len(t, rec.finalized, 3)
	assert.Contains(t, rec.finalized, int64(9))
}
