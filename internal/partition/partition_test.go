package partition

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func box(x, y, size float64) *geom.MultiPolygon {
	return geom.NewMultiPolygon(geom.XY).MustSetCoords([][][]geom.Coord{{{
		{x, y}, {x + size, y}, {x + size, y + size}, {x, y + size}, {x, y},
	}}})
}

// boxes joins axis-aligned boxes into one multipolygon.
func boxes(parts ...*geom.MultiPolygon) *geom.MultiPolygon {
	mp := geom.NewMultiPolygon(geom.XY)
	for _, p := range parts {
		if err := mp.Push(p.Polygon(0)); err != nil {
			panic(err)
		}
	}
	return mp
}

// partsOverlap is exact for multipolygons made of axis-aligned boxes: two
// of them intersect when the bounds of any pair of parts overlap.
func partsOverlap(a, b *geom.MultiPolygon) bool {
	for i := 0; i < a.NumPolygons(); i++ {
		for j := 0; j < b.NumPolygons(); j++ {
			if a.Polygon(i).Bounds().Overlaps(geom.XY, b.Polygon(j).Bounds()) {
				return true
			}
		}
	}
	return false
}

func assertNoOverlap(t *testing.T, vessels Vessels, candidates []Candidate) {
	t.Helper()
	geoms := map[int64]*geom.MultiPolygon{}
	for _, c := range candidates {
		geoms[c.ID] = c.Geometry
	}
	for _, k := range vessels.Indices() {
		ids := vessels[k]
		for i := range ids {
			for j := i + 1; j < len(ids); j++ {
				assert.False(t, partsOverlap(geoms[ids[i]], geoms[ids[j]]),
					"vessel %d holds intersecting polygons %d and %d", k, ids[i], ids[j])
			}
		}
	}
}

func TestPartition_OverlappingPair(t *testing.T) {
	candidates := []Candidate{
		{ID: 1, Geometry: box(0, 0, 10)},
		{ID: 2, Geometry: box(5, 5, 10)},
		{ID: 3, Geometry: box(100, 100, 10)},
	}
	p := New(NewLocalIntersector(candidates), 4)

	vessels, err := p.Partition(context.Background(), candidates)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, vessels.Indices())
	assert.Equal(t, []int64{1, 3}, vessels[1])
	assert.Equal(t, []int64{2}, vessels[2])
	assert.Empty(t, vessels.Excluded())
	assert.ElementsMatch(t, []int64{1, 2, 3}, vessels.IDs())
}

func TestPartition_ExcludesEmptyGeometry(t *testing.T) {
	candidates := []Candidate{
		{ID: 1, Geometry: box(0, 0, 1)},
		{ID: 2, Geometry: nil},
		{ID: 3, Geometry: geom.NewMultiPolygon(geom.XY)},
	}
	vessels, err := New(NewLocalIntersector(candidates), 1).Partition(context.Background(), candidates)
	require.NoError(t, err)

	assert.Equal(t, []int64{2, 3}, vessels.Excluded())
	assert.Equal(t, []int64{1}, vessels.IDs())
}

func TestPartition_ReusesLowestVessel(t *testing.T) {
	// 1 and 2 overlap, 3 overlaps only 1, so 3 joins vessel 2 rather
	// than opening vessel 3.
	candidates := []Candidate{
		{ID: 1, Geometry: box(0, 0, 10)},
		{ID: 2, Geometry: box(8, 8, 10)},
		{ID: 3, Geometry: box(-5, -5, 6)},
	}
	vessels, err := New(NewLocalIntersector(candidates), 2).Partition(context.Background(), candidates)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, vessels[1])
	assert.Equal(t, []int64{2, 3}, vessels[2])
}

func TestPartition_MultiPartOverlap(t *testing.T) {
	// Only the second part of 1 lies inside 2.
	candidates := []Candidate{
		{ID: 1, Geometry: boxes(box(100, 100, 1), box(2, 2, 1))},
		{ID: 2, Geometry: box(0, 0, 10)},
	}
	vessels, err := New(NewLocalIntersector(candidates), 2).Partition(context.Background(), candidates)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, vessels[1])
	assert.Equal(t, []int64{2}, vessels[2])
}

func TestPartition_AnyOrder(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	randomBox := func() *geom.MultiPolygon {
		return box(float64(rng.IntN(50)), float64(rng.IntN(50)), float64(1+rng.IntN(10)))
	}
	var candidates []Candidate
	for i := range 60 {
		g := randomBox()
		if i%3 == 0 {
			g = boxes(box(float64(200+10*i), 200, 1), randomBox())
		}
		candidates = append(candidates, Candidate{ID: int64(i + 1), Geometry: g})
	}
	for range 5 {
		rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
		vessels, err := New(NewLocalIntersector(candidates), 8).Partition(context.Background(), candidates)
		require.NoError(t, err)
		assert.Len(t, vessels.IDs(), len(candidates))
		assertNoOverlap(t, vessels, candidates)
	}
}

type fakeStore struct {
	calls int
	err   error
}

func (f *fakeStore) IntersectingPolygons(_ context.Context, polyID int64, candidates []int64) ([]int64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if polyID == 1 {
		return []int64{2}, nil
	}
	if polyID == 2 {
		return []int64{1}, nil
	}
	return nil, nil
}

func TestPartition_StoreIntersector(t *testing.T) {
	candidates := []Candidate{
		{ID: 1, Geometry: box(0, 0, 1)},
		{ID: 2, Geometry: box(0, 0, 1)},
		{ID: 3, Geometry: box(5, 5, 1)},
	}
	st := &fakeStore{}
	vessels, err := New(NewStoreIntersector(st), 1).Partition(context.Background(), candidates)
	require.NoError(t, err)
	assert.Equal(t, 3, st.calls)
	assert.Equal(t, []int64{1, 3}, vessels[1])
	assert.Equal(t, []int64{2}, vessels[2])
}

func TestPartition_IntersectError(t *testing.T) {
	candidates := []Candidate{{ID: 1, Geometry: box(0, 0, 1)}}
	_, err := New(NewStoreIntersector(&fakeStore{err: errors.New("conn closed")}), 1).
		Partition(context.Background(), candidates)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intersect polygon 1")
}
