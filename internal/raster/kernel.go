package raster

import (
	"math"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/wetland-drill/internal/model"
)

// DefaultWetThreshold is the tasselled cap wetness value above which a
// pixel counts as wet.
const DefaultWetThreshold float32 = -350

// fixedScale is the fixed-point scale used to accumulate per-pixel class
// shares. Integer sums do not depend on the order rows are visited in.
const fixedScale = 1e9

// ZoneFractions is the kernel output for one polygon.
type ZoneFractions struct {
	PolyID    int64
	Fractions model.Fractions
	// Valid is the number of pixels that contributed to the fractions.
	Valid int
	// Total is the number of pixels labelled with the polygon.
	Total int
}

// ValidShare is the share of labelled pixels that were valid.
func (z ZoneFractions) ValidShare() float64 {
	if z.Total == 0 {
		return 0
	}
	return float64(z.Valid) / float64(z.Total)
}

// Kernel computes per-polygon class fractions of a reduced stack.
type Kernel interface {
	Compute(stack *Stack, mask *LabelMask, ids []int64, nodata []float32, threads int) ([]ZoneFractions, error)
}

// KernelFunc adapts a function to Kernel.
type KernelFunc func(stack *Stack, mask *LabelMask, ids []int64, nodata []float32, threads int) ([]ZoneFractions, error)

// Compute calls f.
func (f KernelFunc) Compute(stack *Stack, mask *LabelMask, ids []int64, nodata []float32, threads int) ([]ZoneFractions, error) {
	return f(stack, mask, ids, nodata, threads)
}

// ZonalStats is the reference wetland kernel. Each valid pixel contributes
// a share to the classes: observed water counts as water, wetness above
// WetThreshold counts as wet and otherwise the fractional cover bands are
// split in proportion to their values.
type ZonalStats struct {
	WetThreshold float32
}

// NewZonalStats returns the kernel with the default wetness threshold.
func NewZonalStats() ZonalStats {
	return ZonalStats{WetThreshold: DefaultWetThreshold}
}

type zoneAcc struct {
	shares [model.NumClasses]int64
	valid  int
	total  int
}

// Compute returns fractions for every id in ids that is present in mask, in
// ids order. The result is identical for every thread count.
func (k ZonalStats) Compute(stack *Stack, mask *LabelMask, ids []int64, nodata []float32, threads int) ([]ZoneFractions, error) {
	if stack.Bands != NumBands || len(nodata) != NumBands {
		return nil, eris.Errorf("raster: kernel needs %d bands and nodata values, got %d and %d", NumBands, stack.Bands, len(nodata))
	}
	if stack.Width != mask.Width || stack.Height != mask.Height {
		return nil, eris.Errorf("raster: kernel stack %dx%d does not match mask %dx%d",
			stack.Height, stack.Width, mask.Height, mask.Width)
	}
	threads = max(1, min(threads, stack.Height))

	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	parts := make([]map[int64]*zoneAcc, threads)
	rowsPer := (stack.Height + threads - 1) / threads
	var g errgroup.Group
	for t := range threads {
		r0 := t * rowsPer
		r1 := min(stack.Height, r0+rowsPer)
		g.Go(func() error {
			parts[t] = k.accumulate(stack, mask, want, nodata, r0, r1)
			return nil
		})
	}
	_ = g.Wait()

	merged := make(map[int64]*zoneAcc)
	for _, part := range parts {
		for id, a := range part {
			m, ok := merged[id]
			if !ok {
				m = &zoneAcc{}
				merged[id] = m
			}
			for c := range a.shares {
				m.shares[c] += a.shares[c]
			}
			m.valid += a.valid
			m.total += a.total
		}
	}

	out := make([]ZoneFractions, 0, len(merged))
	for _, id := range ids {
		a, ok := merged[id]
		if !ok {
			continue
		}
		delete(merged, id)
		zf := ZoneFractions{PolyID: id, Valid: a.valid, Total: a.total}
		if a.valid > 0 {
			for c := range a.shares {
				zf.Fractions[c] = float64(a.shares[c]) / fixedScale / float64(a.valid)
			}
		}
		out = append(out, zf)
	}
	return out, nil
}

func (k ZonalStats) accumulate(stack *Stack, mask *LabelMask, want map[int64]bool, nodata []float32, r0, r1 int) map[int64]*zoneAcc {
	accs := make(map[int64]*zoneAcc)
	bs, pv, npv := stack.Band(BandBS), stack.Band(BandPV), stack.Band(BandNPV)
	wet, water := stack.Band(BandWet), stack.Band(BandWater)

	for i := r0 * stack.Width; i < r1*stack.Width; i++ {
		id := mask.Labels[i]
		if id == NoLabel || !want[id] {
			continue
		}
		a, ok := accs[id]
		if !ok {
			a = &zoneAcc{}
			accs[id] = a
		}
		a.total++

		switch {
		case water[i] != nodata[BandWater] && water[i] > 0:
			a.shares[model.ClassWater] += fixedScale
		case wet[i] != nodata[BandWet] && wet[i] > k.WetThreshold:
			a.shares[model.ClassWet] += fixedScale
		case bs[i] != nodata[BandBS] && pv[i] != nodata[BandPV] && npv[i] != nodata[BandNPV]:
			sum := float64(bs[i]) + float64(pv[i]) + float64(npv[i])
			if sum <= 0 {
				continue
			}
			a.shares[model.ClassBareSoil] += share(bs[i], sum)
			a.shares[model.ClassGreenVeg] += share(pv[i], sum)
			a.shares[model.ClassDryVeg] += share(npv[i], sum)
		default:
			continue
		}
		a.valid++
	}
	return accs
}

func share(v float32, sum float64) int64 {
	return int64(math.Round(float64(v) / sum * fixedScale))
}
