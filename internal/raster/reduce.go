package raster

import (
	"github.com/rotisserie/eris"
)

// Reduce merges the time steps of one window, earliest first. Each
// fractional band keeps the first valid value seen at a pixel. The water
// band keeps its value once the pixel has been validly observed (a valid
// wetness value or observed water) and is taken from the next step until
// then.
func Reduce(steps []*Stack, nodata []float32) (*Stack, error) {
	if len(steps) == 0 {
		return nil, eris.New("raster: reduce of empty window")
	}
	if len(nodata) != NumBands {
		return nil, eris.Errorf("raster: reduce needs %d nodata values, got %d", NumBands, len(nodata))
	}
	acc := steps[0].Clone()
	if acc.Bands != NumBands {
		return nil, eris.Errorf("raster: reduce needs %d bands, got %d", NumBands, acc.Bands)
	}

	n := acc.Height * acc.Width
	wet := acc.Band(BandWet)
	water := acc.Band(BandWater)

	for _, step := range steps[1:] {
		if step.Bands != acc.Bands || step.Height != acc.Height || step.Width != acc.Width {
			return nil, eris.Errorf("raster: reduce shape mismatch %dx%dx%d vs %dx%dx%d",
				step.Bands, step.Height, step.Width, acc.Bands, acc.Height, acc.Width)
		}
		nextWater := step.Band(BandWater)
		for i := 0; i < n; i++ {
			if wet[i] == nodata[BandWet] && water[i] <= 0 {
				water[i] = nextWater[i]
			}
		}
		for _, b := range []int{BandBS, BandPV, BandNPV, BandWet} {
			cur, next, nd := acc.Band(b), step.Band(b), nodata[b]
			for i := 0; i < n; i++ {
				if cur[i] == nd {
					cur[i] = next[i]
				}
			}
		}
	}
	return acc, nil
}
