package artifact

import (
	"fmt"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/sells-group/wetland-drill/internal/raster"
)

// DescriptorFile is the descriptor name used by WriteAll.
const DescriptorFile = "artifact.json.lz4"

// WriteAll writes one slice file per step into dir, points d's sources at
// them and saves the descriptor. It returns the descriptor path.
func WriteAll(dir string, d *Descriptor, steps []*raster.Stack) (string, error) {
	if len(steps) != len(d.Times) {
		return "", eris.Errorf("artifact: %d slices for %d time steps", len(steps), len(d.Times))
	}
	d.Sources = make([]string, len(steps))
	for i, s := range steps {
		if s.Width != d.Grid.Width || s.Height != d.Grid.Height || s.Bands != len(d.Bands) {
			return "", eris.Errorf("artifact: slice %d does not match the grid", i)
		}
		name := fmt.Sprintf("slice_%04d.wits", i)
		if err := WriteSlice(filepath.Join(dir, name), s); err != nil {
			return "", err
		}
		d.Sources[i] = name
	}
	path := filepath.Join(dir, DescriptorFile)
	if err := Save(path, d); err != nil {
		return "", err
	}
	d.dir = dir
	return path, nil
}

// StandardBands returns the band list with the given nodata vector.
func StandardBands(nodata []float32) []Band {
	bands := make([]Band, raster.NumBands)
	for i := range bands {
		bands[i] = Band{Name: raster.BandNames[i], Nodata: nodata[i]}
	}
	return bands
}
