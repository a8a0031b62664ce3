// Package artifact reads and writes the grouped query artifact a drill runs
// over: an lz4-compressed JSON descriptor naming the product, the ordered
// time axis, the pixel grid and the bands, plus one lz4-compressed raster
// slice file per time step.
package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/rotisserie/eris"

	"github.com/sells-group/wetland-drill/internal/raster"
)

// ErrCorrupt is returned for artifacts that cannot be decoded or that are
// internally inconsistent.
var ErrCorrupt = eris.New("artifact: corrupt")

// Band names one raster band and its nodata value.
type Band struct {
	Name   string  `json:"name"`
	Nodata float32 `json:"nodata"`
}

// Descriptor is the decoded grouped query artifact.
type Descriptor struct {
	Product string      `json:"product"`
	Times   []time.Time `json:"times"`
	Grid    raster.Grid `json:"grid"`
	Bands   []Band      `json:"bands"`
	// Sources holds one slice file per time step. Relative paths resolve
	// against the descriptor's directory.
	Sources []string `json:"sources"`

	dir string
}

// Nodata returns the nodata vector in band order.
func (d *Descriptor) Nodata() []float32 {
	out := make([]float32, len(d.Bands))
	for i, b := range d.Bands {
		out[i] = b.Nodata
	}
	return out
}

// SourcePath resolves the slice file of time step i.
func (d *Descriptor) SourcePath(i int) string {
	p := d.Sources[i]
	if filepath.IsAbs(p) || d.dir == "" {
		return p
	}
	return filepath.Join(d.dir, p)
}

// Validate checks the descriptor is consistent.
func (d *Descriptor) Validate() error {
	if d.Product == "" {
		return eris.Wrap(ErrCorrupt, "artifact: missing product")
	}
	if len(d.Sources) != len(d.Times) {
		return eris.Wrapf(ErrCorrupt, "artifact: %d sources for %d time steps", len(d.Sources), len(d.Times))
	}
	for i := 1; i < len(d.Times); i++ {
		if !d.Times[i].After(d.Times[i-1]) {
			return eris.Wrapf(ErrCorrupt, "artifact: time axis not ascending at step %d", i)
		}
	}
	if err := d.Grid.Validate(); err != nil {
		return eris.Wrap(ErrCorrupt, err.Error())
	}
	if len(d.Bands) != raster.NumBands {
		return eris.Wrapf(ErrCorrupt, "artifact: %d bands, want %d", len(d.Bands), raster.NumBands)
	}
	for i, b := range d.Bands {
		if b.Name != raster.BandNames[i] {
			return eris.Wrapf(ErrCorrupt, "artifact: band %d is %q, want %q", i, b.Name, raster.BandNames[i])
		}
	}
	return nil
}

// Load reads and validates a descriptor file.
func Load(path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	var d Descriptor
	if err := json.NewDecoder(lz4.NewReader(f)).Decode(&d); err != nil {
		return nil, eris.Wrapf(ErrCorrupt, "artifact: decode %s: %v", path, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	d.dir = filepath.Dir(path)
	return &d, nil
}

// Save validates d and writes it to path.
func Save(path string, d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "artifact: create %s", path)
	}
	zw := lz4.NewWriter(f)
	if err := json.NewEncoder(zw).Encode(d); err != nil {
		_ = f.Close()
		return eris.Wrap(err, "artifact: encode descriptor")
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return eris.Wrap(err, "artifact: flush descriptor")
	}
	return eris.Wrap(f.Close(), "artifact: close descriptor")
}
