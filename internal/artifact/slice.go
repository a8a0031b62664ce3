package artifact

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"
	"github.com/rotisserie/eris"

	"github.com/sells-group/wetland-drill/internal/raster"
)

var sliceMagic = [4]byte{'W', 'I', 'T', 'S'}

// maxSliceValues bounds the pixel count a slice header may claim, so a
// corrupt header cannot size an allocation. 1<<30 float32s is 4 GiB.
const maxSliceValues = 1 << 30

type sliceHeader struct {
	Magic  [4]byte
	Bands  uint32
	Height uint32
	Width  uint32
}

// WriteSlice writes one time step to path as an lz4 stream of a fixed
// header followed by little-endian float32 pixels in [band][row][col] order.
func WriteSlice(path string, s *raster.Stack) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "artifact: create slice %s", path)
	}
	zw := lz4.NewWriter(f)
	bw := bufio.NewWriter(zw)

	hdr := sliceHeader{Magic: sliceMagic, Bands: uint32(s.Bands), Height: uint32(s.Height), Width: uint32(s.Width)}
	if err := binary.Write(bw, binary.LittleEndian, hdr); err != nil {
		_ = f.Close()
		return eris.Wrap(err, "artifact: write slice header")
	}
	if err := binary.Write(bw, binary.LittleEndian, s.Data); err != nil {
		_ = f.Close()
		return eris.Wrap(err, "artifact: write slice pixels")
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return eris.Wrap(err, "artifact: flush slice")
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return eris.Wrap(err, "artifact: close slice stream")
	}
	return eris.Wrap(f.Close(), "artifact: close slice")
}

// ReadSlice reads a whole slice file.
func ReadSlice(path string) (*raster.Stack, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: open slice %s", path)
	}
	defer f.Close() //nolint:errcheck

	r := bufio.NewReader(lz4.NewReader(f))
	hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	s := &raster.Stack{Bands: int(hdr.Bands), Height: int(hdr.Height), Width: int(hdr.Width)}
	s.Data = make([]float32, s.Bands*s.Height*s.Width)
	if err := binary.Read(r, binary.LittleEndian, s.Data); err != nil {
		return nil, eris.Wrapf(ErrCorrupt, "artifact: read slice %s: %v", path, err)
	}
	return s, nil
}

func readHeader(r io.Reader) (sliceHeader, error) {
	var hdr sliceHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return hdr, eris.Wrapf(ErrCorrupt, "artifact: read slice header: %v", err)
	}
	if hdr.Magic != sliceMagic {
		return hdr, eris.Wrap(ErrCorrupt, "artifact: bad slice magic")
	}
	if n := uint64(hdr.Bands) * uint64(hdr.Height) * uint64(hdr.Width); n > maxSliceValues {
		return hdr, eris.Wrapf(ErrCorrupt, "artifact: slice header claims %dx%dx%d values", hdr.Bands, hdr.Height, hdr.Width)
	}
	return hdr, nil
}

// Loader loads the pixels of one tile of one time step.
type Loader interface {
	Load(ctx context.Context, step int, tile raster.Tile) (*raster.Stack, error)
}

// SliceLoader loads tiles from the slice files named by a descriptor.
type SliceLoader struct {
	desc *Descriptor
}

// NewSliceLoader returns a loader over d's slice files.
func NewSliceLoader(d *Descriptor) *SliceLoader {
	return &SliceLoader{desc: d}
}

// Load streams the slice of step and keeps only the rows and columns of
// tile, so peak memory follows the tile size rather than the grid size.
func (l *SliceLoader) Load(ctx context.Context, step int, tile raster.Tile) (*raster.Stack, error) {
	if step < 0 || step >= len(l.desc.Sources) {
		return nil, eris.Errorf("artifact: time step %d out of range", step)
	}
	g := l.desc.Grid
	if tile.X < 0 || tile.Y < 0 || tile.X+tile.Width > g.Width || tile.Y+tile.Height > g.Height {
		return nil, eris.Errorf("artifact: tile %+v outside grid %dx%d", tile, g.Width, g.Height)
	}

	path := l.desc.SourcePath(step)
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: open slice %s", path)
	}
	defer f.Close() //nolint:errcheck

	r := bufio.NewReader(lz4.NewReader(f))
	hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if int(hdr.Bands) != len(l.desc.Bands) || int(hdr.Height) != g.Height || int(hdr.Width) != g.Width {
		return nil, eris.Wrapf(ErrCorrupt, "artifact: slice %s is %dx%dx%d, grid is %dx%dx%d",
			path, hdr.Bands, hdr.Height, hdr.Width, len(l.desc.Bands), g.Height, g.Width)
	}

	out := &raster.Stack{Bands: int(hdr.Bands), Height: tile.Height, Width: tile.Width}
	out.Data = make([]float32, out.Bands*tile.Height*tile.Width)
	row := make([]float32, g.Width)
	for b := 0; b < out.Bands; b++ {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "artifact: load cancelled")
		}
		for y := 0; y < g.Height; y++ {
			if err := binary.Read(r, binary.LittleEndian, row); err != nil {
				return nil, eris.Wrapf(ErrCorrupt, "artifact: read slice %s band %d row %d: %v", path, b, y, err)
			}
			if y < tile.Y || y >= tile.Y+tile.Height {
				continue
			}
			dst := out.Data[(b*tile.Height+y-tile.Y)*tile.Width:]
			copy(dst[:tile.Width], row[tile.X:tile.X+tile.Width])
		}
	}
	return out, nil
}
