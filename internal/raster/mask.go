package raster

import (
	"math"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/wetland-drill/internal/shapes"
)

// NoLabel marks a pixel outside every polygon.
const NoLabel int64 = -1

// LabelMask assigns a polygon id to every pixel of a grid.
type LabelMask struct {
	Width  int
	Height int
	Labels []int64
}

// NewLabelMask returns a mask with every pixel set to NoLabel.
func NewLabelMask(width, height int) *LabelMask {
	m := &LabelMask{Width: width, Height: height, Labels: make([]int64, width*height)}
	for i := range m.Labels {
		m.Labels[i] = NoLabel
	}
	return m
}

// At returns the label of pixel (row, col).
func (m *LabelMask) At(row, col int) int64 {
	return m.Labels[row*m.Width+col]
}

// IDs returns the distinct labels present in the mask, in first-seen order.
func (m *LabelMask) IDs() []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, l := range m.Labels {
		if l == NoLabel || seen[l] {
			continue
		}
		seen[l] = true
		ids = append(ids, l)
	}
	return ids
}

// Zone is a polygon to burn into a label mask.
type Zone struct {
	ID       int64
	Geometry *geom.MultiPolygon
}

// Rasterize burns zones into a mask over grid. A pixel is labelled when its
// center falls inside the polygon or when the polygon boundary passes
// through it, so small polygons always claim at least one pixel. Later
// zones overwrite earlier ones; zones from one vessel never overlap.
func Rasterize(grid Grid, zones []Zone) *LabelMask {
	m := NewLabelMask(grid.Width, grid.Height)
	for _, z := range zones {
		if z.Geometry == nil || z.Geometry.Empty() {
			continue
		}
		b := z.Geometry.Bounds()
		win, ok := grid.Window(b.Min(0), b.Min(1), b.Max(0), b.Max(1))
		if !ok {
			continue
		}
		for row := win.Y; row < win.Y+win.Height; row++ {
			for col := win.X; col < win.X+win.Width; col++ {
				x, y := grid.Center(col, row)
				if shapes.ContainsPoint(z.Geometry, geom.Coord{x, y}) {
					m.Labels[row*m.Width+col] = z.ID
				}
			}
		}
		burnBoundary(grid, m, z)
	}
	return m
}

func burnBoundary(grid Grid, m *LabelMask, z Zone) {
	visit := func(col, row int) {
		if col < 0 || row < 0 || col >= m.Width || row >= m.Height {
			return
		}
		m.Labels[row*m.Width+col] = z.ID
	}
	for i := 0; i < z.Geometry.NumPolygons(); i++ {
		p := z.Geometry.Polygon(i)
		for r := 0; r < p.NumLinearRings(); r++ {
			ring := p.LinearRing(r)
			flat, stride := ring.FlatCoords(), ring.Stride()
			for j := 0; j+stride+1 < len(flat); j += stride {
				c0, r0 := grid.ToPixel(flat[j], flat[j+1])
				c1, r1 := grid.ToPixel(flat[j+stride], flat[j+stride+1])
				traverse(c0, r0, c1, r1, visit)
			}
		}
	}
}

// traverse visits every pixel crossed by the segment (c0,r0)-(c1,r1) given
// in fractional pixel coordinates.
func traverse(c0, r0, c1, r1 float64, visit func(col, row int)) {
	x, y := int(math.Floor(c0)), int(math.Floor(r0))
	xEnd, yEnd := int(math.Floor(c1)), int(math.Floor(r1))
	stepX, tMaxX, tDeltaX := axisStep(c0, c1, x)
	stepY, tMaxY, tDeltaY := axisStep(r0, r1, y)

	visit(x, y)
	for n := abs(xEnd-x) + abs(yEnd-y); n > 0; n-- {
		if tMaxX < tMaxY {
			x += stepX
			tMaxX += tDeltaX
		} else {
			y += stepY
			tMaxY += tDeltaY
		}
		visit(x, y)
	}
}

func axisStep(from, to float64, cell int) (step int, tMax, tDelta float64) {
	d := to - from
	switch {
	case d > 0:
		return 1, (float64(cell+1) - from) / d, 1 / d
	case d < 0:
		return -1, (from - float64(cell)) / -d, 1 / -d
	default:
		return 0, math.Inf(1), math.Inf(1)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
