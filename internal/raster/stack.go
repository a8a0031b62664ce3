package raster

import (
	"github.com/rotisserie/eris"
)

// Band positions within a Stack.
const (
	BandBS = iota
	BandPV
	BandNPV
	BandWet
	BandWater
	NumBands
)

// BandNames are the artifact band names in Stack order.
var BandNames = [NumBands]string{"BS", "PV", "NPV", "TCW", "water"}

// Stack is a band-major [band][row][col] raster.
type Stack struct {
	Bands  int
	Height int
	Width  int
	Data   []float32
}

// NewStack allocates a stack with every band filled with its nodata value.
func NewStack(height, width int, nodata []float32) *Stack {
	s := &Stack{Bands: len(nodata), Height: height, Width: width, Data: make([]float32, len(nodata)*height*width)}
	for b, nd := range nodata {
		band := s.Band(b)
		for i := range band {
			band[i] = nd
		}
	}
	return s
}

// Band returns the pixels of band b in row-major order.
func (s *Stack) Band(b int) []float32 {
	n := s.Height * s.Width
	return s.Data[b*n : (b+1)*n]
}

// At returns the value of band b at (row, col).
func (s *Stack) At(b, row, col int) float32 {
	return s.Data[(b*s.Height+row)*s.Width+col]
}

// Set assigns the value of band b at (row, col).
func (s *Stack) Set(b, row, col int, v float32) {
	s.Data[(b*s.Height+row)*s.Width+col] = v
}

// Clone returns a deep copy.
func (s *Stack) Clone() *Stack {
	out := *s
	out.Data = append([]float32(nil), s.Data...)
	return &out
}

// Paste copies src into the window t of s.
func (s *Stack) Paste(t Tile, src *Stack) error {
	if src.Bands != s.Bands || src.Width != t.Width || src.Height != t.Height {
		return eris.Errorf("raster: paste %dx%dx%d into tile %dx%d of %d bands",
			src.Bands, src.Height, src.Width, t.Height, t.Width, s.Bands)
	}
	if t.X < 0 || t.Y < 0 || t.X+t.Width > s.Width || t.Y+t.Height > s.Height {
		return eris.Errorf("raster: tile %+v outside %dx%d stack", t, s.Height, s.Width)
	}
	for b := 0; b < s.Bands; b++ {
		for r := 0; r < t.Height; r++ {
			dst := s.Data[(b*s.Height+t.Y+r)*s.Width+t.X:]
			copy(dst[:t.Width], src.Data[(b*src.Height+r)*src.Width:][:t.Width])
		}
	}
	return nil
}
