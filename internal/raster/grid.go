// Package raster holds the in-memory raster types of a drill: the pixel
// grid, band stacks, polygon label masks, the per-window reduction and the
// zonal statistics kernel.
package raster

import (
	"math"

	"github.com/rotisserie/eris"
)

// Grid is a north-up pixel grid. (OriginX, OriginY) is the top-left corner;
// rows grow southwards.
type Grid struct {
	OriginX float64 `json:"origin_x"`
	OriginY float64 `json:"origin_y"`
	PixelX  float64 `json:"pixel_x"`
	PixelY  float64 `json:"pixel_y"`
	Width   int     `json:"width"`
	Height  int     `json:"height"`
	CRS     string  `json:"crs"`
}

// Validate checks the grid is usable.
func (g Grid) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return eris.Errorf("raster: invalid grid size %dx%d", g.Width, g.Height)
	}
	if g.PixelX <= 0 || g.PixelY <= 0 {
		return eris.Errorf("raster: invalid pixel size %gx%g", g.PixelX, g.PixelY)
	}
	return nil
}

// Cells returns the number of pixels in the grid.
func (g Grid) Cells() int {
	return g.Width * g.Height
}

// Center returns the map coordinates of the center of pixel (col, row).
func (g Grid) Center(col, row int) (x, y float64) {
	return g.OriginX + (float64(col)+0.5)*g.PixelX, g.OriginY - (float64(row)+0.5)*g.PixelY
}

// ToPixel converts map coordinates to fractional pixel coordinates.
func (g Grid) ToPixel(x, y float64) (col, row float64) {
	return (x - g.OriginX) / g.PixelX, (g.OriginY - y) / g.PixelY
}

// Window returns the clamped pixel window covering the map-space box.
// ok is false when the box lies entirely off the grid.
func (g Grid) Window(minX, minY, maxX, maxY float64) (t Tile, ok bool) {
	c0, r0 := g.ToPixel(minX, maxY)
	c1, r1 := g.ToPixel(maxX, minY)
	x0 := max(0, int(math.Floor(c0)))
	y0 := max(0, int(math.Floor(r0)))
	x1 := min(g.Width, int(math.Floor(c1))+1)
	y1 := min(g.Height, int(math.Floor(r1))+1)
	if x0 >= x1 || y0 >= y1 {
		return Tile{}, false
	}
	return Tile{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}, true
}

// Tile is a rectangular pixel window of a grid.
type Tile struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Cells returns the number of pixels in the tile.
func (t Tile) Cells() int {
	return t.Width * t.Height
}

// Tiles splits the grid into maxSide x maxSide tiles once its width plus
// height exceeds twice maxSide. The whole grid is returned as a single
// tile otherwise, or when maxSide is not positive.
func (g Grid) Tiles(maxSide int) []Tile {
	if maxSide <= 0 || g.Width+g.Height <= 2*maxSide {
		return []Tile{{Width: g.Width, Height: g.Height}}
	}
	var tiles []Tile
	for y := 0; y < g.Height; y += maxSide {
		for x := 0; x < g.Width; x += maxSide {
			tiles = append(tiles, Tile{
				X:      x,
				Y:      y,
				Width:  min(maxSide, g.Width-x),
				Height: min(maxSide, g.Height-y),
			})
		}
	}
	return tiles
}
