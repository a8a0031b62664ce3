package store

import (
	"github.com/twpayne/go-geom"

	"github.com/sells-group/wetland-drill/internal/shapes"
)

var (
	contentHash    = shapes.ContentHash
	encodeGeometry = shapes.EncodeEWKB
	decodeGeometry = shapes.DecodeEWKB
)

// dedupe returns ids without repeats, preserving first-seen order.
func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func bounds(g *geom.MultiPolygon) (minX, minY, maxX, maxY float64) {
	b := g.Bounds()
	return b.Min(0), b.Min(1), b.Max(0), b.Max(1)
}
