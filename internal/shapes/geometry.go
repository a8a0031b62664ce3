package shapes

import (
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"github.com/twpayne/go-geom/xy/lineintersection"
	"github.com/twpayne/go-geom/xy/lineintersector"
	"github.com/twpayne/go-geom/xy/location"
)

var segments = lineintersector.RobustLineIntersector{}

// Intersects reports whether a and b share any point. Touching boundaries
// count as intersecting, since both would claim the boundary pixels.
func Intersects(a, b *geom.MultiPolygon) bool {
	if a == nil || b == nil || a.Empty() || b.Empty() {
		return false
	}
	if !a.Bounds().Overlaps(geom.XY, b.Bounds()) {
		return false
	}
	if crosses(a, b, func(lineintersection.Result, segment, segment) bool { return true }) {
		return true
	}
	// Without a boundary contact every part of one side is either wholly
	// inside the other side or wholly outside it.
	return anyPartInside(a, b) || anyPartInside(b, a)
}

// anyPartInside reports whether one vertex of any part of inner lies in outer.
func anyPartInside(inner, outer *geom.MultiPolygon) bool {
	for i := 0; i < inner.NumPolygons(); i++ {
		p := inner.Polygon(i)
		if p.NumLinearRings() == 0 {
			continue
		}
		if ContainsPoint(outer, p.LinearRing(0).Coord(0)) {
			return true
		}
	}
	return false
}

// Contains reports whether inner lies within outer. Every vertex and edge
// midpoint of inner must be inside or on outer, and no edge of inner may
// cross an edge of outer.
func Contains(outer, inner *geom.MultiPolygon) bool {
	if outer == nil || inner == nil || outer.Empty() || inner.Empty() {
		return false
	}
	for _, e := range edges(inner) {
		mid := geom.Coord{(e.a[0] + e.b[0]) / 2, (e.a[1] + e.b[1]) / 2}
		if !ContainsPoint(outer, e.a) || !ContainsPoint(outer, mid) {
			return false
		}
	}
	return !crosses(inner, outer, properCrossing)
}

// properCrossing is an intersection at a single point interior to both
// segments.
func properCrossing(r lineintersection.Result, p, q segment) bool {
	if r.Type() != lineintersection.PointIntersection {
		return false
	}
	c := r.Intersection()[0]
	for _, end := range []geom.Coord{p.a, p.b, q.a, q.b} {
		if c.Equal(geom.XY, end) {
			return false
		}
	}
	return true
}

// ContainsPoint reports whether c lies inside or on the boundary of mp.
// Points strictly inside a hole are outside.
func ContainsPoint(mp *geom.MultiPolygon, c geom.Coord) bool {
	for i := 0; i < mp.NumPolygons(); i++ {
		if polygonContains(mp.Polygon(i), c) {
			return true
		}
	}
	return false
}

func polygonContains(p *geom.Polygon, c geom.Coord) bool {
	if p.NumLinearRings() == 0 ||
		xy.LocatePointInRing(p.Layout(), c, p.LinearRing(0).FlatCoords()) == location.Exterior {
		return false
	}
	for r := 1; r < p.NumLinearRings(); r++ {
		if xy.LocatePointInRing(p.Layout(), c, p.LinearRing(r).FlatCoords()) == location.Interior {
			return false
		}
	}
	return true
}

type segment struct {
	a, b geom.Coord
}

func (s segment) bounds() *geom.Bounds {
	return geom.NewBounds(geom.XY).Set(
		min(s.a[0], s.b[0]), min(s.a[1], s.b[1]),
		max(s.a[0], s.b[0]), max(s.a[1], s.b[1]),
	)
}

func edges(mp *geom.MultiPolygon) []segment {
	var out []segment
	for i := 0; i < mp.NumPolygons(); i++ {
		p := mp.Polygon(i)
		for r := 0; r < p.NumLinearRings(); r++ {
			ring := p.LinearRing(r)
			for k := 0; k+1 < ring.NumCoords(); k++ {
				out = append(out, segment{ring.Coord(k), ring.Coord(k + 1)})
			}
		}
	}
	return out
}

// crosses reports whether any edge pair of a and b intersects in a way
// accepted by keep.
func crosses(a, b *geom.MultiPolygon, keep func(lineintersection.Result, segment, segment) bool) bool {
	bb := b.Bounds()
	eb := edges(b)
	for _, ea := range edges(a) {
		if !bb.Overlaps(geom.XY, ea.bounds()) {
			continue
		}
		for _, e := range eb {
			r := lineintersector.LineIntersectsLine(segments, ea.a, ea.b, e.a, e.b)
			if r.HasIntersection() && keep(r, ea, e) {
				return true
			}
		}
	}
	return false
}
