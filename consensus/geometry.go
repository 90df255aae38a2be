package consensus

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// boundIoU computes Intersection-over-Union for two axis-aligned bounds.
func boundIoU(a, b orb.Bound) float64 {
	ix := math.Min(a.Max[0], b.Max[0]) - math.Max(a.Min[0], b.Min[0])
	iy := math.Min(a.Max[1], b.Max[1]) - math.Max(a.Min[1], b.Min[1])
	if ix <= 0 || iy <= 0 {
		return 0
	}
	intersection := ix * iy
	areaA := (a.Max[0] - a.Min[0]) * (a.Max[1] - a.Min[1])
	areaB := (b.Max[0] - b.Min[0]) * (b.Max[1] - b.Min[1])
	union := areaA + areaB - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// meanBound averages the corners of all bounds, matching the convention of
// averaging left/top/right/bottom edges independently.
func meanBound(bounds []orb.Bound) orb.Bound {
	if len(bounds) == 0 {
		return orb.Bound{}
	}
	var minX, minY, maxX, maxY float64
	for _, b := range bounds {
		minX += b.Min[0]
		minY += b.Min[1]
		maxX += b.Max[0]
		maxY += b.Max[1]
	}
	n := float64(len(bounds))
	return orb.Bound{
		Min: orb.Point{minX / n, minY / n},
		Max: orb.Point{maxX / n, maxY / n},
	}
}

// unionBound extends the first bound by all following ones.
func unionBound(bounds []orb.Bound) orb.Bound {
	if len(bounds) == 0 {
		return orb.Bound{}
	}
	u := bounds[0]
	for _, b := range bounds[1:] {
		u = u.Union(b)
	}
	return u
}

// rotatePoint rotates p around center by deg degrees, counter-clockwise.
func rotatePoint(p, center orb.Point, deg float64) orb.Point {
	rad := deg * math.Pi / 180
	sin, cos := math.Sincos(rad)
	dx := p[0] - center[0]
	dy := p[1] - center[1]
	return orb.Point{
		center[0] + dx*cos - dy*sin,
		center[1] + dx*sin + dy*cos,
	}
}

// boxRing converts a (possibly rotated) box to its corner ring. Rotation is
// applied about the box center.
func boxRing(r Rect, rotationDeg float64) orb.Ring {
	corners := []orb.Point{
		{r.X, r.Y},
		{r.X + r.W, r.Y},
		{r.X + r.W, r.Y + r.H},
		{r.X, r.Y + r.H},
	}
	if rotationDeg != 0 {
		center := orb.Point{r.X + r.W/2, r.Y + r.H/2}
		for i, c := range corners {
			corners[i] = rotatePoint(c, center, rotationDeg)
		}
	}
	ring := orb.Ring(corners)
	ring = append(ring, ring[0])
	return ring
}

// shapeRing converts any shaped annotation to a polygon outline for
// representative selection: boxes use their (rotated) corner ring, polygons
// use their own outline, and point sets, polylines, masks, and skeletons use
// their bounding box.
func shapeRing(a *Annotation) orb.Ring {
	switch a.Type {
	case Box:
		return boxRing(a.Box, a.Rotation)
	case Polygon:
		return closedRing(a.Points)
	default:
		return a.GetBound().ToRing()
	}
}

// closedRing copies pts into a ring, closing it when necessary.
func closedRing(pts []orb.Point) orb.Ring {
	if len(pts) == 0 {
		return nil
	}
	ring := make(orb.Ring, len(pts), len(pts)+1)
	copy(ring, pts)
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return ring
}

// ringArea returns the absolute area of a ring.
func ringArea(ring orb.Ring) float64 {
	return math.Abs(planar.Area(ring))
}

// lineLength returns the arc length of a vertex chain.
func lineLength(pts []orb.Point) float64 {
	return planar.Length(orb.LineString(pts))
}

// pointAlongLine returns the point at arc-length position target on the
// chain. Positions beyond the chain clamp to its endpoints.
func pointAlongLine(pts []orb.Point, target float64) orb.Point {
	if len(pts) == 0 {
		return orb.Point{}
	}
	if target <= 0 {
		return pts[0]
	}
	walked := 0.0
	for i := 1; i < len(pts); i++ {
		seg := planar.Distance(pts[i-1], pts[i])
		if walked+seg >= target {
			if seg == 0 {
				return pts[i]
			}
			t := (target - walked) / seg
			return orb.Point{
				pts[i-1][0] + t*(pts[i][0]-pts[i-1][0]),
				pts[i-1][1] + t*(pts[i][1]-pts[i-1][1]),
			}
		}
		walked += seg
	}
	return pts[len(pts)-1]
}
