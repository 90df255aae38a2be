package consensus

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Similarity conventions shared by every metric below: values live in [0,1],
// 1 means identical, the functions are symmetric, and results are memoized
// per handle pair for the lifetime of the merge call.

const fractionEpsilon = 1e-7

// distance returns the memoized similarity of two annotations of one type.
func (s *session) distance(typ AnnotationType, a, b Handle) float64 {
	if v, ok := s.cache.Get(a, b); ok {
		return v
	}
	v := s.computeDistance(typ, a, b)
	s.cache.Set(a, b, v)
	return v
}

func (s *session) computeDistance(typ AnnotationType, a, b Handle) float64 {
	switch typ {
	case Tag:
		if s.ann(a).Label == s.ann(b).Label {
			return 1
		}
		return 0
	case Box:
		return s.boxDistance(s.ann(a), s.ann(b))
	case Polygon, Mask:
		return maskIoU(s.rasterize(s.ann(a)), s.rasterize(s.ann(b)))
	case PolyLine:
		return s.lineDistance(s.ann(a), s.ann(b))
	case Points:
		return s.pointsDistance(s.ann(a), s.ann(b))
	case Skeleton:
		return s.skeletonDistance(a, b)
	}
	return 0
}

// gaussianSim maps a squared pixel distance to a similarity in (0,1] with an
// exponential falloff controlled by the object scale and a tolerance radius.
func gaussianSim(distSq, scale, radius float64) float64 {
	denom := 2 * scale * (2 * radius) * (2 * radius)
	if denom <= 0 {
		if distSq == 0 {
			return 1
		}
		return 0
	}
	return math.Exp(-distSq / denom)
}

func pointDistSq(p, q orb.Point) float64 {
	dx := p[0] - q[0]
	dy := p[1] - q[1]
	return dx*dx + dy*dy
}

// rasterize converts any shaped annotation into a pixel mask at the current
// item dimensions. Masks decode their runs, polygons and rotated boxes
// scan-fill their outlines, and the remaining types fill their bounding box.
func (s *session) rasterize(a *Annotation) *pixelMask {
	r := newRaster(s.itemW, s.itemH)
	if a.Type == Mask {
		r.addRuns(a.RLE, a.MaskWidth)
	} else {
		r.addRing(shapeRing(a))
	}
	return r.mask()
}

// boxDistance compares two boxes. Boxes with equal rotation compare on plain
// bound IoU; differing rotations fall back to rasterized overlap, since the
// intersection of rotated rectangles is not axis-aligned.
func (s *session) boxDistance(a, b *Annotation) float64 {
	if a.Rotation == b.Rotation {
		return boundIoU(a.Box.Bound(), b.Box.Bound())
	}
	return maskIoU(s.rasterize(a), s.rasterize(b))
}

// pointsDistance compares two keypoint sets. Degenerate sets whose bounding
// boxes are both empty (bare points) compare directly in image space. All
// other sets are first gated on bounding-box overlap, then aligned point to
// point by a min-cost assignment, and scored as the mean similarity of
// aligned points with unmatched points counted against the denominator.
func (s *session) pointsDistance(a, b *Annotation) float64 {
	aBound, bBound := a.GetBound(), b.GetBound()
	aArea := RectFromBound(aBound).Area()
	bArea := RectFromBound(bBound).Area()

	if aArea == 0 && bArea == 0 {
		return pairedPointsSim(a.Points, b.Points, s.settings.Sigma, float64(s.itemW)*float64(s.itemH))
	}

	if boundIoU(aBound, bBound) <= 0 {
		return 0
	}
	scale := RectFromBound(meanBound([]orb.Bound{aBound, bBound})).Area()
	if scale <= 0 {
		return 0
	}

	sim := func(p, q orb.Point) float64 {
		return gaussianSim(pointDistSq(p, q), scale, s.settings.Sigma)
	}

	cost := make([][]float64, len(a.Points))
	for i, p := range a.Points {
		cost[i] = make([]float64, len(b.Points))
		for j, q := range b.Points {
			if v := sim(p, q); v >= s.settings.PairwiseDist {
				cost[i][j] = 1 - v
			} else {
				cost[i][j] = forbiddenCost
			}
		}
	}
	assignment := assignMinCost(cost)

	total := 0.0
	matched := 0
	usedB := make([]bool, len(b.Points))
	for i, j := range assignment {
		if j < 0 {
			continue
		}
		total += sim(a.Points[i], b.Points[j])
		matched++
		usedB[j] = true
	}
	extras := len(a.Points) - matched
	for _, used := range usedB {
		if !used {
			extras++
		}
	}
	if matched+extras == 0 {
		return 0
	}
	return total / float64(matched+extras)
}

// pairedPointsSim scores two equal-length point lists position by position.
func pairedPointsSim(a, b []orb.Point, sigma, scale float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	total := 0.0
	for i := range a {
		total += gaussianSim(pointDistSq(a[i], b[i]), scale, sigma)
	}
	return total / float64(len(a))
}

// lineDistance compares two polylines with a tolerance-corridor metric: both
// lines are resampled onto a shared set of arc-length positions and scored
// by the mean similarity of corresponding samples. The result is direction
// agnostic: the reversed second line is tried as well and the better score
// wins.
func (s *session) lineDistance(a, b *Annotation) float64 {
	if len(a.Points) == 0 || len(b.Points) == 0 {
		return 0
	}
	scale := float64(s.itemW) * float64(s.itemH)

	// coarse reject on enclosing circles before any resampling
	aCenter, aRadSq := enclosingCircle(a.Points)
	bCenter, bRadSq := enclosingCircle(b.Points)
	reach := 6 * s.settings.TorsoR
	if pointDistSq(aCenter, bCenter) > aRadSq+bRadSq+scale*reach*reach {
		return 0
	}

	fractions := mergedFractions(a.Points, b.Points)
	aSamples := sampleAtFractions(a.Points, fractions)
	bSamples := sampleAtFractions(b.Points, fractions)

	direct := s.compareSampledLines(aSamples, bSamples, scale)
	reversed := s.compareSampledLines(aSamples, reversePoints(bSamples), scale)
	return math.Max(direct, reversed)
}

func (s *session) compareSampledLines(a, b []orb.Point, scale float64) float64 {
	if len(a) == 0 {
		return 0
	}
	total := 0.0
	for i := range a {
		total += gaussianSim(pointDistSq(a[i], b[i]), scale, s.settings.TorsoR)
	}
	return total / float64(len(a))
}

// enclosingCircle returns the center and squared radius of the bounding-box
// circumcircle of a vertex chain.
func enclosingCircle(pts []orb.Point) (orb.Point, float64) {
	bound := pointsBound(pts)
	center := bound.Center()
	dx := bound.Max[0] - bound.Min[0]
	dy := bound.Max[1] - bound.Min[1]
	return center, (dx*dx + dy*dy) / 4
}

// mergedFractions returns the sorted union of both lines' normalized
// arc-length breakpoints, so that each original vertex of either line gets a
// sample position on both.
func mergedFractions(a, b []orb.Point) []float64 {
	merged := append(lineFractions(a), lineFractions(b)...)
	sort.Float64s(merged)
	out := merged[:0]
	for _, f := range merged {
		if len(out) == 0 || f-out[len(out)-1] > fractionEpsilon {
			out = append(out, f)
		}
	}
	return out
}

// lineFractions returns each vertex's position along the chain as a fraction
// of total length. Zero-length chains collapse to a single leading zero.
func lineFractions(pts []orb.Point) []float64 {
	total := lineLength(pts)
	fractions := make([]float64, len(pts))
	if total == 0 {
		return fractions
	}
	walked := 0.0
	for i := 1; i < len(pts); i++ {
		walked += planar.Distance(pts[i-1], pts[i])
		fractions[i] = walked / total
	}
	return fractions
}

func sampleAtFractions(pts []orb.Point, fractions []float64) []orb.Point {
	total := lineLength(pts)
	samples := make([]orb.Point, len(fractions))
	for i, f := range fractions {
		samples[i] = pointAlongLine(pts, f*total)
	}
	return samples
}

func reversePoints(pts []orb.Point) []orb.Point {
	out := make([]orb.Point, len(pts))
	for i, p := range pts {
		out[len(pts)-1-i] = p
	}
	return out
}

// skeletonDistance compares two skeletons through their point-set stand-ins
// built during matching. Skeletons excluded for having no non-absent
// sub-points never match anything.
func (s *session) skeletonDistance(a, b Handle) float64 {
	sa, okA := s.skelStandIn[a]
	sb, okB := s.skelStandIn[b]
	if !okA || !okB || sa == invalidHandle || sb == invalidHandle {
		return 0
	}
	return s.keypointsDistance(sa, sb)
}

// keypointsDistance scores two aligned keypoint lists with visibility
// weighting: only pairs visible on both sides contribute similarity, while
// pairs visible on either side widen the denominator. The sets are gated on
// the overlap of their instance bounding boxes.
func (s *session) keypointsDistance(a, b Handle) float64 {
	aAnn, bAnn := s.ann(a), s.ann(b)
	if len(aAnn.Points) != len(bAnn.Points) {
		return 0
	}

	aBound, bBound := s.instanceBox[a], s.instanceBox[b]
	if boundIoU(aBound, bBound) <= 0 {
		return 0
	}
	scale := RectFromBound(meanBound([]orb.Bound{aBound, bBound})).Area()

	total := 0.0
	eitherVisible := 0
	for i := range aAnn.Points {
		aVis := aAnn.PointVisibility(i) == VisibilityVisible
		bVis := bAnn.PointVisibility(i) == VisibilityVisible
		if !aVis && !bVis {
			continue
		}
		eitherVisible++
		if aVis && bVis {
			total += gaussianSim(pointDistSq(aAnn.Points[i], bAnn.Points[i]), scale, s.settings.Sigma)
		}
	}
	if eitherVisible == 0 {
		return 0
	}
	return total / float64(eitherVisible)
}
