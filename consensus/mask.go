package consensus

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
)

// pixelMask is a run-length encoded binary raster. Runs alternate between
// background and foreground pixel counts, starting with background, and flow
// row-major across the whole w*h grid (a run may span row boundaries).
type pixelMask struct {
	w, h int
	runs []int
}

// area counts the foreground pixels.
func (m *pixelMask) area() int {
	total := 0
	for i := 1; i < len(m.runs); i += 2 {
		total += m.runs[i]
	}
	return total
}

// maskIoU computes Intersection-over-Union of two masks by walking both run
// sequences in lockstep, without decoding to a full raster.
func maskIoU(a, b *pixelMask) float64 {
	if a == nil || b == nil || a.w != b.w || a.h != b.h || a.w == 0 {
		return 0
	}

	inter := 0
	ai, bi := 0, 0
	aLeft, bLeft := 0, 0
	aFg, bFg := true, true // toggled to background before the first run

	advanceA := func() bool {
		for aLeft == 0 {
			if ai >= len(a.runs) {
				return false
			}
			aLeft = a.runs[ai]
			ai++
			aFg = !aFg
		}
		return true
	}
	advanceB := func() bool {
		for bLeft == 0 {
			if bi >= len(b.runs) {
				return false
			}
			bLeft = b.runs[bi]
			bi++
			bFg = !bFg
		}
		return true
	}

	for advanceA() && advanceB() {
		step := aLeft
		if bLeft < step {
			step = bLeft
		}
		if aFg && bFg {
			inter += step
		}
		aLeft -= step
		bLeft -= step
	}

	union := a.area() + b.area() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// span is a half-open foreground interval [x0, x1) on one raster row.
type span struct {
	x0, x1 int
}

// encodeSpans converts per-row foreground spans into a run-length mask.
// Spans on each row must already be sorted and disjoint.
func encodeSpans(rows [][]span, w, h int) *pixelMask {
	m := &pixelMask{w: w, h: h}
	cursor := 0 // flat index of the next unencoded pixel
	emit := func(from, to int) {
		// append a foreground run [from, to), padding background before it
		if to <= from {
			return
		}
		if gap := from - cursor; gap == 0 && len(m.runs) > 0 {
			m.runs[len(m.runs)-1] += to - from
		} else {
			m.runs = append(m.runs, gap, to-from)
		}
		cursor = to
	}
	for y := 0; y < h; y++ {
		base := y * w
		for _, s := range rows[y] {
			emit(base+s.x0, base+s.x1)
		}
	}
	if total := w * h; cursor < total {
		m.runs = append(m.runs, total-cursor)
	}
	return m
}

// mergeSpans sorts row spans and unions overlapping or touching intervals.
func mergeSpans(spans []span) []span {
	if len(spans) < 2 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].x0 < spans[j].x0 })
	out := spans[:1]
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.x0 <= last.x1 {
			if s.x1 > last.x1 {
				last.x1 = s.x1
			}
		} else {
			out = append(out, s)
		}
	}
	return out
}

// ringRowSpans computes the even-odd filled spans of a ring on row y,
// sampling at the pixel-center scanline y+0.5.
func ringRowSpans(ring orb.Ring, y, w int) []span {
	yc := float64(y) + 0.5
	var xs []float64
	for i := 1; i < len(ring); i++ {
		p1, p2 := ring[i-1], ring[i]
		if (p1[1] <= yc && yc < p2[1]) || (p2[1] <= yc && yc < p1[1]) {
			t := (yc - p1[1]) / (p2[1] - p1[1])
			xs = append(xs, p1[0]+t*(p2[0]-p1[0]))
		}
	}
	if len(xs) < 2 {
		return nil
	}
	sort.Float64s(xs)

	var spans []span
	for i := 0; i+1 < len(xs); i += 2 {
		x0 := int(math.Ceil(xs[i] - 0.5))
		x1 := int(math.Ceil(xs[i+1] - 0.5))
		if x0 < 0 {
			x0 = 0
		}
		if x1 > w {
			x1 = w
		}
		if x0 < x1 {
			spans = append(spans, span{x0, x1})
		}
	}
	return spans
}

// raster accumulates foreground spans from rings and RLE runs, so that
// several shapes can be unioned into one mask. Instance comparison merges
// all same-group shapes this way before computing overlap.
type raster struct {
	w, h int
	rows [][]span
}

func newRaster(w, h int) *raster {
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return &raster{w: w, h: h, rows: make([][]span, h)}
}

// addRing scan-fills a closed outline with the even-odd rule.
func (r *raster) addRing(ring orb.Ring) {
	if len(ring) < 4 {
		return
	}
	b := ring.Bound()
	y0 := int(math.Floor(b.Min[1]))
	y1 := int(math.Ceil(b.Max[1]))
	if y0 < 0 {
		y0 = 0
	}
	if y1 > r.h {
		y1 = r.h
	}
	for y := y0; y < y1; y++ {
		r.rows[y] = append(r.rows[y], ringRowSpans(ring, y, r.w)...)
	}
}

// addRuns decodes annotation RLE runs, row-major over maskW columns,
// clipping to the target raster.
func (r *raster) addRuns(runs []int, maskW int) {
	if maskW <= 0 {
		return
	}
	flat := 0
	fg := false
	for _, n := range runs {
		if fg && n > 0 {
			for rem, pos := n, flat; rem > 0; {
				y := pos / maskW
				x := pos % maskW
				width := maskW - x
				if width > rem {
					width = rem
				}
				if y < r.h {
					x1 := x + width
					if x1 > r.w {
						x1 = r.w
					}
					if x < x1 {
						r.rows[y] = append(r.rows[y], span{x, x1})
					}
				}
				pos += width
				rem -= width
			}
		}
		flat += n
		fg = !fg
	}
}

// mask merges the accumulated spans and encodes the result.
func (r *raster) mask() *pixelMask {
	if r.w == 0 || r.h == 0 {
		return &pixelMask{}
	}
	for y := range r.rows {
		r.rows[y] = mergeSpans(r.rows[y])
	}
	return encodeSpans(r.rows, r.w, r.h)
}

// rasterizeRings fills the union of the given rings into a w*h mask.
func rasterizeRings(rings []orb.Ring, w, h int) *pixelMask {
	r := newRaster(w, h)
	for _, ring := range rings {
		r.addRing(ring)
	}
	return r.mask()
}

// rleBound returns the pixel-space bounding box of the foreground of an
// annotation RLE, or a zero bound when the mask is empty.
func rleBound(runs []int, maskW int) orb.Bound {
	if maskW <= 0 {
		return orb.Bound{}
	}
	minRow, maxRow := math.MaxInt, -1
	minCol, maxCol := math.MaxInt, -1
	flat := 0
	fg := false
	for _, n := range runs {
		if fg && n > 0 {
			first, last := flat, flat+n-1
			r0, r1 := first/maskW, last/maskW
			if r0 < minRow {
				minRow = r0
			}
			if r1 > maxRow {
				maxRow = r1
			}
			if r0 == r1 {
				if c := first % maskW; c < minCol {
					minCol = c
				}
				if c := last % maskW; c > maxCol {
					maxCol = c
				}
			} else {
				// the run wraps, so it touches both raster edges
				minCol = 0
				maxCol = maskW - 1
			}
		}
		flat += n
		fg = !fg
	}
	if maxRow < 0 {
		return orb.Bound{}
	}
	return orb.Bound{
		Min: orb.Point{float64(minCol), float64(minRow)},
		Max: orb.Point{float64(maxCol + 1), float64(maxRow + 1)},
	}
}
