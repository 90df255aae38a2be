package consensus

import (
	"sort"

	"github.com/paulmach/orb"
)

// matchedPair is one cross-source match found by pairwise matching.
type matchedPair struct {
	a, b Handle
}

// matchTwoSources finds same-label, above-threshold matches between the
// annotations of one type from two sources. Polygons and masks are matched
// at the instance level; skeletons through their point-set stand-ins. Either
// side being empty yields no pairs.
func (s *session) matchTwoSources(typ AnnotationType, aAnns, bAnns []Handle) []matchedPair {
	if len(aAnns) == 0 || len(bAnns) == 0 {
		return nil
	}
	switch typ {
	case Polygon, Mask:
		return s.matchInstances(aAnns, bAnns)
	case Skeleton:
		return s.matchSkeletons(aAnns, bAnns)
	default:
		return s.matchPlain(typ, aAnns, bAnns)
	}
}

// matchCandidate is one admissible pairing considered by the greedy sweep.
type matchCandidate struct {
	i, j int
	sim  float64
}

// greedyMatch computes a best-effort bipartite matching between two indexed
// collections: all gated pairs at or above the threshold are sorted by
// similarity, descending, and taken greedily so each side matches at most
// once. Ties break on ascending indices to keep results deterministic.
func greedyMatch(na, nb int, sim func(i, j int) float64, gate func(i, j int) bool, thresh float64) (pairs [][2]int, aExtra, bExtra []int) {
	var cands []matchCandidate
	for i := 0; i < na; i++ {
		for j := 0; j < nb; j++ {
			if !gate(i, j) {
				continue
			}
			if v := sim(i, j); v >= thresh {
				cands = append(cands, matchCandidate{i: i, j: j, sim: v})
			}
		}
	}
	sort.Slice(cands, func(x, y int) bool {
		if cands[x].sim != cands[y].sim {
			return cands[x].sim > cands[y].sim
		}
		if cands[x].i != cands[y].i {
			return cands[x].i < cands[y].i
		}
		return cands[x].j < cands[y].j
	})

	aTaken := make([]bool, na)
	bTaken := make([]bool, nb)
	for _, c := range cands {
		if aTaken[c.i] || bTaken[c.j] {
			continue
		}
		aTaken[c.i] = true
		bTaken[c.j] = true
		pairs = append(pairs, [2]int{c.i, c.j})
	}
	for i, taken := range aTaken {
		if !taken {
			aExtra = append(aExtra, i)
		}
	}
	for j, taken := range bTaken {
		if !taken {
			bExtra = append(bExtra, j)
		}
	}
	return pairs, aExtra, bExtra
}

// matchPlain matches individual annotations on the type's distance with a
// same-label gate.
func (s *session) matchPlain(typ AnnotationType, aAnns, bAnns []Handle) []matchedPair {
	pairs, _, _ := greedyMatch(len(aAnns), len(bAnns),
		func(i, j int) float64 { return s.distance(typ, aAnns[i], bAnns[j]) },
		func(i, j int) bool { return s.ann(aAnns[i]).Label == s.ann(bAnns[j]).Label },
		s.settings.PairwiseDist)

	out := make([]matchedPair, len(pairs))
	for k, p := range pairs {
		out[k] = matchedPair{a: aAnns[p[0]], b: bAnns[p[1]]}
	}
	return out
}

// findInstanceGroups partitions annotations into instance groups: members
// sharing a nonzero Group id form one group, group 0 annotations stand
// alone. Groups come out ordered by group id, members by handle.
func (s *session) findInstanceGroups(anns []Handle) [][]Handle {
	sorted := append([]Handle(nil), anns...)
	sort.Slice(sorted, func(i, j int) bool {
		gi, gj := s.ann(sorted[i]).Group, s.ann(sorted[j]).Group
		if gi != gj {
			return gi < gj
		}
		return sorted[i] < sorted[j]
	})

	var groups [][]Handle
	i := 0
	for i < len(sorted) {
		g := s.ann(sorted[i]).Group
		if g == 0 {
			groups = append(groups, []Handle{sorted[i]})
			i++
			continue
		}
		j := i
		for j < len(sorted) && s.ann(sorted[j]).Group == g {
			j++
		}
		groups = append(groups, sorted[i:j])
		i = j
	}
	return groups
}

// segmentInstances refines instance groups by label: shapes sharing a group
// and a label rasterize together and compare as one object.
func (s *session) segmentInstances(anns []Handle) [][]Handle {
	var instances [][]Handle
	for _, group := range s.findInstanceGroups(anns) {
		byLabel := append([]Handle(nil), group...)
		sort.Slice(byLabel, func(i, j int) bool {
			li, lj := s.ann(byLabel[i]).Label, s.ann(byLabel[j]).Label
			if li != lj {
				return li < lj
			}
			return byLabel[i] < byLabel[j]
		})
		i := 0
		for i < len(byLabel) {
			label := s.ann(byLabel[i]).Label
			j := i
			for j < len(byLabel) && s.ann(byLabel[j]).Label == label {
				j++
			}
			instances = append(instances, byLabel[i:j])
			i = j
		}
	}
	return instances
}

// instanceMask rasterizes the union of one instance's shapes.
func (s *session) instanceMask(members []Handle) *pixelMask {
	r := newRaster(s.itemW, s.itemH)
	for _, h := range members {
		a := s.ann(h)
		if a.Type == Mask {
			r.addRuns(a.RLE, a.MaskWidth)
		} else {
			r.addRing(shapeRing(a))
		}
	}
	return r.mask()
}

// matchInstances matches polygon or mask annotations at the instance level:
// same-group, same-label shapes merge into one raster before comparison, and
// every annotation pair inside two matched instances is reported as matched.
func (s *session) matchInstances(aAnns, bAnns []Handle) []matchedPair {
	aInst := s.segmentInstances(aAnns)
	bInst := s.segmentInstances(bAnns)

	aMasks := make([]*pixelMask, len(aInst))
	bMasks := make([]*pixelMask, len(bInst))
	maskOf := func(masks []*pixelMask, inst [][]Handle, i int) *pixelMask {
		if masks[i] == nil {
			masks[i] = s.instanceMask(inst[i])
		}
		return masks[i]
	}

	pairs, _, _ := greedyMatch(len(aInst), len(bInst),
		func(i, j int) float64 {
			return maskIoU(maskOf(aMasks, aInst, i), maskOf(bMasks, bInst, j))
		},
		func(i, j int) bool {
			return s.ann(aInst[i][0]).Label == s.ann(bInst[j][0]).Label
		},
		s.settings.PairwiseDist)

	var out []matchedPair
	for _, p := range pairs {
		for _, ha := range aInst[p[0]] {
			for _, hb := range bInst[p[1]] {
				out = append(out, matchedPair{a: ha, b: hb})
			}
		}
	}
	return out
}

// prepareSkeletons synthesizes a point-set stand-in for every skeleton of
// the current item, across all sources, and records each stand-in's instance
// bounding box. Stand-ins re-key sub-points onto the canonical sub-label
// ordering declared for the skeleton's label; labels without a declared
// ordering fall back to the sorted union of sub-label names seen on this
// item. Skeletons whose sub-points are all absent get no stand-in and are
// excluded from matching.
func (s *session) prepareSkeletons(perSource [][]Handle) {
	fallback := make(map[int]map[string]bool)
	for _, anns := range perSource {
		for _, h := range anns {
			skel := s.ann(h)
			if _, declared := s.settings.SublabelsFor(s.labelName(skel.Label)); declared {
				continue
			}
			names := fallback[skel.Label]
			if names == nil {
				names = make(map[string]bool)
				fallback[skel.Label] = names
			}
			for _, el := range skel.Elements {
				names[el.Name] = true
			}
		}
	}
	for label, names := range fallback {
		order := make([]string, 0, len(names))
		for name := range names {
			order = append(order, name)
		}
		sort.Strings(order)
		s.subOrder[label] = order
	}

	for _, anns := range perSource {
		for _, h := range anns {
			skel := s.ann(h)
			if _, ok := s.subOrder[skel.Label]; !ok {
				declared, _ := s.settings.SublabelsFor(s.labelName(skel.Label))
				s.subOrder[skel.Label] = declared
			}
			s.makeStandIn(h, s.subOrder[skel.Label])
		}
		s.assignInstanceBoxes(anns)
	}
}

// makeStandIn builds the synthetic point set for one skeleton and registers
// it under a fresh handle owned by the same source.
func (s *session) makeStandIn(h Handle, order []string) {
	if _, done := s.skelStandIn[h]; done {
		return
	}
	skel := s.ann(h)
	pts := make([]orb.Point, len(order))
	vis := make([]Visibility, len(order))
	allAbsent := true
	for i, name := range order {
		vis[i] = VisibilityAbsent
		for _, el := range skel.Elements {
			if el.Name == name {
				pts[i] = el.Point
				vis[i] = el.Visibility
				break
			}
		}
		if vis[i] != VisibilityAbsent {
			allAbsent = false
		}
	}
	if allAbsent {
		s.skelStandIn[h] = invalidHandle
		return
	}

	standIn := &Annotation{
		Type:       Points,
		Label:      skel.Label,
		Points:     pts,
		Visibility: vis,
	}
	sh := s.register(standIn, s.sourceOf(h))
	s.skelStandIn[h] = sh
	s.standInOwner[sh] = h
}

// assignInstanceBoxes computes, per instance group of one source's
// skeletons, the union bounding box of the group, and records it for every
// stand-in in the group. Excluded skeletons still widen the box.
func (s *session) assignInstanceBoxes(skeletons []Handle) {
	for _, group := range s.findInstanceGroups(skeletons) {
		bounds := make([]orb.Bound, 0, len(group))
		for _, h := range group {
			bounds = append(bounds, s.ann(h).GetBound())
		}
		box := unionBound(bounds)
		for _, h := range group {
			if sh, ok := s.skelStandIn[h]; ok && sh != invalidHandle {
				s.instanceBox[sh] = box
			}
		}
	}
}

// matchSkeletons matches skeletons through their stand-ins and re-files the
// computed stand-in similarities under the owning skeleton pairs, so that
// clustering and merging read skeleton distances from the shared cache.
func (s *session) matchSkeletons(aAnns, bAnns []Handle) []matchedPair {
	aPoints := s.standIns(aAnns)
	bPoints := s.standIns(bAnns)
	if len(aPoints) == 0 || len(bPoints) == 0 {
		return nil
	}

	var computed []matchedPair
	dist := func(pa, pb Handle) float64 {
		if v, ok := s.cache.Get(pa, pb); ok {
			return v
		}
		v := s.keypointsDistance(pa, pb)
		s.cache.Set(pa, pb, v)
		computed = append(computed, matchedPair{a: pa, b: pb})
		return v
	}

	pairs, _, _ := greedyMatch(len(aPoints), len(bPoints),
		func(i, j int) float64 { return dist(aPoints[i], bPoints[j]) },
		func(i, j int) bool { return s.ann(aPoints[i]).Label == s.ann(bPoints[j]).Label },
		s.settings.PairwiseDist)

	for _, pc := range computed {
		if v, ok := s.cache.Pop(pc.a, pc.b); ok {
			s.cache.Set(s.standInOwner[pc.a], s.standInOwner[pc.b], v)
		}
	}

	out := make([]matchedPair, len(pairs))
	for k, p := range pairs {
		out[k] = matchedPair{
			a: s.standInOwner[aPoints[p[0]]],
			b: s.standInOwner[bPoints[p[1]]],
		}
	}
	return out
}

// standIns maps skeletons to their stand-in handles, dropping excluded ones.
func (s *session) standIns(skeletons []Handle) []Handle {
	out := make([]Handle, 0, len(skeletons))
	for _, h := range skeletons {
		if sh, ok := s.skelStandIn[h]; ok && sh != invalidHandle {
			out = append(out, sh)
		}
	}
	return out
}
