package consensus

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
)

// mergeTags reduces the item's tag annotations, pooled across all sources,
// to one merged tag per label that reaches the quorum. A label below the
// quorum is dropped and recorded as a failed vote naming the sources that
// did not vote for it.
func (s *session) mergeTags(perSource [][]Handle, sourceCount int) []Annotation {
	var pool []Handle
	for _, anns := range perSource {
		pool = append(pool, anns...)
	}
	if len(pool) == 0 {
		return nil
	}

	votes := make(map[string]float64)
	var order []string
	for _, h := range pool {
		name := s.labelName(s.ann(h).Label)
		if _, seen := votes[name]; !seen {
			order = append(order, name)
		}
		votes[name]++
	}

	var out []Annotation
	for _, name := range order {
		count := votes[name]
		if int(count) < s.settings.Quorum {
			s.addError(ItemError{
				Kind:    ErrFailedVote,
				Votes:   copyVotes(votes),
				Sources: s.dissentingSources(pool, name),
			})
			continue
		}

		var supporters []Handle
		for _, h := range pool {
			if s.labelName(s.ann(h).Label) == name {
				supporters = append(supporters, h)
			}
		}

		labelID, _ := s.schema.ID(name)
		score := count / float64(sourceCount)
		out = append(out, Annotation{
			Type:       Tag,
			Label:      labelID,
			Score:      &score,
			Attributes: s.voteAttributes(supporters),
		})
	}
	return out
}

// dissentingSources lists, ascending and without duplicates, the sources
// owning pool members whose label is not the given one.
func (s *session) dissentingSources(pool []Handle, label string) []int {
	seen := make(map[int]bool)
	var sources []int
	for _, h := range pool {
		if s.labelName(s.ann(h).Label) == label {
			continue
		}
		src := s.sourceOf(h)
		if !seen[src] {
			seen[src] = true
			sources = append(sources, src)
		}
	}
	sort.Ints(sources)
	return sources
}

func copyVotes(votes map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(votes))
	for k, v := range votes {
		out[k] = v
	}
	return out
}

// mergeShapeClusters merges every cluster of one shaped type. Clusters that
// fail the label vote produce no output.
func (s *session) mergeShapeClusters(typ AnnotationType, clusters [][]Handle, sourceCount int) []Annotation {
	var out []Annotation
	for _, cluster := range clusters {
		if merged := s.mergeShapeCluster(typ, cluster, sourceCount); merged != nil {
			out = append(out, *merged)
		}
	}
	return out
}

// mergeShapeCluster reduces one cluster to a merged annotation: the label is
// voted with score weighting, the shape comes from the cluster's
// representative, and the combined score is the label score times the mean
// similarity of members to the representative.
func (s *session) mergeShapeCluster(typ AnnotationType, cluster []Handle, sourceCount int) *Annotation {
	labelID, labelScore, ok := s.voteClusterLabel(cluster, sourceCount)
	if !ok {
		return nil
	}

	var rep Handle
	if typ == Skeleton {
		rep = s.skeletonMedoid(cluster)
	} else {
		rep = s.nearestToMeanBox(cluster)
	}

	shapeScore := 0.0
	for _, h := range cluster {
		d := math.Max(0, s.distance(typ, rep, h))
		s.addConsensusScore(s.sourceOf(h), d)
		shapeScore += d
	}
	shapeScore /= float64(len(cluster))

	out := s.ann(rep).Clone()
	out.Label = labelID
	out.ZOrder = maxZOrder(s, cluster)
	score := labelScore * shapeScore
	out.Score = &score
	out.Group = 0
	out.Attributes = s.voteAttributes(cluster)
	return out
}

// voteClusterLabel tallies score-weighted label votes over a cluster. The
// highest total score wins, first seen breaking ties. A winner backed by
// fewer members than the quorum fails the whole cluster.
func (s *session) voteClusterLabel(cluster []Handle, sourceCount int) (int, float64, bool) {
	type voteState struct {
		score float64
		count int
	}
	votes := make(map[int]*voteState)
	var order []int
	for _, h := range cluster {
		a := s.ann(h)
		st := votes[a.Label]
		if st == nil {
			st = &voteState{}
			votes[a.Label] = st
			order = append(order, a.Label)
		}
		st.score += a.GetScore()
		st.count++
	}

	best := order[0]
	for _, id := range order[1:] {
		if votes[id].score > votes[best].score {
			best = id
		}
	}

	st := votes[best]
	if st.count < s.settings.Quorum {
		tally := make(map[string]float64, len(votes))
		for id, v := range votes {
			tally[s.labelName(id)] = v.score
		}
		s.addError(ItemError{Kind: ErrFailedVote, Votes: tally})
		return 0, 0, false
	}
	return best, st.score / float64(sourceCount), true
}

// nearestToMeanBox selects the member whose rasterized shape overlaps the
// cluster's mean bounding box best. First maximum wins on ties.
func (s *session) nearestToMeanBox(cluster []Handle) Handle {
	bounds := make([]orb.Bound, len(cluster))
	for i, h := range cluster {
		bounds[i] = s.ann(h).GetBound()
	}
	meanMask := rasterizeRings([]orb.Ring{meanBound(bounds).ToRing()}, s.itemW, s.itemH)

	best := cluster[0]
	bestIoU := -1.0
	for _, h := range cluster {
		if iou := maskIoU(meanMask, s.rasterize(s.ann(h))); iou > bestIoU {
			bestIoU = iou
			best = h
		}
	}
	return best
}

// skeletonMedoid selects the member with the highest mean similarity to the
// whole cluster, itself included. Mean boxes are not meaningful for
// articulated skeletons, so skeletons use a true medoid instead.
func (s *session) skeletonMedoid(cluster []Handle) Handle {
	best := cluster[0]
	bestMean := -1.0
	for _, h := range cluster {
		total := 0.0
		for _, other := range cluster {
			total += s.distance(Skeleton, h, other)
		}
		if mean := total / float64(len(cluster)); mean > bestMean {
			bestMean = mean
			best = h
		}
	}
	return best
}

func maxZOrder(s *session, cluster []Handle) int {
	z := s.ann(cluster[0]).ZOrder
	for _, h := range cluster[1:] {
		if zo := s.ann(h).ZOrder; zo > z {
			z = zo
		}
	}
	return z
}

// voteAttributes picks each attribute's majority value across the cluster.
// Ignored attributes never participate. A winning value backed by fewer
// votes than quorum is dropped; that failure is reported only when the
// attribute collected at least a quorum of votes in total, so sparsely set
// attributes do not flood the report.
func (s *session) voteAttributes(cluster []Handle) map[string]string {
	votes := make(map[string]map[string]int)
	var order []string
	for _, h := range cluster {
		a := s.ann(h)
		names := make([]string, 0, len(a.Attributes))
		for name := range a.Attributes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if s.isIgnoredAttribute(name) {
				continue
			}
			if votes[name] == nil {
				votes[name] = make(map[string]int)
				order = append(order, name)
			}
			votes[name][a.Attributes[name]]++
		}
	}

	var out map[string]string
	for _, name := range order {
		winner, count, total := topAttrValue(votes[name])
		if count < s.settings.Quorum {
			if total >= s.settings.Quorum {
				tally := make(map[string]float64, len(votes[name]))
				for v, c := range votes[name] {
					tally[v] = float64(c)
				}
				s.addError(ItemError{Kind: ErrFailedAttrVote, Attribute: name, Votes: tally})
			}
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[name] = winner
	}
	return out
}

func (s *session) isIgnoredAttribute(name string) bool {
	for _, ignored := range s.settings.IgnoredAttributes {
		if ignored == name {
			return true
		}
	}
	return false
}

// topAttrValue returns the most voted value, ties resolved to the smallest
// value string to keep results stable.
func topAttrValue(tally map[string]int) (winner string, count, total int) {
	values := make([]string, 0, len(tally))
	for v := range tally {
		values = append(values, v)
	}
	sort.Strings(values)
	for _, v := range values {
		c := tally[v]
		total += c
		if c > count {
			count = c
			winner = v
		}
	}
	return winner, count, total
}

// checkCloseAnnotations flags merged annotation pairs of one type that are
// more similar than the close-distance threshold. Such pairs usually mean a
// single real object survived as two consensus objects.
func (s *session) checkCloseAnnotations(typ AnnotationType, merged []Handle) {
	for i := 0; i < len(merged); i++ {
		for j := i + 1; j < len(merged); j++ {
			d := s.distance(typ, merged[i], merged[j])
			if d > s.settings.CloseDistance {
				s.addError(ItemError{
					Kind: ErrAnnotationsTooClose,
					Labels: []string{
						s.labelName(s.ann(merged[i]).Label),
						s.labelName(s.ann(merged[j]).Label),
					},
					Distance: d,
				})
			}
		}
	}
}
