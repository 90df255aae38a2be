package consensus

import "sort"

// buildClusters runs pairwise matching across every source pair of one
// annotation type and partitions the resulting match graph into clusters.
//
// The traversal applies a first-admissible policy, not a globally optimal
// grouping: seeds are taken in ascending handle order, the frontier pops the
// lowest pending handle, and a candidate joins unless a guard rejects it at
// that moment. The partition depends on this order, so the order is fixed:
// identical inputs always produce identical clusters.
//
// Guards, both evaluated against the cluster as it stands when the
// candidate is popped:
//
//  1. source exclusivity: a cluster never holds two annotations from the
//     same source
//  2. tightness: with a positive effective cluster distance, the candidate
//     must be at least that similar to every current member
//
// A rejected candidate stays unvisited and can seed its own cluster later.
func (s *session) buildClusters(typ AnnotationType, perSource [][]Handle) [][]Handle {
	var all []Handle
	for _, anns := range perSource {
		all = append(all, anns...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	adjacency := make(map[Handle][]Handle)
	for i := 0; i < len(perSource); i++ {
		for j := i + 1; j < len(perSource); j++ {
			for _, m := range s.matchTwoSources(typ, perSource[i], perSource[j]) {
				adjacency[m.a] = append(adjacency[m.a], m.b)
				adjacency[m.b] = append(adjacency[m.b], m.a)
			}
		}
	}
	for h := range adjacency {
		sort.Slice(adjacency[h], func(i, j int) bool { return adjacency[h][i] < adjacency[h][j] })
	}

	clusterDist := s.settings.EffectiveClusterDist()
	visited := make(map[Handle]bool)
	var clusters [][]Handle

	for _, seed := range all {
		if visited[seed] {
			continue
		}
		visited[seed] = true
		cluster := []Handle{seed}

		// queued tracks one admission attempt per candidate per cluster
		queued := map[Handle]bool{seed: true}
		var frontier []Handle
		for _, nb := range adjacency[seed] {
			if !visited[nb] && !queued[nb] {
				queued[nb] = true
				frontier = append(frontier, nb)
			}
		}

		for len(frontier) > 0 {
			cand := popMinHandle(&frontier)
			if visited[cand] {
				continue
			}
			if s.clusterHasSource(cluster, s.sourceOf(cand)) {
				continue
			}
			if clusterDist > 0 && !s.closeToAll(typ, cluster, cand, clusterDist) {
				continue
			}

			cluster = append(cluster, cand)
			visited[cand] = true
			for _, nb := range adjacency[cand] {
				if !visited[nb] && !queued[nb] {
					queued[nb] = true
					frontier = append(frontier, nb)
				}
			}
		}

		clusters = append(clusters, cluster)
	}
	return clusters
}

func popMinHandle(frontier *[]Handle) Handle {
	fs := *frontier
	min := 0
	for i := 1; i < len(fs); i++ {
		if fs[i] < fs[min] {
			min = i
		}
	}
	h := fs[min]
	fs[min] = fs[len(fs)-1]
	*frontier = fs[:len(fs)-1]
	return h
}

func (s *session) clusterHasSource(cluster []Handle, source int) bool {
	for _, member := range cluster {
		if s.sourceOf(member) == source {
			return true
		}
	}
	return false
}

func (s *session) closeToAll(typ AnnotationType, cluster []Handle, cand Handle, minDist float64) bool {
	for _, member := range cluster {
		if s.distance(typ, member, cand) < minDist {
			return false
		}
	}
	return true
}
