package consensus

// handlePair is an unordered pair of annotation handles, stored low-first so
// that (a, b) and (b, a) share one cache slot.
type handlePair struct {
	lo, hi Handle
}

func makeHandlePair(a, b Handle) handlePair {
	if b < a {
		a, b = b, a
	}
	return handlePair{lo: a, hi: b}
}

// distanceCache memoizes pairwise similarities for one merge call. Matching
// computes every cross-source pair once; clustering and merging read the
// same values back instead of recomputing geometry.
type distanceCache struct {
	entries map[handlePair]float64
}

func newDistanceCache() *distanceCache {
	return &distanceCache{entries: make(map[handlePair]float64)}
}

// Get returns the cached similarity for the pair. Identical handles always
// compare at 1 without occupying a slot.
func (c *distanceCache) Get(a, b Handle) (float64, bool) {
	if a == b {
		return 1, true
	}
	v, ok := c.entries[makeHandlePair(a, b)]
	return v, ok
}

func (c *distanceCache) Set(a, b Handle, v float64) {
	if a == b {
		return
	}
	c.entries[makeHandlePair(a, b)] = v
}

// Pop removes and returns the cached similarity. Skeleton matching computes
// distances on synthesized point sets and re-files them under the skeleton
// handles via Pop and Set.
func (c *distanceCache) Pop(a, b Handle) (float64, bool) {
	if a == b {
		return 1, true
	}
	key := makeHandlePair(a, b)
	v, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	return v, ok
}

func (c *distanceCache) Len() int {
	return len(c.entries)
}

func (c *distanceCache) Clear() {
	c.entries = make(map[handlePair]float64)
}
