package consensus

import "github.com/paulmach/orb"

// Handle identifies one annotation within a single merge call. Handles are
// assigned in source-major order as items are ingested, so iterating in
// ascending handle order is deterministic for identical inputs.
type Handle int

const invalidHandle Handle = -1

// annRef ties a handle back to its annotation and owning source index.
type annRef struct {
	ann    *Annotation
	source int
}

// session is the per-call state of one Engine.Merge invocation. The engine
// itself is stateless between calls; everything mutable lives here. A
// session is single-threaded and must not be shared.
type session struct {
	settings *Settings
	schema   *LabelSchema

	refs  []annRef
	cache *distanceCache

	// context of the item currently being merged
	itemKey      string
	itemW, itemH int

	// skeleton stand-ins for the current item: skeleton handle to the
	// synthetic point-set compared in its place, or invalidHandle when the
	// skeleton has no non-absent sub-points and is excluded from matching
	skelStandIn  map[Handle]Handle
	standInOwner map[Handle]Handle

	// resolved sub-label ordering per skeleton label id for this item,
	// either declared in settings or the item-local fallback
	subOrder map[int][]string

	// instance bounding box per synthetic point-set handle, covering the
	// whole annotation group the owning skeleton belongs to
	instanceBox map[Handle]orb.Bound

	errors      []ItemError
	scoresBySrc map[int][]float64
}

func newSession(settings *Settings, schema *LabelSchema) *session {
	return &session{
		settings:     settings,
		schema:       schema,
		cache:        newDistanceCache(),
		skelStandIn:  make(map[Handle]Handle),
		standInOwner: make(map[Handle]Handle),
		subOrder:     make(map[int][]string),
		instanceBox:  make(map[Handle]orb.Bound),
		scoresBySrc:  make(map[int][]float64),
	}
}

// register assigns the next handle to an annotation owned by source.
func (s *session) register(a *Annotation, source int) Handle {
	h := Handle(len(s.refs))
	s.refs = append(s.refs, annRef{ann: a, source: source})
	return h
}

func (s *session) ann(h Handle) *Annotation {
	return s.refs[h].ann
}

func (s *session) sourceOf(h Handle) int {
	return s.refs[h].source
}

// labelName resolves a label id against the merged schema.
func (s *session) labelName(id int) string {
	name, ok := s.schema.Name(id)
	if !ok {
		return ""
	}
	return name
}

// beginItem resets the per-item context. The distance cache is kept: handles
// are unique across the whole call, so entries never collide between items.
func (s *session) beginItem(key string, w, h int) {
	s.itemKey = key
	s.itemW, s.itemH = w, h
	s.skelStandIn = make(map[Handle]Handle)
	s.standInOwner = make(map[Handle]Handle)
	s.subOrder = make(map[int][]string)
	s.instanceBox = make(map[Handle]orb.Bound)
}

// addError records a non-fatal conflict against the current item.
func (s *session) addError(e ItemError) {
	e.ItemKey = s.itemKey
	s.errors = append(s.errors, e)
}

// addConsensusScore appends one annotation's agreement score to its owning
// source's running list.
func (s *session) addConsensusScore(source int, score float64) {
	s.scoresBySrc[source] = append(s.scoresBySrc[source], score)
}

// meanConsensusScores reduces the per-source score lists to means. Sources
// that contributed no scored annotations get 0.
func (s *session) meanConsensusScores(sourceCount int) []float64 {
	means := make([]float64, sourceCount)
	for src, scores := range s.scoresBySrc {
		if src < 0 || src >= sourceCount || len(scores) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range scores {
			sum += v
		}
		means[src] = sum / float64(len(scores))
	}
	return means
}
