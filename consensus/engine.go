package consensus

import (
	"fmt"
	"log"
	"sort"
)

// Engine merges multiple annotation sources into one consensus dataset. An
// Engine holds only validated settings: every Merge call builds its own
// session state, so one Engine can be reused freely.
type Engine struct {
	settings Settings
}

// New validates the settings and returns a ready engine.
func New(settings Settings) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &Engine{settings: settings}, nil
}

// Settings returns a copy of the engine's settings.
func (e *Engine) Settings() Settings {
	return e.settings
}

// Result is everything one merge call produces. Errors are advisory report
// data: a Result with errors still contains valid merged output.
type Result struct {
	Merged       *Dataset      `json:"merged"`
	SourceScores []float64     `json:"sourceScores"`
	Errors       []ItemError   `json:"errors,omitempty"`
	Summary      ReportSummary `json:"summary"`
}

// Merge reconciles all sources into one consensus dataset. It fails as a
// whole only on configuration problems detected before any item is
// processed; per-item conflicts are collected in Result.Errors instead.
func (e *Engine) Merge(sources []Source) (*Result, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("nothing to merge: no sources given")
	}

	schemas := make([]*LabelSchema, len(sources))
	for i := range sources {
		schemas[i] = sources[i].Schema
	}
	schema, err := MergeSchemas(schemas...)
	if err != nil {
		return nil, err
	}
	if err := e.checkGroups(schema); err != nil {
		return nil, err
	}

	s := newSession(&e.settings, schema)

	remaps := make([][]int, len(sources))
	for i := range sources {
		remaps[i] = schemaRemap(sources[i].Schema, schema)
	}

	keys := alignItemKeys(sources)
	log.Printf("[MERGE] merging %d sources, %d items, %d labels", len(sources), len(keys), schema.Len())

	merged := &Dataset{Schema: schema.Clone()}
	for _, key := range keys {
		merged.Items = append(merged.Items, s.mergeItem(sources, remaps, key))
	}

	result := &Result{
		Merged:       merged,
		SourceScores: s.meanConsensusScores(len(sources)),
		Errors:       s.errors,
	}
	result.Summary = buildSummary(merged, s.errors)
	log.Printf("[MERGE] done: %d merged annotations, %d conflicts",
		result.Summary.MergedAnnotations, result.Summary.ConflictCount)
	return result, nil
}

// checkGroups verifies that every declared skeleton group references labels
// present in the merged schema. A bad reference would silently mis-merge all
// skeleton data, so it aborts the call.
func (e *Engine) checkGroups(schema *LabelSchema) error {
	for _, g := range e.settings.Groups {
		if _, ok := schema.ID(g.Label); !ok {
			return &InvalidConfigurationError{
				Reason: fmt.Sprintf("skeleton group label %q is not in the merged schema", g.Label),
			}
		}
		for _, sub := range g.Sublabels {
			if _, ok := schema.ID(sub); !ok {
				return &InvalidConfigurationError{
					Reason: fmt.Sprintf("skeleton group %q: sub-label %q is not in the merged schema", g.Label, sub),
				}
			}
		}
	}
	return nil
}

// schemaRemap maps one source's label ids onto the merged schema. A nil
// source schema means the source already uses merged ids.
func schemaRemap(src, merged *LabelSchema) []int {
	if src == nil {
		return nil
	}
	remap := make([]int, len(src.Labels))
	for i, name := range src.Labels {
		id, ok := merged.ID(name)
		if !ok {
			id = -1
		}
		remap[i] = id
	}
	return remap
}

// alignItemKeys returns the union of item keys across sources, ascending.
func alignItemKeys(sources []Source) []string {
	seen := make(map[string]bool)
	var keys []string
	for i := range sources {
		for _, it := range sources[i].Items {
			if !seen[it.Key] {
				seen[it.Key] = true
				keys = append(keys, it.Key)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

// mergeItem merges one item across all sources that have it.
func (s *session) mergeItem(sources []Source, remaps [][]int, key string) Item {
	var present []*Item
	var presentSrc []int
	var missing []int
	for i := range sources {
		if it := sources[i].ItemByKey(key); it != nil {
			present = append(present, it)
			presentSrc = append(presentSrc, i)
		} else {
			missing = append(missing, i)
		}
	}

	first := present[0]
	s.beginItem(key, first.Width, first.Height)
	if len(missing) > 0 {
		s.addError(ItemError{Kind: ErrMissingSources, Sources: missing})
	}

	// Ingest annotations in source-major order. Every annotation is cloned
	// and its label remapped to the merged schema, so caller data is never
	// touched.
	perType := make(map[AnnotationType][][]Handle)
	counts := make([]int, 0, len(present))
	for pi, it := range present {
		src := presentSrc[pi]
		byType := make(map[AnnotationType][]Handle)
		for ai := range it.Annotations {
			a := it.Annotations[ai].Clone()
			if remap := remaps[src]; remap != nil {
				if a.Label >= 0 && a.Label < len(remap) {
					a.Label = remap[a.Label]
				} else {
					a.Label = -1
				}
			}
			h := s.register(a, src)
			byType[a.Type] = append(byType[a.Type], h)
		}
		for typ, handles := range byType {
			for len(perType[typ]) < pi {
				perType[typ] = append(perType[typ], nil)
			}
			perType[typ] = append(perType[typ], handles)
		}
		counts = append(counts, len(it.Annotations))
	}
	for typ := range perType {
		for len(perType[typ]) < len(present) {
			perType[typ] = append(perType[typ], nil)
		}
	}
	log.Printf("[MERGE] item %s: source annotations %v", key, counts)

	annotations := s.mergeTags(perType[Tag], len(sources))

	for _, typ := range ShapeTypes {
		perSource := perType[typ]
		if len(perSource) == 0 {
			continue
		}
		if typ == Skeleton {
			s.prepareSkeletons(perSource)
		}

		clusters := s.buildClusters(typ, perSource)
		merged := s.mergeShapeClusters(typ, clusters, len(sources))

		if s.settings.CloseDistance > 0 && len(merged) > 1 {
			handles := make([]Handle, len(merged))
			for i := range merged {
				handles[i] = s.register(&merged[i], -1)
			}
			if typ == Skeleton {
				for _, h := range handles {
					a := s.ann(h)
					s.makeStandIn(h, s.subOrder[a.Label])
					if sh := s.skelStandIn[h]; sh != invalidHandle {
						s.instanceBox[sh] = a.GetBound()
					}
				}
			}
			s.checkCloseAnnotations(typ, handles)
		}

		annotations = append(annotations, merged...)
	}

	kept := annotations[:0]
	for _, a := range annotations {
		if s.settings.OutputConfThresh <= a.GetScore() {
			kept = append(kept, a)
		}
	}
	for i := range kept {
		if kept[i].Attributes == nil {
			kept[i].Attributes = make(map[string]string, 1)
		}
		kept[i].Attributes["source"] = "consensus"
	}

	return Item{Key: key, Width: first.Width, Height: first.Height, Annotations: kept}
}
