package consensus

import (
	"errors"
	"reflect"
	"testing"
)

func testSource(name string, labels []string, items ...Item) Source {
	return Source{Name: name, Schema: NewLabelSchema(labels...), Items: items}
}

func testItem(key string, anns ...Annotation) Item {
	return Item{Key: key, Width: 100, Height: 100, Annotations: anns}
}

func TestMergeThreeSources(t *testing.T) {
	labels := []string{"car", "daylight"}
	sources := []Source{
		testSource("alice", labels, testItem("frame-0", *tagAnn(1), *boxAnn(0, 10, 10, 20, 20))),
		testSource("bob", labels, testItem("frame-0", *tagAnn(1), *boxAnn(0, 12, 10, 20, 20))),
		testSource("carol", labels, testItem("frame-0", *tagAnn(1), *boxAnn(0, 14, 10, 20, 20))),
	}

	engine, err := New(DefaultSettings())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	result, err := engine.Merge(sources)
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}

	if len(result.Errors) != 0 {
		t.Errorf("conflicts = %v, want none", result.Errors)
	}
	if len(result.Merged.Items) != 1 {
		t.Fatalf("merged %d items, want 1", len(result.Merged.Items))
	}

	item := result.Merged.Items[0]
	if item.Key != "frame-0" || item.Width != 100 || item.Height != 100 {
		t.Errorf("item = %s %dx%d, want frame-0 100x100", item.Key, item.Width, item.Height)
	}
	if len(item.Annotations) != 2 {
		t.Fatalf("merged %d annotations, want 2", len(item.Annotations))
	}

	tag := item.Annotations[0]
	if tag.Type != Tag || tag.Label != 1 {
		t.Errorf("first annotation = %v label %d, want tag daylight", tag.Type, tag.Label)
	}
	if !almostEqual(*tag.Score, 1) {
		t.Errorf("tag score = %v, want 1", *tag.Score)
	}

	box := item.Annotations[1]
	if box.Type != Box {
		t.Fatalf("second annotation type = %v, want box", box.Type)
	}
	if box.Box != (Rect{X: 12, Y: 10, W: 20, H: 20}) {
		t.Errorf("merged box = %v, want the middle source's box", box.Box)
	}
	if !within(*box.Score, 29.0/33.0, epsilon) {
		t.Errorf("box score = %v, want 29/33", *box.Score)
	}

	for i, a := range item.Annotations {
		if a.Attributes["source"] != "consensus" {
			t.Errorf("annotation %d source attribute = %q, want consensus", i, a.Attributes["source"])
		}
	}

	wantScores := []float64{9.0 / 11.0, 1, 9.0 / 11.0}
	for i, want := range wantScores {
		if !within(result.SourceScores[i], want, epsilon) {
			t.Errorf("source %d score = %v, want %v", i, result.SourceScores[i], want)
		}
	}

	if result.Summary.ItemCount != 1 || result.Summary.MergedAnnotations != 2 || result.Summary.ConflictCount != 0 {
		t.Errorf("summary = %+v, want 1 item, 2 annotations, 0 conflicts", result.Summary)
	}
}

func TestMergeNoSources(t *testing.T) {
	engine, _ := New(DefaultSettings())
	if _, err := engine.Merge(nil); err == nil {
		t.Error("Merge() with no sources succeeded, want error")
	}
}

func TestMergeMissingItem(t *testing.T) {
	labels := []string{"car"}
	sources := []Source{
		testSource("alice", labels, testItem("frame-0", *tagAnn(0)), testItem("frame-1", *tagAnn(0))),
		testSource("bob", labels, testItem("frame-0", *tagAnn(0)), testItem("frame-1", *tagAnn(0))),
		testSource("carol", labels, testItem("frame-0", *tagAnn(0))),
	}

	engine, _ := New(DefaultSettings())
	result, err := engine.Merge(sources)
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}

	if len(result.Merged.Items) != 2 {
		t.Fatalf("merged %d items, want 2", len(result.Merged.Items))
	}
	if len(result.Errors) != 1 {
		t.Fatalf("conflicts = %v, want exactly one", result.Errors)
	}
	e := result.Errors[0]
	if e.Kind != ErrMissingSources || e.ItemKey != "frame-1" || !reflect.DeepEqual(e.Sources, []int{2}) {
		t.Errorf("conflict = %+v, want missing_sources for frame-1 source 2", e)
	}

	// The absent source still counts in the denominator
	tag := result.Merged.ItemByKey("frame-1").Annotations[0]
	if !within(*tag.Score, 2.0/3.0, epsilon) {
		t.Errorf("tag score = %v, want 2/3", *tag.Score)
	}
	if result.Summary.ConflictsByKind[ErrMissingSources] != 1 {
		t.Errorf("conflictsByKind = %v, want one missing_sources", result.Summary.ConflictsByKind)
	}
}

func TestMergeLabelDisagreement(t *testing.T) {
	settings := DefaultSettings()
	settings.Quorum = 3

	labels := []string{"car", "truck"}
	sources := []Source{
		testSource("alice", labels, testItem("frame-0", *tagAnn(0))),
		testSource("bob", labels, testItem("frame-0", *tagAnn(0))),
		testSource("carol", labels, testItem("frame-0", *tagAnn(1))),
	}

	engine, err := New(settings)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	result, err := engine.Merge(sources)
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}

	if n := len(result.Merged.Items[0].Annotations); n != 0 {
		t.Errorf("merged %d annotations, want none below quorum", n)
	}
	if len(result.Errors) != 2 {
		t.Fatalf("conflicts = %v, want one failed vote per label", result.Errors)
	}
	for i, e := range result.Errors {
		if e.Kind != ErrFailedVote || e.ItemKey != "frame-0" {
			t.Errorf("conflict %d = %+v, want failed_label_vote for frame-0", i, e)
		}
		if e.Votes["car"] != 2 || e.Votes["truck"] != 1 {
			t.Errorf("conflict %d tally = %v, want car=2 truck=1", i, e.Votes)
		}
	}
	if !reflect.DeepEqual(result.Errors[0].Sources, []int{2}) {
		t.Errorf("car dissenters = %v, want [2]", result.Errors[0].Sources)
	}
	if !reflect.DeepEqual(result.Errors[1].Sources, []int{0, 1}) {
		t.Errorf("truck dissenters = %v, want [0 1]", result.Errors[1].Sources)
	}
}

func TestMergeRemapsSchemas(t *testing.T) {
	sources := []Source{
		testSource("alice", []string{"car", "person"}, testItem("frame-0", *boxAnn(0, 10, 10, 20, 20))),
		testSource("bob", []string{"person", "car"}, testItem("frame-0", *boxAnn(1, 11, 10, 20, 20))),
	}

	engine, _ := New(DefaultSettings())
	result, err := engine.Merge(sources)
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}

	if !reflect.DeepEqual(result.Merged.Schema.Labels, []string{"car", "person"}) {
		t.Fatalf("merged schema = %v, want [car person]", result.Merged.Schema.Labels)
	}
	anns := result.Merged.Items[0].Annotations
	if len(anns) != 1 {
		t.Fatalf("merged %d annotations, want 1 cluster", len(anns))
	}
	if anns[0].Label != 0 {
		t.Errorf("merged label = %d, want 0 (car)", anns[0].Label)
	}
}

func TestMergeOutputConfThresh(t *testing.T) {
	settings := DefaultSettings()
	settings.OutputConfThresh = 0.9

	labels := []string{"car"}
	sources := []Source{
		testSource("alice", labels, testItem("frame-0",
			*boxAnn(0, 10, 10, 20, 20),
			*boxAnn(0, 60, 60, 10, 10),
		)),
		testSource("bob", labels, testItem("frame-0",
			*boxAnn(0, 11, 10, 20, 20),
			*boxAnn(0, 60, 80, 10, 10),
		)),
	}

	engine, err := New(settings)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	result, err := engine.Merge(sources)
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}

	// The agreeing pair scores 20/21; the two unpaired boxes score 0.5
	anns := result.Merged.Items[0].Annotations
	if len(anns) != 1 {
		t.Fatalf("kept %d annotations, want 1", len(anns))
	}
	if !within(*anns[0].Score, 20.0/21.0, epsilon) {
		t.Errorf("kept score = %v, want 20/21", *anns[0].Score)
	}
}

func TestMergeSkeletons(t *testing.T) {
	settings := DefaultSettings()
	settings.Groups = []SkeletonGroup{{Label: "pose", Sublabels: []string{"head", "tail"}}}

	labels := []string{"pose", "head", "tail"}
	skel := func() Annotation {
		return *skeletonAnn(0,
			elem("head", 10, 10, VisibilityVisible),
			elem("tail", 20, 20, VisibilityVisible),
		)
	}
	sources := []Source{
		testSource("alice", labels, testItem("frame-0", skel())),
		testSource("bob", labels, testItem("frame-0", skel())),
	}

	engine, err := New(settings)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	result, err := engine.Merge(sources)
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}

	anns := result.Merged.Items[0].Annotations
	if len(anns) != 1 {
		t.Fatalf("merged %d annotations, want 1", len(anns))
	}
	if anns[0].Type != Skeleton || len(anns[0].Elements) != 2 {
		t.Errorf("merged annotation = %+v, want a two-element skeleton", anns[0])
	}
	if !almostEqual(*anns[0].Score, 1) {
		t.Errorf("skeleton score = %v, want 1", *anns[0].Score)
	}
}

func TestMergeRejectsUnknownGroupLabel(t *testing.T) {
	settings := DefaultSettings()
	settings.Groups = []SkeletonGroup{{Label: "pose", Sublabels: []string{"head"}}}

	sources := []Source{
		testSource("alice", []string{"car"}, testItem("frame-0", *boxAnn(0, 10, 10, 20, 20))),
	}

	engine, err := New(settings)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	_, err = engine.Merge(sources)
	var confErr *InvalidConfigurationError
	if !errors.As(err, &confErr) {
		t.Errorf("Merge() error = %v, want InvalidConfigurationError", err)
	}
}

func TestMergeFlagsCloseDuplicates(t *testing.T) {
	// Two sources disagree on pairing, leaving two merged boxes that
	// nearly coincide
	labels := []string{"car"}
	sources := []Source{
		testSource("alice", labels, testItem("frame-0",
			*boxAnn(0, 10, 10, 20, 20),
			*boxAnn(0, 12, 10, 20, 20),
		)),
		testSource("bob", labels, testItem("frame-0",
			*boxAnn(0, 11, 10, 20, 20),
		)),
	}

	engine, _ := New(DefaultSettings())
	result, err := engine.Merge(sources)
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}

	found := false
	for _, e := range result.Errors {
		if e.Kind == ErrAnnotationsTooClose {
			found = true
		}
	}
	if !found {
		t.Errorf("conflicts = %v, want an annotations_too_close entry", result.Errors)
	}
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	settings := DefaultSettings()
	settings.PairwiseDist = 1.5
	if _, err := New(settings); err == nil {
		t.Error("New() accepted out-of-range settings")
	}
}

func TestAlignItemKeys(t *testing.T) {
	sources := []Source{
		{Items: []Item{{Key: "b"}, {Key: "a"}}},
		{Items: []Item{{Key: "c"}, {Key: "a"}}},
	}
	got := alignItemKeys(sources)
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("alignItemKeys() = %v, want %v", got, want)
	}
}

func TestSchemaRemap(t *testing.T) {
	merged := NewLabelSchema("car", "person")

	if got := schemaRemap(nil, merged); got != nil {
		t.Errorf("schemaRemap(nil) = %v, want nil", got)
	}

	src := NewLabelSchema("person", "car", "bike")
	got := schemaRemap(src, merged)
	want := []int{1, 0, -1}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("schemaRemap() = %v, want %v", got, want)
	}
}
