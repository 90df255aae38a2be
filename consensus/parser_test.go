package consensus

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
)

const sampleSourceJSON = `{
  "name": "alice",
  "schema": {"labels": ["car", "person"]},
  "items": [
    {
      "key": "frame-0",
      "width": 100,
      "height": 100,
      "annotations": [
        {"type": "box", "label": 0, "box": {"x": 10, "y": 10, "w": 20, "h": 20}, "score": 0.9},
        {"type": "tag", "label": 1},
        {"type": "points", "label": 0, "points": [[5, 5], [8, 8]], "visibility": [2, 1]},
        {"type": "mask", "label": 0, "rle": [0, 4, 96], "maskWidth": 10},
        {"type": "skeleton", "label": 1, "elements": [{"name": "head", "point": [3, 4], "visibility": 2}]}
      ]
    }
  ]
}`

func TestParseSourceJSON(t *testing.T) {
	src, err := ParseSourceJSON([]byte(sampleSourceJSON))
	if err != nil {
		t.Fatalf("ParseSourceJSON() error: %v", err)
	}

	if src.Name != "alice" {
		t.Errorf("name = %q, want alice", src.Name)
	}
	if src.Schema.Len() != 2 {
		t.Errorf("schema labels = %d, want 2", src.Schema.Len())
	}
	if len(src.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(src.Items))
	}

	anns := src.Items[0].Annotations
	if len(anns) != 5 {
		t.Fatalf("annotations = %d, want 5", len(anns))
	}
	if anns[0].Type != Box || anns[0].Box.W != 20 || *anns[0].Score != 0.9 {
		t.Errorf("box annotation = %+v", anns[0])
	}
	if anns[1].Type != Tag || anns[1].Label != 1 {
		t.Errorf("tag annotation = %+v", anns[1])
	}
	if anns[2].Visibility[1] != VisibilityHidden {
		t.Errorf("points visibility = %v, want hidden second point", anns[2].Visibility)
	}
	if anns[3].MaskWidth != 10 || len(anns[3].RLE) != 3 {
		t.Errorf("mask annotation = %+v", anns[3])
	}
	if anns[4].Elements[0].Name != "head" || anns[4].Elements[0].Point != (orb.Point{3, 4}) {
		t.Errorf("skeleton element = %+v", anns[4].Elements[0])
	}
}

func TestParseSourceJSONRejects(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{
			name: "malformed JSON",
			json: `{"items": [`,
			want: "parsing JSON",
		},
		{
			name: "unknown annotation type",
			json: `{"items": [{"key": "a", "annotations": [{"type": "circle", "label": 0}]}]}`,
			want: "unknown annotation type",
		},
		{
			name: "missing item key",
			json: `{"items": [{"width": 10, "height": 10}]}`,
			want: "missing key",
		},
		{
			name: "duplicate item key",
			json: `{"items": [{"key": "a"}, {"key": "a"}]}`,
			want: "duplicate key",
		},
		{
			name: "negative label",
			json: `{"items": [{"key": "a", "annotations": [{"type": "box", "label": -1}]}]}`,
			want: "negative label",
		},
		{
			name: "skeleton without elements",
			json: `{"items": [{"key": "a", "annotations": [{"type": "skeleton", "label": 0}]}]}`,
			want: "skeleton without elements",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSourceJSON([]byte(tt.json))
			if err == nil {
				t.Fatal("ParseSourceJSON() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestParseSourceFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "annotations-alice.json")
	if err := os.WriteFile(path, []byte(sampleSourceJSON), 0644); err != nil {
		t.Fatal(err)
	}

	src, err := ParseSourceFile(path)
	if err != nil {
		t.Fatalf("ParseSourceFile() error: %v", err)
	}
	if src.Name != "alice" {
		t.Errorf("name = %q, want alice", src.Name)
	}

	if _, err := ParseSourceFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("ParseSourceFile() on a missing file succeeded, want error")
	}
}

func TestLoadSources(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b", "a"} {
		data := strings.Replace(sampleSourceJSON, "alice", name, 1)
		if err := os.WriteFile(filepath.Join(dir, name+".json"), []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
	}

	sources, err := LoadSources([]string{
		filepath.Join(dir, "b.json"),
		filepath.Join(dir, "a.json"),
	})
	if err != nil {
		t.Fatalf("LoadSources() error: %v", err)
	}
	if len(sources) != 2 || sources[0].Name != "b" || sources[1].Name != "a" {
		t.Errorf("sources out of order: %v, %v", sources[0].Name, sources[1].Name)
	}
}

func TestSaveLoadDataset(t *testing.T) {
	score := 0.8
	ds := &Dataset{
		Schema: NewLabelSchema("car"),
		Items: []Item{{
			Key: "frame-0", Width: 100, Height: 100,
			Annotations: []Annotation{{
				Type:       Box,
				Label:      0,
				Box:        Rect{X: 10, Y: 10, W: 20, H: 20},
				Score:      &score,
				Attributes: map[string]string{"source": "consensus"},
			}},
		}},
	}

	path := filepath.Join(t.TempDir(), "consensus.json")
	if err := SaveDataset(path, ds); err != nil {
		t.Fatalf("SaveDataset() error: %v", err)
	}

	loaded, err := LoadDataset(path)
	if err != nil {
		t.Fatalf("LoadDataset() error: %v", err)
	}
	if loaded.Schema.Len() != 1 {
		t.Errorf("loaded schema labels = %d, want 1", loaded.Schema.Len())
	}
	item := loaded.ItemByKey("frame-0")
	if item == nil {
		t.Fatal("loaded dataset lost frame-0")
	}
	a := item.Annotations[0]
	if a.Type != Box || a.Box != (Rect{X: 10, Y: 10, W: 20, H: 20}) {
		t.Errorf("loaded annotation = %+v", a)
	}
	if *a.Score != 0.8 || a.Attributes["source"] != "consensus" {
		t.Errorf("loaded score/attributes = %v %v", *a.Score, a.Attributes)
	}
}

func TestSummarizeDataset(t *testing.T) {
	score := 0.8
	ds := &Dataset{
		Schema: NewLabelSchema("car", "person"),
		Items: []Item{
			{Key: "frame-0", Annotations: []Annotation{
				{Type: Box, Label: 0, Score: &score},
				{Type: Tag, Label: 1},
			}},
			{Key: "frame-1", Annotations: []Annotation{
				{Type: Polygon, Label: 0},
			}},
		},
	}

	got := SummarizeDataset(ds)

	if got.LabelCount != 2 || got.ItemCount != 2 || got.AnnotationCount != 3 {
		t.Errorf("summary = %+v, want 2 labels, 2 items, 3 annotations", got)
	}
	if got.CountsByType["box"] != 1 || got.CountsByType["tag"] != 1 || got.CountsByType["polygon"] != 1 {
		t.Errorf("countsByType = %v", got.CountsByType)
	}
	if !within(got.MeanScore, 14.0/15.0, epsilon) {
		t.Errorf("meanScore = %v, want 14/15", got.MeanScore)
	}
}
