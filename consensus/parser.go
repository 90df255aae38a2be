package consensus

import (
	"encoding/json"
	"fmt"
	"os"
)

// ParseSourceFile reads and parses one source annotation set from a JSON file
func ParseSourceFile(path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	src, err := ParseSourceJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return src, nil
}

// ParseSourceJSON parses source annotation JSON data
func ParseSourceJSON(data []byte) (*Source, error) {
	var src Source
	if err := json.Unmarshal(data, &src); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if err := validateSource(&src); err != nil {
		return nil, err
	}
	return &src, nil
}

// LoadSources reads one source file per path, in order. Source indices in
// merge results correspond to the order given here.
func LoadSources(paths []string) ([]Source, error) {
	sources := make([]Source, 0, len(paths))
	for _, path := range paths {
		src, err := ParseSourceFile(path)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *src)
	}
	return sources, nil
}

func validateSource(src *Source) error {
	seen := make(map[string]bool, len(src.Items))
	for i, item := range src.Items {
		if item.Key == "" {
			return fmt.Errorf("item %d: missing key", i)
		}
		if seen[item.Key] {
			return fmt.Errorf("item %d: duplicate key %q", i, item.Key)
		}
		seen[item.Key] = true
		for j, a := range item.Annotations {
			if a.Label < 0 {
				return fmt.Errorf("item %q annotation %d: negative label", item.Key, j)
			}
			if a.Type == Skeleton && len(a.Elements) == 0 {
				return fmt.Errorf("item %q annotation %d: skeleton without elements", item.Key, j)
			}
		}
	}
	return nil
}

// SaveDataset writes a merged dataset as indented JSON
func SaveDataset(path string, ds *Dataset) error {
	data, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling dataset: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing dataset: %w", err)
	}
	return nil
}

// LoadDataset reads a merged dataset back from JSON
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	return &ds, nil
}

// DatasetSummary provides a summary of dataset contents
type DatasetSummary struct {
	LabelCount      int
	ItemCount       int
	AnnotationCount int
	CountsByType    map[string]int
	MeanScore       float64
}

// SummarizeDataset extracts key information from a dataset
func SummarizeDataset(ds *Dataset) DatasetSummary {
	summary := DatasetSummary{
		LabelCount:   ds.Schema.Len(),
		ItemCount:    len(ds.Items),
		CountsByType: make(map[string]int),
	}

	scoreSum := 0.0
	for _, item := range ds.Items {
		summary.AnnotationCount += len(item.Annotations)
		for i := range item.Annotations {
			a := &item.Annotations[i]
			summary.CountsByType[a.Type.String()]++
			scoreSum += a.GetScore()
		}
	}
	if summary.AnnotationCount > 0 {
		summary.MeanScore = scoreSum / float64(summary.AnnotationCount)
	}
	return summary
}
