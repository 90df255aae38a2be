package consensus

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"
)

// ReportSummary aggregates one merge outcome for quick inspection.
type ReportSummary struct {
	ItemCount         int               `json:"itemCount"`
	MergedAnnotations int               `json:"mergedAnnotations"`
	ConflictCount     int               `json:"conflictCount"`
	ConflictsByKind   map[ErrorKind]int `json:"conflictsByKind,omitempty"`
}

func buildSummary(merged *Dataset, errors []ItemError) ReportSummary {
	summary := ReportSummary{
		ItemCount:     len(merged.Items),
		ConflictCount: len(errors),
	}
	for _, item := range merged.Items {
		summary.MergedAnnotations += len(item.Annotations)
	}
	if len(errors) > 0 {
		summary.ConflictsByKind = make(map[ErrorKind]int)
		for _, e := range errors {
			summary.ConflictsByKind[e.Kind]++
		}
	}
	return summary
}

// Report is the persisted record of one merge run: the settings used, the
// per-source agreement scores, the summary, and every recorded conflict.
type Report struct {
	GeneratedAt  time.Time     `json:"generatedAt"`
	Settings     Settings      `json:"settings"`
	SourceNames  []string      `json:"sourceNames,omitempty"`
	SourceScores []float64     `json:"sourceScores"`
	Summary      ReportSummary `json:"summary"`
	Errors       []ItemError   `json:"errors,omitempty"`
}

// BuildReport assembles a report from a merge result.
func BuildReport(result *Result, settings Settings, sourceNames []string) *Report {
	return &Report{
		GeneratedAt:  time.Now().UTC(),
		Settings:     settings,
		SourceNames:  sourceNames,
		SourceScores: result.SourceScores,
		Summary:      result.Summary,
		Errors:       result.Errors,
	}
}

// Save writes the report to a JSON file.
func (r *Report) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	log.Printf("[REPORT] saved report to %s (%d conflicts)", path, r.Summary.ConflictCount)
	return nil
}

// LoadReport reads a previously saved report.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing report: %w", err)
	}
	return &r, nil
}
