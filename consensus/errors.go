package consensus

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorKind classifies the non-fatal conflicts recorded during a merge.
type ErrorKind string

const (
	// ErrMissingSources marks an item that is absent from one or more
	// sources. The merge proceeds with the sources that have it.
	ErrMissingSources ErrorKind = "missing_sources"
	// ErrFailedVote marks a label whose vote count fell below the quorum.
	// The affected annotation is dropped from the merged output.
	ErrFailedVote ErrorKind = "failed_label_vote"
	// ErrFailedAttrVote marks an attribute whose winning value fell below
	// the quorum. The attribute is dropped from the merged annotation.
	ErrFailedAttrVote ErrorKind = "failed_attribute_vote"
	// ErrAnnotationsTooClose marks two merged annotations more similar to
	// each other than the close-distance threshold, which usually means
	// one real object produced two consensus objects.
	ErrAnnotationsTooClose ErrorKind = "annotations_too_close"
)

// ItemError is one recorded merge conflict. Callers must treat these as
// report data: a merge that returns ItemErrors still produced output.
type ItemError struct {
	Kind    ErrorKind `json:"kind"`
	ItemKey string    `json:"itemKey"`

	// Sources lists the implicated source indices: the absent sources for
	// ErrMissingSources, the non-voting sources for ErrFailedVote.
	Sources []int `json:"sources,omitempty"`

	// Votes is the tally behind a failed vote. For tags the values are
	// plain counts; for shaped annotations they are score-weighted.
	Votes map[string]float64 `json:"votes,omitempty"`

	// Attribute is the attribute name for ErrFailedAttrVote.
	Attribute string `json:"attribute,omitempty"`

	// Labels and Distance describe the implicated annotation pair for
	// ErrAnnotationsTooClose.
	Labels   []string `json:"labels,omitempty"`
	Distance float64  `json:"distance,omitempty"`
}

func (e ItemError) Error() string {
	switch e.Kind {
	case ErrMissingSources:
		return fmt.Sprintf("item %s: missing from sources %v", e.ItemKey, e.Sources)
	case ErrFailedVote:
		return fmt.Sprintf("item %s: label vote failed, tally %s", e.ItemKey, formatVotes(e.Votes))
	case ErrFailedAttrVote:
		return fmt.Sprintf("item %s: attribute %q vote failed, tally %s", e.ItemKey, e.Attribute, formatVotes(e.Votes))
	case ErrAnnotationsTooClose:
		return fmt.Sprintf("item %s: merged annotations %v too close, similarity %v", e.ItemKey, e.Labels, e.Distance)
	}
	return fmt.Sprintf("item %s: %s", e.ItemKey, e.Kind)
}

func formatVotes(votes map[string]float64) string {
	keys := make([]string, 0, len(votes))
	for k := range votes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, votes[k])
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// InvalidConfigurationError aborts a merge call before any item is
// processed. It is the only fatal error a merge can produce.
type InvalidConfigurationError struct {
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	return "invalid consensus configuration: " + e.Reason
}
