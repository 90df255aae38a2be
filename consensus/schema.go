package consensus

import "fmt"

// LabelSchema is an ordered label namespace. Annotation label ids index into
// Labels. Each source carries its own schema; a merge call works against the
// canonical schema produced by MergeSchemas.
type LabelSchema struct {
	Labels []string `yaml:"labels" json:"labels"`
}

// NewLabelSchema builds a schema from an ordered label list.
func NewLabelSchema(labels ...string) *LabelSchema {
	return &LabelSchema{Labels: append([]string(nil), labels...)}
}

// Name resolves a label id to its name.
func (s *LabelSchema) Name(id int) (string, bool) {
	if s == nil || id < 0 || len(s.Labels) <= id {
		return "", false
	}
	return s.Labels[id], true
}

// ID resolves a label name to its id.
func (s *LabelSchema) ID(name string) (int, bool) {
	if s == nil {
		return 0, false
	}
	for i, l := range s.Labels {
		if l == name {
			return i, true
		}
	}
	return 0, false
}

// Len returns the number of labels.
func (s *LabelSchema) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Labels)
}

// Clone returns a deep copy of the schema.
func (s *LabelSchema) Clone() *LabelSchema {
	if s == nil {
		return nil
	}
	return NewLabelSchema(s.Labels...)
}

// MergeSchemas unions the label namespaces of all sources into one canonical
// schema, preserving first-seen label order. Duplicate names within a single
// schema are rejected because they would make name resolution ambiguous.
func MergeSchemas(schemas ...*LabelSchema) (*LabelSchema, error) {
	merged := &LabelSchema{}
	seen := make(map[string]bool)
	for i, s := range schemas {
		if s == nil {
			continue
		}
		local := make(map[string]bool, len(s.Labels))
		for _, name := range s.Labels {
			if name == "" {
				return nil, fmt.Errorf("schema %d: empty label name", i)
			}
			if local[name] {
				return nil, fmt.Errorf("schema %d: duplicate label %q", i, name)
			}
			local[name] = true
			if !seen[name] {
				seen[name] = true
				merged.Labels = append(merged.Labels, name)
			}
		}
	}
	return merged, nil
}
