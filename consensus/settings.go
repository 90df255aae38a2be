package consensus

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SkeletonGroup declares the canonical ordered sub-label list for one
// skeleton label. Skeleton annotations of that label are compared on this
// ordering; sub-points missing from an annotation are treated as absent.
type SkeletonGroup struct {
	Label     string   `yaml:"label" json:"label"`
	Sublabels []string `yaml:"sublabels" json:"sublabels"`
}

// Settings holds the merge thresholds. A Settings value is immutable once
// validated; the engine never writes to it.
type Settings struct {
	// PairwiseDist is the minimum similarity for two annotations from
	// different sources to be considered a match. Range [0,1].
	PairwiseDist float64 `yaml:"pairwiseDist" json:"pairwiseDist"`

	// ClusterDist is the minimum similarity required between a cluster
	// candidate and every existing member. Negative means "use PairwiseDist".
	ClusterDist float64 `yaml:"clusterDist" json:"clusterDist"`

	// Quorum is the minimum number of agreeing sources for a label or
	// attribute vote to succeed. Range [0,10].
	Quorum int `yaml:"quorum" json:"quorum"`

	// OutputConfThresh drops merged annotations whose combined score falls
	// below it. Range [0,1].
	OutputConfThresh float64 `yaml:"outputConfThresh" json:"outputConfThresh"`

	// CloseDistance flags pairs of merged annotations whose similarity
	// exceeds it, as likely duplicate consensus objects. Range [0,1];
	// zero disables the check.
	CloseDistance float64 `yaml:"closeDistance" json:"closeDistance"`

	// Sigma is the keypoint similarity tolerance. Range [0.05,0.2].
	Sigma float64 `yaml:"sigma" json:"sigma"`

	// TorsoR is the polyline tolerance-corridor radius, as a fraction of
	// the image scale. Must not be negative.
	TorsoR float64 `yaml:"torsoR" json:"torsoR"`

	// IgnoredAttributes are attribute names excluded from attribute voting.
	IgnoredAttributes []string `yaml:"ignoredAttributes,omitempty" json:"ignoredAttributes,omitempty"`

	// Groups declare skeleton sub-label schemas, keyed by skeleton label.
	Groups []SkeletonGroup `yaml:"groups,omitempty" json:"groups,omitempty"`
}

// DefaultSettings returns the default merge thresholds.
func DefaultSettings() Settings {
	return Settings{
		PairwiseDist:     0.5,
		ClusterDist:      -1,
		Quorum:           0,
		OutputConfThresh: 0,
		CloseDistance:    0.75,
		Sigma:            0.1,
		TorsoR:           0.01,
	}
}

// EffectiveClusterDist resolves the negative-means-pairwise convention.
func (s *Settings) EffectiveClusterDist() float64 {
	if s.ClusterDist < 0 {
		return s.PairwiseDist
	}
	return s.ClusterDist
}

// Validate checks all threshold ranges. The ranges match what the settings
// layer of the surrounding system enforces, so a Settings value that fails
// here could never have reached the engine through that layer.
func (s *Settings) Validate() error {
	if s.PairwiseDist < 0 || s.PairwiseDist > 1 {
		return fmt.Errorf("pairwiseDist must be in the range [0; 1], got %v", s.PairwiseDist)
	}
	if s.ClusterDist > 1 {
		return fmt.Errorf("clusterDist must be in the range [0; 1] or negative, got %v", s.ClusterDist)
	}
	if s.Quorum < 0 || s.Quorum > 10 {
		return fmt.Errorf("quorum must be in the range [0; 10], got %d", s.Quorum)
	}
	if s.OutputConfThresh < 0 || s.OutputConfThresh > 1 {
		return fmt.Errorf("outputConfThresh must be in the range [0; 1], got %v", s.OutputConfThresh)
	}
	if s.CloseDistance < 0 || s.CloseDistance > 1 {
		return fmt.Errorf("closeDistance must be in the range [0; 1], got %v", s.CloseDistance)
	}
	if s.Sigma < 0.05 || s.Sigma > 0.2 {
		return fmt.Errorf("sigma must be in the range [0.05; 0.2], got %v", s.Sigma)
	}
	if s.TorsoR < 0 {
		return fmt.Errorf("torsoR must not be negative, got %v", s.TorsoR)
	}
	for i, g := range s.Groups {
		if g.Label == "" {
			return fmt.Errorf("groups[%d].label is required", i)
		}
		if len(g.Sublabels) == 0 {
			return fmt.Errorf("groups[%d] (%s): at least one sublabel is required", i, g.Label)
		}
	}
	return nil
}

// SublabelsFor returns the declared sub-label ordering for a skeleton label.
func (s *Settings) SublabelsFor(label string) ([]string, bool) {
	for _, g := range s.Groups {
		if g.Label == label {
			return g.Sublabels, true
		}
	}
	return nil, false
}

// LoadSettings reads merge settings from a YAML file, applying defaults for
// absent fields and validating ranges.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("settings file not found: %s", path)
		}
		return nil, fmt.Errorf("reading settings file: %w", err)
	}

	settings := DefaultSettings()
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parsing settings YAML: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

// SaveSettings writes merge settings to a YAML file.
func SaveSettings(path string, settings *Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshaling settings YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing settings file: %w", err)
	}
	return nil
}
