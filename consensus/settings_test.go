package consensus

import (
	"strings"
	"testing"
)

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{"defaults pass", func(s *Settings) {}, ""},
		{"pairwiseDist above one", func(s *Settings) { s.PairwiseDist = 1.5 }, "pairwiseDist"},
		{"pairwiseDist negative", func(s *Settings) { s.PairwiseDist = -0.1 }, "pairwiseDist"},
		{"clusterDist above one", func(s *Settings) { s.ClusterDist = 1.1 }, "clusterDist"},
		{"clusterDist negative allowed", func(s *Settings) { s.ClusterDist = -5 }, ""},
		{"quorum negative", func(s *Settings) { s.Quorum = -1 }, "quorum"},
		{"quorum above ten", func(s *Settings) { s.Quorum = 11 }, "quorum"},
		{"outputConfThresh above one", func(s *Settings) { s.OutputConfThresh = 2 }, "outputConfThresh"},
		{"closeDistance above one", func(s *Settings) { s.CloseDistance = 1.01 }, "closeDistance"},
		{"closeDistance zero disables check", func(s *Settings) { s.CloseDistance = 0 }, ""},
		{"sigma below range", func(s *Settings) { s.Sigma = 0.01 }, "sigma"},
		{"sigma above range", func(s *Settings) { s.Sigma = 0.3 }, "sigma"},
		{"torsoR negative", func(s *Settings) { s.TorsoR = -0.01 }, "torsoR"},
		{"group without label", func(s *Settings) {
			s.Groups = []SkeletonGroup{{Sublabels: []string{"head"}}}
		}, "label is required"},
		{"group without sublabels", func(s *Settings) {
			s.Groups = []SkeletonGroup{{Label: "pose"}}
		}, "sublabel is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := DefaultSettings()
			tt.mutate(&settings)

			err := settings.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() passed, want error mentioning %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestEffectiveClusterDist(t *testing.T) {
	s := DefaultSettings()
	if got := s.EffectiveClusterDist(); got != s.PairwiseDist {
		t.Errorf("EffectiveClusterDist() = %v, want pairwise fallback %v", got, s.PairwiseDist)
	}

	s.ClusterDist = 0.7
	if got := s.EffectiveClusterDist(); got != 0.7 {
		t.Errorf("EffectiveClusterDist() = %v, want 0.7", got)
	}

	s.ClusterDist = 0
	if got := s.EffectiveClusterDist(); got != 0 {
		t.Errorf("EffectiveClusterDist() = %v, want explicit 0", got)
	}
}

func TestSublabelsFor(t *testing.T) {
	s := DefaultSettings()
	s.Groups = []SkeletonGroup{{Label: "pose", Sublabels: []string{"head", "tail"}}}

	subs, ok := s.SublabelsFor("pose")
	if !ok {
		t.Fatal("SublabelsFor(pose) not found")
	}
	if len(subs) != 2 || subs[0] != "head" || subs[1] != "tail" {
		t.Errorf("SublabelsFor(pose) = %v, want [head tail]", subs)
	}

	if _, ok := s.SublabelsFor("unknown"); ok {
		t.Error("SublabelsFor(unknown) found a grouping, want none")
	}
}
