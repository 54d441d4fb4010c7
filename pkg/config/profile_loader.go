package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
	"github.com/atelier-ai/atelier/core/pkg/quality"
)

// PipelineProfile is a named pipeline definition: the ordered phases a
// session of this kind runs through, with their gates and checkpoints.
type PipelineProfile struct {
	Name        string                  `yaml:"name" json:"name"`
	Code        string                  `yaml:"code" json:"code"`
	Description string                  `yaml:"description,omitempty" json:"description,omitempty"`
	Scorers     []CELRule               `yaml:"scorers,omitempty" json:"scorers,omitempty"`
	Phases      []contracts.PhaseConfig `yaml:"phases" json:"phases"`
}

// CELRule declares an expression-based quality sub-scorer. Phase gate
// weights reference it by name alongside the built-in scorers.
type CELRule struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

const weightTolerance = 0.001

var timeoutActions = map[string]bool{
	"":             true,
	"auto_approve": true,
	"auto_skip":    true,
	"fail_session": true,
}

// Validate checks the profile is internally consistent: phases numbered
// 1..N without gaps, gate weights summing to 1.0, known timeout actions.
func (p *PipelineProfile) Validate() error {
	if len(p.Phases) == 0 {
		return fmt.Errorf("profile %q: no phases defined", p.Code)
	}

	seen := map[string]bool{}
	for _, rule := range p.Scorers {
		if rule.Name == "" || rule.Expr == "" {
			return fmt.Errorf("profile %q: scorer needs both name and expr", p.Code)
		}
		if seen[rule.Name] {
			return fmt.Errorf("profile %q: duplicate scorer %q", p.Code, rule.Name)
		}
		seen[rule.Name] = true
		s, err := quality.NewCELScorer(rule.Name, rule.Expr)
		if err != nil {
			return fmt.Errorf("profile %q: scorer %q: %w", p.Code, rule.Name, err)
		}
		if err := s.Compile(); err != nil {
			return fmt.Errorf("profile %q: scorer %q: %w", p.Code, rule.Name, err)
		}
	}

	sorted := make([]contracts.PhaseConfig, len(p.Phases))
	copy(sorted, p.Phases)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Phase < sorted[j].Phase })

	for i, phase := range sorted {
		if phase.Phase != i+1 {
			return fmt.Errorf("profile %q: phases must be numbered 1..%d without gaps, got %d at position %d",
				p.Code, len(sorted), phase.Phase, i+1)
		}
		if phase.Adapter == "" {
			return fmt.Errorf("profile %q: phase %d has no adapter", p.Code, phase.Phase)
		}
		if phase.Threshold < 0 || phase.Threshold > 1 {
			return fmt.Errorf("profile %q: phase %d threshold %.2f outside [0,1]", p.Code, phase.Phase, phase.Threshold)
		}
		if phase.MaxRetries < 0 {
			return fmt.Errorf("profile %q: phase %d has negative max_retries", p.Code, phase.Phase)
		}
		if len(phase.Weights) > 0 {
			var sum float64
			for dim, w := range phase.Weights {
				if w < 0 {
					return fmt.Errorf("profile %q: phase %d weight %q is negative", p.Code, phase.Phase, dim)
				}
				sum += w
			}
			if math.Abs(sum-1.0) > weightTolerance {
				return fmt.Errorf("profile %q: phase %d weights sum to %.3f, want 1.0", p.Code, phase.Phase, sum)
			}
		}
		if !timeoutActions[phase.TimeoutAction] {
			return fmt.Errorf("profile %q: phase %d has unknown timeout_action %q", p.Code, phase.Phase, phase.TimeoutAction)
		}
		if phase.TimeoutAction != "" && !phase.Checkpoint {
			return fmt.Errorf("profile %q: phase %d sets timeout_action without checkpoint", p.Code, phase.Phase)
		}
		if phase.MinSuccesses < 0 || phase.MinSuccesses > 1 {
			return fmt.Errorf("profile %q: phase %d min_success_ratio %.2f outside [0,1]", p.Code, phase.Phase, phase.MinSuccesses)
		}
	}

	p.Phases = sorted
	return nil
}

// LoadProfile loads a pipeline profile YAML by code. It reads
// profile_<code>.yaml from the profiles directory.
func LoadProfile(profilesDir, code string) (*PipelineProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile PipelineProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*PipelineProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*PipelineProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile PipelineProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_storyboard.yaml -> storyboard
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		if err := profile.Validate(); err != nil {
			return nil, err
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// PhaseLists flattens loaded profiles into the code -> phases form the
// engine consumes.
func PhaseLists(profiles map[string]*PipelineProfile) map[string][]contracts.PhaseConfig {
	out := make(map[string][]contracts.PhaseConfig, len(profiles))
	for code, p := range profiles {
		out[code] = p.Phases
	}
	return out
}

// CELScorers instantiates the expression scorers declared across all
// loaded profiles, deduplicated by name. Profiles redeclaring a name
// must agree on the expression.
func CELScorers(profiles map[string]*PipelineProfile) ([]quality.Scorer, error) {
	exprs := map[string]string{}
	var out []quality.Scorer

	codes := make([]string, 0, len(profiles))
	for code := range profiles {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for _, code := range codes {
		for _, rule := range profiles[code].Scorers {
			if prev, ok := exprs[rule.Name]; ok {
				if prev != rule.Expr {
					return nil, fmt.Errorf("scorer %q declared with conflicting expressions", rule.Name)
				}
				continue
			}
			s, err := quality.NewCELScorer(rule.Name, rule.Expr)
			if err != nil {
				return nil, err
			}
			exprs[rule.Name] = rule.Expr
			out = append(out, s)
		}
	}
	return out, nil
}
