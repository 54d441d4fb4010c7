package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
)

const storyboardYAML = `name: Storyboard Pipeline
code: storyboard
description: Script to rendered storyboard in five phases.
scorers:
  - name: coherence
    expr: "'draft' in output ? 1.0 : 0.5"
  - name: originality
    expr: "size(output) >= 3 ? 0.9 : 0.6"
phases:
  - phase: 1
    name: concept
    adapter: concept-writer
    threshold: 0.6
    max_retries: 2
    weights:
      coherence: 0.5
      originality: 0.5
  - phase: 2
    name: script
    adapter: script-writer
    checkpoint: true
    feedback_timeout_seconds: 3600
    timeout_action: auto_approve
    threshold: 0.7
    max_retries: 3
  - phase: 3
    name: render
    adapter: scene-renderer
    fan_out: true
    max_parallel: 8
    min_success_ratio: 0.8
    timeout_seconds: 300
`

func writeProfile(t *testing.T, name, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadProfile(t *testing.T) {
	dir := writeProfile(t, "profile_storyboard.yaml", storyboardYAML)

	p, err := LoadProfile(dir, "STORYBOARD")
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.Name != "Storyboard Pipeline" {
		t.Errorf("unexpected name %q", p.Name)
	}
	if len(p.Phases) != 3 {
		t.Fatalf("expected 3 phases, got %d", len(p.Phases))
	}
	if !p.Phases[1].Checkpoint || p.Phases[1].TimeoutAction != "auto_approve" {
		t.Errorf("phase 2 checkpoint config lost: %+v", p.Phases[1])
	}
	if !p.Phases[2].FanOut || p.Phases[2].MaxParallel != 8 {
		t.Errorf("phase 3 fan-out config lost: %+v", p.Phases[2])
	}
}

func TestLoadProfile_MissingFile(t *testing.T) {
	if _, err := LoadProfile(t.TempDir(), "nope"); err == nil {
		t.Fatal("expected error for missing profile")
	}
}

func TestLoadProfile_CodeFromFilename(t *testing.T) {
	yaml := `name: Minimal
phases:
  - phase: 1
    name: only
    adapter: concept-writer
`
	dir := writeProfile(t, "profile_minimal.yaml", yaml)
	p, err := LoadProfile(dir, "minimal")
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.Code != "minimal" {
		t.Errorf("expected code from filename, got %q", p.Code)
	}
}

func TestValidate_RejectsPhaseGaps(t *testing.T) {
	p := &PipelineProfile{
		Code: "gappy",
		Phases: []contracts.PhaseConfig{
			{Phase: 1, Name: "a", Adapter: "x"},
			{Phase: 3, Name: "c", Adapter: "y"},
		},
	}
	if err := p.Validate(); err == nil {
		t.Fatal("expected gap rejection")
	}
}

func TestValidate_RejectsBadWeights(t *testing.T) {
	p := &PipelineProfile{
		Code: "heavy",
		Phases: []contracts.PhaseConfig{
			{Phase: 1, Name: "a", Adapter: "x", Weights: map[string]float64{"coherence": 0.7, "detail": 0.7}},
		},
	}
	if err := p.Validate(); err == nil {
		t.Fatal("expected weight-sum rejection")
	}
}

func TestValidate_RejectsUnknownTimeoutAction(t *testing.T) {
	p := &PipelineProfile{
		Code: "odd",
		Phases: []contracts.PhaseConfig{
			{Phase: 1, Name: "a", Adapter: "x", Checkpoint: true, TimeoutAction: "explode"},
		},
	}
	if err := p.Validate(); err == nil {
		t.Fatal("expected timeout_action rejection")
	}
}

func TestValidate_RejectsBadCELExpression(t *testing.T) {
	yaml := `name: Broken
scorers:
  - name: oops
    expr: "output ?? nonsense !!"
phases:
  - phase: 1
    name: only
    adapter: concept-writer
`
	dir := writeProfile(t, "profile_broken.yaml", yaml)
	if _, err := LoadProfile(dir, "broken"); err == nil {
		t.Fatal("expected CEL compile error")
	}
}

func TestCELScorers_DeduplicatesAcrossProfiles(t *testing.T) {
	a := &PipelineProfile{Code: "a", Scorers: []CELRule{{Name: "coherence", Expr: "1.0"}}}
	b := &PipelineProfile{Code: "b", Scorers: []CELRule{{Name: "coherence", Expr: "1.0"}}}

	scorers, err := CELScorers(map[string]*PipelineProfile{"a": a, "b": b})
	if err != nil {
		t.Fatalf("CELScorers: %v", err)
	}
	if len(scorers) != 1 {
		t.Fatalf("expected 1 deduplicated scorer, got %d", len(scorers))
	}

	b.Scorers[0].Expr = "0.5"
	if _, err := CELScorers(map[string]*PipelineProfile{"a": a, "b": b}); err == nil {
		t.Fatal("expected conflict error for diverging expressions")
	}
}

func TestValidate_SortsUnorderedPhases(t *testing.T) {
	p := &PipelineProfile{
		Code: "shuffled",
		Phases: []contracts.PhaseConfig{
			{Phase: 2, Name: "b", Adapter: "y"},
			{Phase: 1, Name: "a", Adapter: "x"},
		},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.Phases[0].Phase != 1 || p.Phases[1].Phase != 2 {
		t.Errorf("phases not sorted: %+v", p.Phases)
	}
}

func TestLoadAllProfiles(t *testing.T) {
	dir := writeProfile(t, "profile_storyboard.yaml", storyboardYAML)
	if err := os.WriteFile(filepath.Join(dir, "profile_short.yaml"), []byte(`name: Short
phases:
  - phase: 1
    name: only
    adapter: concept-writer
`), 0o644); err != nil {
		t.Fatal(err)
	}

	profiles, err := LoadAllProfiles(dir)
	if err != nil {
		t.Fatalf("LoadAllProfiles: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}

	lists := PhaseLists(profiles)
	if len(lists["storyboard"]) != 3 || len(lists["short"]) != 1 {
		t.Errorf("unexpected phase lists: %v", lists)
	}
}
