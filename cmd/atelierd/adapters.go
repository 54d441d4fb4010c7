package main

import (
	"context"
	"fmt"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
	"github.com/atelier-ai/atelier/core/pkg/pipeline"
)

// draftAdapter is the built-in development adapter. It produces a
// deterministic scaffold document so the whole pipeline, gates and
// checkpoints included, can run without any generative backend.
// Production deployments register real adapters instead.
type draftAdapter struct {
	name string
}

func (a *draftAdapter) Name() string            { return a.name }
func (a *draftAdapter) Dependency() string      { return "local-draft" }
func (a *draftAdapter) ContractVersion() string { return "1.0.0" }

func (a *draftAdapter) Execute(ctx context.Context, session *contracts.Session, phase contracts.PhaseConfig, accumulated map[int]contracts.PhaseOutput) (contracts.PhaseOutput, error) {
	content := map[string]any{
		"adapter": a.name,
		"title":   session.Title,
		"draft":   fmt.Sprintf("phase %d (%s) draft for %q", phase.Phase, phase.Name, session.Title),
	}
	if prior, ok := accumulated[phase.Phase-1]; ok {
		if carried, ok := prior.Content["draft"]; ok {
			content["carried_over"] = []any{"draft"}
			content["previous"] = carried
		}
	}
	return contracts.PhaseOutput{
		Phase:   phase.Phase,
		Content: content,
		Preview: map[string]any{"summary": fmt.Sprintf("%s draft ready", phase.Name)},
	}, nil
}

// registerBuiltins binds a draft adapter to every phase the loaded
// profiles configure.
func registerBuiltins(registry *pipeline.Registry, profiles map[string][]contracts.PhaseConfig) error {
	names := map[int]string{}
	for _, phases := range profiles {
		for _, p := range phases {
			if _, seen := names[p.Phase]; !seen {
				names[p.Phase] = p.Adapter
			}
		}
	}
	for phase, name := range names {
		if err := registry.Register(phase, &draftAdapter{name: name}); err != nil {
			return err
		}
	}
	return nil
}
