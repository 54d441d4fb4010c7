package quality

import (
	"context"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
)

// CompletenessScorer scores the fraction of required content fields the
// output actually carries with a non-empty value.
type CompletenessScorer struct {
	Required []string
}

func (s *CompletenessScorer) Name() string { return "completeness" }

func (s *CompletenessScorer) Score(ctx context.Context, output contracts.PhaseOutput, accumulated map[int]contracts.PhaseOutput) (float64, error) {
	if len(s.Required) == 0 {
		if len(output.Content) == 0 {
			return 0, nil
		}
		return 1, nil
	}
	present := 0
	for _, field := range s.Required {
		if v, ok := output.Content[field]; ok && !empty(v) {
			present++
		}
	}
	return float64(present) / float64(len(s.Required)), nil
}

// StructuralScorer checks structural correctness: content exists, list
// fields are non-empty lists, and nested documents are maps.
type StructuralScorer struct{}

func (s *StructuralScorer) Name() string { return "structure" }

func (s *StructuralScorer) Score(ctx context.Context, output contracts.PhaseOutput, accumulated map[int]contracts.PhaseOutput) (float64, error) {
	if len(output.Content) == 0 {
		return 0, nil
	}
	total, sound := 0, 0
	for _, v := range output.Content {
		total++
		switch t := v.(type) {
		case []any:
			if len(t) > 0 {
				sound++
			}
		case map[string]any:
			if len(t) > 0 {
				sound++
			}
		case nil:
			// Missing value counts against structure.
		default:
			sound++
		}
	}
	return float64(sound) / float64(total), nil
}

// ConsistencyScorer scores agreement with prior phases: every field the
// output declares as carried over must exist in the phase it references.
type ConsistencyScorer struct{}

func (s *ConsistencyScorer) Name() string { return "consistency" }

func (s *ConsistencyScorer) Score(ctx context.Context, output contracts.PhaseOutput, accumulated map[int]contracts.PhaseOutput) (float64, error) {
	if len(accumulated) == 0 {
		return 1, nil
	}
	refs, ok := output.Content["carried_over"].([]any)
	if !ok || len(refs) == 0 {
		// Nothing declared carried over: neutral but not perfect,
		// later phases are expected to build on earlier ones.
		return 0.8, nil
	}
	matched := 0
	for _, ref := range refs {
		name, ok := ref.(string)
		if !ok {
			continue
		}
		for _, prior := range accumulated {
			if _, exists := prior.Content[name]; exists {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(refs)), nil
}

func empty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
