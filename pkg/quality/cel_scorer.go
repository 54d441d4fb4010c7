package quality

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
)

// CELScorer evaluates a configurable CEL expression against the phase
// output. The expression sees `output` (the content map), `preview`,
// and `phase` (the phase number) and must produce either a bool
// (scored 1.0/0.0) or a number clamped into [0,1].
//
// Compiled programs are cached per expression; CEL programs are pure,
// so caching preserves determinism.
type CELScorer struct {
	name string
	expr string

	env  *cel.Env
	mu   sync.RWMutex
	prgs map[string]cel.Program
}

// NewCELScorer compiles-on-demand a scorer named name for expr.
func NewCELScorer(name, expr string) (*CELScorer, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("preview", cel.DynType),
		cel.Variable("phase", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("quality: cel env: %w", err)
	}
	return &CELScorer{
		name: name,
		expr: expr,
		env:  env,
		prgs: make(map[string]cel.Program),
	}, nil
}

func (s *CELScorer) Name() string { return s.name }

// Compile forces compilation of the expression, surfacing bad
// expressions at load time instead of first evaluation.
func (s *CELScorer) Compile() error {
	_, err := s.program(s.expr)
	return err
}

func (s *CELScorer) Score(ctx context.Context, output contracts.PhaseOutput, accumulated map[int]contracts.PhaseOutput) (float64, error) {
	prg, err := s.program(s.expr)
	if err != nil {
		return 0, err
	}

	input := map[string]any{
		"output":  output.Content,
		"preview": output.Preview,
		"phase":   int64(output.Phase),
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return 0, fmt.Errorf("quality: cel eval %q: %w", s.name, err)
	}

	switch v := out.Value().(type) {
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case float64:
		return clamp01(v), nil
	case int64:
		return clamp01(float64(v)), nil
	case uint64:
		return clamp01(float64(v)), nil
	default:
		return 0, fmt.Errorf("quality: cel scorer %q returned %T, want bool or number", s.name, out.Value())
	}
}

func (s *CELScorer) program(expr string) (cel.Program, error) {
	s.mu.RLock()
	prg, hit := s.prgs[expr]
	s.mu.RUnlock()
	if hit {
		return prg, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prg, hit = s.prgs[expr]; hit {
		return prg, nil
	}

	ast, issues := s.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("quality: cel compile: %w", issues.Err())
	}
	prg, err := s.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("quality: cel program: %w", err)
	}
	s.prgs[expr] = prg
	return prg, nil
}
