package quality

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
)

func TestCELScorerBooleanExpression(t *testing.T) {
	s, err := NewCELScorer("scene_count", `size(output.scenes) >= 2`)
	require.NoError(t, err)

	score, err := s.Score(context.Background(), testOutput(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)

	thin := contracts.PhaseOutput{Phase: 2, Content: map[string]any{"scenes": []any{"only"}}}
	score, err = s.Score(context.Background(), thin, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)
}

func TestCELScorerNumericExpressionClamped(t *testing.T) {
	s, err := NewCELScorer("scene_density", `double(size(output.scenes)) / 2.0`)
	require.NoError(t, err)

	// 2 scenes / 2.0 = 1.0
	score, err := s.Score(context.Background(), testOutput(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)

	// 6 scenes / 2.0 = 3.0, clamped to 1.0
	dense := contracts.PhaseOutput{Phase: 2, Content: map[string]any{
		"scenes": []any{"a", "b", "c", "d", "e", "f"},
	}}
	score, err = s.Score(context.Background(), dense, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)
}

func TestCELScorerCompileErrorSurfaces(t *testing.T) {
	s, err := NewCELScorer("broken", `size(`)
	require.NoError(t, err, "compilation is deferred to first score")

	_, err = s.Score(context.Background(), testOutput(), nil)
	assert.Error(t, err)
}

func TestCELScorerInsideGate(t *testing.T) {
	cel, err := NewCELScorer("has_characters", `"characters" in output`)
	require.NoError(t, err)

	gate := NewGate(cel, &StructuralScorer{}).WithClock(testClock())
	record, err := gate.Evaluate(context.Background(), "sess-1", contracts.PhaseConfig{
		Phase:     2,
		Threshold: 0.7,
		Weights:   map[string]float64{"has_characters": 0.4, "structure": 0.6},
	}, testOutput(), nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.GatePassed, record.Status)
}
