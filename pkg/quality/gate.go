// Package quality implements the scoring gate that decides whether a
// phase's artifact is good enough to proceed. A gate combines
// independently pluggable sub-scorers into a weighted composite score
// and records every decision as an immutable QualityGateRecord.
package quality

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
)

// Scorer is one pluggable quality dimension. Implementations must be
// deterministic: identical output and accumulated context always yield
// the same score.
type Scorer interface {
	Name() string
	Score(ctx context.Context, output contracts.PhaseOutput, accumulated map[int]contracts.PhaseOutput) (float64, error)
}

// Gate evaluates phase outputs against per-phase thresholds.
type Gate struct {
	mu      sync.RWMutex
	scorers map[string]Scorer
	clock   func() time.Time
}

// NewGate creates a gate with the given sub-scorers.
func NewGate(scorers ...Scorer) *Gate {
	g := &Gate{
		scorers: make(map[string]Scorer),
		clock:   time.Now,
	}
	for _, s := range scorers {
		g.scorers[s.Name()] = s
	}
	return g
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Register adds or replaces a sub-scorer.
func (g *Gate) Register(s Scorer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scorers[s.Name()] = s
}

// weightTolerance absorbs float drift when profiles express weights as
// decimals.
const weightTolerance = 1e-6

// Evaluate computes the weighted composite score for output and returns
// the gate record. Weights come from the phase config, keyed by scorer
// name, and must sum to 1.0; with no weights configured every
// registered scorer contributes equally.
func (g *Gate) Evaluate(ctx context.Context, sessionID string, phase contracts.PhaseConfig, output contracts.PhaseOutput, accumulated map[int]contracts.PhaseOutput) (contracts.QualityGateRecord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	weights, err := g.resolveWeights(phase)
	if err != nil {
		return contracts.QualityGateRecord{}, err
	}

	// Sorted iteration keeps evaluation order, and therefore any
	// error surfaced, deterministic.
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)

	composite := 0.0
	subScores := make(map[string]float64, len(names))
	for _, name := range names {
		scorer, ok := g.scorers[name]
		if !ok {
			return contracts.QualityGateRecord{}, fmt.Errorf("quality: phase %d references unknown scorer %q", phase.Phase, name)
		}
		raw, err := scorer.Score(ctx, output, accumulated)
		if err != nil {
			return contracts.QualityGateRecord{}, fmt.Errorf("quality: scorer %q: %w", name, err)
		}
		s := clamp01(raw)
		subScores[name] = s
		composite += s * weights[name]
	}
	composite = clamp01(composite)

	record := contracts.QualityGateRecord{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Phase:       phase.Phase,
		Threshold:   phase.Threshold,
		Score:       composite,
		SubScores:   subScores,
		Status:      contracts.GateFailed,
		EvaluatedAt: g.clock(),
	}
	if composite >= phase.Threshold {
		record.Status = contracts.GatePassed
	}

	record.ContentHash = sealHash(record)
	return record, nil
}

// Override finalizes an exhausted gate record with a human decision.
// The input record must be FAILED; the result is a new immutable record
// carrying the approver identity and reason.
func (g *Gate) Override(record contracts.QualityGateRecord, approverID string, approved bool, reason string) (contracts.QualityGateRecord, error) {
	if record.Status != contracts.GateFailed {
		return contracts.QualityGateRecord{}, fmt.Errorf("quality: cannot override record in status %s", record.Status)
	}
	if approverID == "" {
		return contracts.QualityGateRecord{}, fmt.Errorf("quality: override requires approver identity")
	}

	out := record
	out.ID = uuid.New().String()
	out.Override = &contracts.OverrideDecision{
		ApproverID: approverID,
		Approved:   approved,
		Reason:     reason,
		DecidedAt:  g.clock(),
	}
	if approved {
		out.Status = contracts.GateOverrideApproved
	} else {
		out.Status = contracts.GateOverrideDenied
	}
	out.ContentHash = sealHash(out)
	return out, nil
}

func (g *Gate) resolveWeights(phase contracts.PhaseConfig) (map[string]float64, error) {
	if len(phase.Weights) == 0 {
		if len(g.scorers) == 0 {
			return nil, fmt.Errorf("quality: no scorers registered")
		}
		equal := 1.0 / float64(len(g.scorers))
		weights := make(map[string]float64, len(g.scorers))
		for name := range g.scorers {
			weights[name] = equal
		}
		return weights, nil
	}

	sum := 0.0
	for name, w := range phase.Weights {
		if w < 0 {
			return nil, fmt.Errorf("quality: phase %d weight %q is negative", phase.Phase, name)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return nil, fmt.Errorf("quality: phase %d weights sum to %f, expected 1.0", phase.Phase, sum)
	}
	return phase.Weights, nil
}

// sealHash computes the audit hash over the decision-relevant fields.
func sealHash(record contracts.QualityGateRecord) string {
	hashable := struct {
		SessionID string                      `json:"session_id"`
		Phase     int                         `json:"phase"`
		Score     float64                     `json:"score"`
		Threshold float64                     `json:"threshold"`
		Status    contracts.GateStatus        `json:"status"`
		Override  *contracts.OverrideDecision `json:"override,omitempty"`
	}{record.SessionID, record.Phase, record.Score, record.Threshold, record.Status, record.Override}

	h, err := contracts.CanonicalHash(hashable)
	if err != nil {
		return ""
	}
	return h
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
