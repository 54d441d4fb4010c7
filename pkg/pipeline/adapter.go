// Package pipeline drives the fixed phase sequence of a generation
// session: adapter invocation through circuit breakers, quality gating,
// checkpoint waits, retries with deterministic backoff, and durable
// phase records.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
)

// Adapter is the contract each phase's generation logic implements.
// Execute must be side-effect-idempotent on retry: the same input must
// reproduce an acceptable (not necessarily identical) output.
type Adapter interface {
	// Name identifies the adapter in records and logs.
	Name() string
	// Dependency names the external dependency the adapter calls;
	// all adapters sharing a dependency share one circuit breaker.
	Dependency() string
	// ContractVersion is the adapter API version the adapter was
	// built against, checked at registration.
	ContractVersion() string
	// Execute produces the phase artifact from the session input and
	// the accumulated outputs of prior phases.
	Execute(ctx context.Context, session *contracts.Session, phase contracts.PhaseConfig, accumulated map[int]contracts.PhaseOutput) (contracts.PhaseOutput, error)
}

// Subtask is one independent unit of intra-phase fan-out, e.g. one
// generated scene.
type Subtask struct {
	ID    string
	Input map[string]any
}

// FanOutAdapter is implemented by adapters whose phase decomposes into
// independent sub-tasks executed under the concurrency bound. Sub-task
// results are merged deterministically by sub-task ID.
type FanOutAdapter interface {
	Adapter
	// Decompose splits the phase into sub-tasks.
	Decompose(ctx context.Context, session *contracts.Session, phase contracts.PhaseConfig, accumulated map[int]contracts.PhaseOutput) ([]Subtask, error)
	// RunSubtask executes one sub-task.
	RunSubtask(ctx context.Context, session *contracts.Session, sub Subtask) (map[string]any, error)
	// Assemble merges the per-subtask results (keyed by sub-task ID)
	// into the phase output.
	Assemble(ctx context.Context, session *contracts.Session, phase contracts.PhaseConfig, results map[string]map[string]any) (contracts.PhaseOutput, error)
}

// AdapterContractConstraint is the semver range of adapter contract
// versions this core accepts.
const AdapterContractConstraint = ">= 1.0.0, < 2.0.0"

// Registry maps phase numbers to concrete adapters. The mapping is
// validated at startup: every configured phase must have an adapter.
type Registry struct {
	mu         sync.RWMutex
	adapters   map[int]Adapter
	constraint *semver.Constraints
}

// NewRegistry creates an empty registry enforcing the adapter contract
// version range.
func NewRegistry() (*Registry, error) {
	c, err := semver.NewConstraint(AdapterContractConstraint)
	if err != nil {
		return nil, fmt.Errorf("pipeline: contract constraint: %w", err)
	}
	return &Registry{
		adapters:   make(map[int]Adapter),
		constraint: c,
	}, nil
}

// Register binds an adapter to a phase number.
func (r *Registry) Register(phase int, a Adapter) error {
	if phase <= 0 {
		return fmt.Errorf("pipeline: phase numbers are 1-based, got %d", phase)
	}
	v, err := semver.NewVersion(a.ContractVersion())
	if err != nil {
		return fmt.Errorf("pipeline: adapter %q contract version %q: %w", a.Name(), a.ContractVersion(), err)
	}
	if !r.constraint.Check(v) {
		return fmt.Errorf("pipeline: adapter %q contract version %s outside supported range %s", a.Name(), v, AdapterContractConstraint)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.adapters[phase]; ok {
		return fmt.Errorf("pipeline: phase %d already bound to adapter %q", phase, existing.Name())
	}
	r.adapters[phase] = a
	return nil
}

// For returns the adapter bound to a phase.
func (r *Registry) For(phase int) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[phase]
	if !ok {
		return nil, fmt.Errorf("pipeline: no adapter for phase %d", phase)
	}
	return a, nil
}

// Validate checks at startup that every configured phase has an
// adapter, reporting all gaps at once.
func (r *Registry) Validate(phases []contracts.PhaseConfig) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []int
	for _, p := range phases {
		if _, ok := r.adapters[p.Phase]; !ok {
			missing = append(missing, p.Phase)
		}
	}
	if len(missing) > 0 {
		sort.Ints(missing)
		return fmt.Errorf("pipeline: phases without adapters: %v", missing)
	}
	return nil
}
