package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
)

type stubAdapter struct {
	mu      sync.Mutex
	calls   int
	dep     string
	version string
	fn      func(call int) (contracts.PhaseOutput, error)
}

func (a *stubAdapter) Name() string { return "stub" }

func (a *stubAdapter) Dependency() string {
	if a.dep == "" {
		return "render-api"
	}
	return a.dep
}

func (a *stubAdapter) ContractVersion() string {
	if a.version == "" {
		return "1.2.0"
	}
	return a.version
}

func (a *stubAdapter) Execute(ctx context.Context, session *contracts.Session, phase contracts.PhaseConfig, accumulated map[int]contracts.PhaseOutput) (contracts.PhaseOutput, error) {
	a.mu.Lock()
	a.calls++
	n := a.calls
	a.mu.Unlock()
	if a.fn != nil {
		return a.fn(n)
	}
	return contracts.PhaseOutput{Content: map[string]any{"call": n}}, nil
}

func (a *stubAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func TestRegistryRejectsContractVersionOutsideRange(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}

	if err := reg.Register(1, &stubAdapter{version: "2.0.0"}); err == nil {
		t.Fatal("expected v2 contract to be rejected")
	}
	if err := reg.Register(1, &stubAdapter{version: "0.9.0"}); err == nil {
		t.Fatal("expected pre-1.0 contract to be rejected")
	}
	if err := reg.Register(1, &stubAdapter{version: "not-semver"}); err == nil {
		t.Fatal("expected unparseable version to be rejected")
	}
	if err := reg.Register(1, &stubAdapter{version: "1.5.3"}); err != nil {
		t.Fatalf("in-range version rejected: %v", err)
	}
}

func TestRegistryRejectsDoubleBinding(t *testing.T) {
	reg, _ := NewRegistry()
	if err := reg.Register(1, &stubAdapter{}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(1, &stubAdapter{}); err == nil {
		t.Fatal("expected duplicate phase binding to be rejected")
	}
}

func TestRegistryValidateReportsAllGaps(t *testing.T) {
	reg, _ := NewRegistry()
	_ = reg.Register(2, &stubAdapter{})

	phases := []contracts.PhaseConfig{{Phase: 1}, {Phase: 2}, {Phase: 3}}
	err := reg.Validate(phases)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(err.Error(), "[1 3]") {
		t.Fatalf("expected both gaps reported, got: %v", err)
	}
}
