package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
	"github.com/atelier-ai/atelier/core/pkg/events"
	"github.com/atelier-ai/atelier/core/pkg/faults"
	"github.com/atelier-ai/atelier/core/pkg/hitl"
	"github.com/atelier-ai/atelier/core/pkg/pipeline"
	"github.com/atelier-ai/atelier/core/pkg/quality"
	"github.com/atelier-ai/atelier/core/pkg/resiliency"
	"github.com/atelier-ai/atelier/core/pkg/store"
)

type countingAdapter struct {
	mu    sync.Mutex
	calls int
}

func (a *countingAdapter) Name() string            { return "counting" }
func (a *countingAdapter) Dependency() string      { return "render-api" }
func (a *countingAdapter) ContractVersion() string { return "1.0.0" }

func (a *countingAdapter) Execute(ctx context.Context, session *contracts.Session, phase contracts.PhaseConfig, accumulated map[int]contracts.PhaseOutput) (contracts.PhaseOutput, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return contracts.PhaseOutput{
		Content: map[string]any{"phase": phase.Phase},
		Preview: map[string]any{"summary": "draft"},
	}, nil
}

func (a *countingAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fixedScorer struct{ score float64 }

func (s fixedScorer) Name() string { return "fixed" }
func (s fixedScorer) Score(ctx context.Context, output contracts.PhaseOutput, accumulated map[int]contracts.PhaseOutput) (float64, error) {
	return s.score, nil
}

type testRig struct {
	engine      *Engine
	repo        *store.MemoryRepository
	coordinator *hitl.Coordinator
	publisher   *events.MemoryPublisher
	adapters    map[int]*countingAdapter
}

func newTestRig(t *testing.T, phases []contracts.PhaseConfig, scorers ...quality.Scorer) *testRig {
	t.Helper()
	repo := store.NewMemoryRepository()
	publisher := events.NewMemoryPublisher()
	gate := quality.NewGate(scorers...)
	coordinator := hitl.NewCoordinator(repo, publisher)

	registry, err := pipeline.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	adapters := make(map[int]*countingAdapter, len(phases))
	for _, p := range phases {
		a := &countingAdapter{}
		if err := registry.Register(p.Phase, a); err != nil {
			t.Fatal(err)
		}
		adapters[p.Phase] = a
	}

	orch := pipeline.New(repo, registry, gate, coordinator, resiliency.NewRegistry(resiliency.Config{FailureThreshold: 100}), publisher, pipeline.Config{
		OwnerID: "worker-test",
	}).WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() })

	eng := New(repo, orch, coordinator, gate, publisher, map[string][]contracts.PhaseConfig{
		"storyboard": phases,
	})
	return &testRig{engine: eng, repo: repo, coordinator: coordinator, publisher: publisher, adapters: adapters}
}

func TestEngineEndToEndCompletes(t *testing.T) {
	rig := newTestRig(t, []contracts.PhaseConfig{
		{Phase: 1, Name: "concept"},
		{Phase: 2, Name: "script"},
		{Phase: 3, Name: "scenes"},
	})
	ctx := context.Background()

	s, err := rig.engine.StartSession(ctx, StartRequest{
		InputText:   "a quiet heist in a rainy city",
		ProfileCode: "storyboard",
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != contracts.SessionPending || s.TotalPhases != 3 {
		t.Fatalf("unexpected session: %+v", s)
	}

	if err := rig.engine.Execute(ctx, s.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	view, err := rig.engine.GetStatus(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != string(contracts.SessionCompleted) {
		t.Fatalf("expected COMPLETED, got %s", view.Status)
	}
	if view.Progress != 100.0 {
		t.Fatalf("expected 100%% progress, got %f", view.Progress)
	}

	records, _ := rig.engine.PhaseRecords(ctx, s.ID)
	if len(records) != 3 {
		t.Fatalf("expected 3 phase records, got %d", len(records))
	}
}

func TestEngineQualityExhaustionThenOverride(t *testing.T) {
	rig := newTestRig(t, []contracts.PhaseConfig{
		{Phase: 1, Name: "script", Threshold: 0.7, Weights: map[string]float64{"fixed": 1.0}, MaxRetries: 3},
		{Phase: 2, Name: "scenes"},
	}, fixedScorer{score: 0.5})
	ctx := context.Background()

	s, err := rig.engine.StartSession(ctx, StartRequest{InputText: "brief", ProfileCode: "storyboard"})
	if err != nil {
		t.Fatal(err)
	}

	err = rig.engine.Execute(ctx, s.ID)
	if err == nil {
		t.Fatal("expected quality failure")
	}
	if faults.ClassOf(err) != faults.ClassQuality {
		t.Fatalf("expected QUALITY fault, got %s", faults.ClassOf(err))
	}
	// Initial attempt plus exactly three retries against the adapter.
	if rig.adapters[1].Calls() != 4 {
		t.Fatalf("expected 4 adapter invocations, got %d", rig.adapters[1].Calls())
	}

	view, _ := rig.engine.GetStatus(ctx, s.ID)
	if view.Status != string(contracts.SessionFailed) {
		t.Fatalf("expected FAILED, got %s", view.Status)
	}
	if !strings.Contains(view.LastError, "quality exhausted") {
		t.Fatalf("failure must cite quality exhaustion, got %q", view.LastError)
	}

	rec, err := rig.engine.OverrideGate(ctx, s.ID, 1, "lead-reviewer", true, "style intentionally rough for this board")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if rec.Status != contracts.GateOverrideApproved {
		t.Fatalf("expected OVERRIDE_APPROVED, got %s", rec.Status)
	}
	if rec.Override == nil || rec.Override.ApproverID != "lead-reviewer" {
		t.Fatalf("override decision not recorded: %+v", rec.Override)
	}
	if rec.ContentHash == "" {
		t.Fatal("override record must carry a content hash")
	}

	// The approved override re-queues the session past phase 1.
	if err := rig.engine.Execute(ctx, s.ID); err != nil {
		t.Fatalf("resume after override: %v", err)
	}
	view, _ = rig.engine.GetStatus(ctx, s.ID)
	if view.Status != string(contracts.SessionCompleted) {
		t.Fatalf("expected COMPLETED after override resume, got %s (%s)", view.Status, view.LastError)
	}
	if got := len(rig.publisher.OfType(contracts.EventGateOverridden)); got != 1 {
		t.Fatalf("expected one override event, got %d", got)
	}
}

func TestEngineOverrideDeniedLeavesSessionFailed(t *testing.T) {
	rig := newTestRig(t, []contracts.PhaseConfig{
		{Phase: 1, Threshold: 0.7, Weights: map[string]float64{"fixed": 1.0}, MaxRetries: 0},
	}, fixedScorer{score: 0.3})
	ctx := context.Background()

	s, _ := rig.engine.StartSession(ctx, StartRequest{InputText: "brief", ProfileCode: "storyboard"})
	if err := rig.engine.Execute(ctx, s.ID); err == nil {
		t.Fatal("expected failure")
	}

	rec, err := rig.engine.OverrideGate(ctx, s.ID, 1, "lead-reviewer", false, "genuinely below the bar")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != contracts.GateOverrideDenied {
		t.Fatalf("expected OVERRIDE_DENIED, got %s", rec.Status)
	}
	view, _ := rig.engine.GetStatus(ctx, s.ID)
	if view.Status != string(contracts.SessionFailed) {
		t.Fatalf("denied override must not resurrect the session, got %s", view.Status)
	}
}

func TestEngineSubmitFeedbackValidation(t *testing.T) {
	rig := newTestRig(t, []contracts.PhaseConfig{{Phase: 1}})
	ctx := context.Background()
	s, _ := rig.engine.StartSession(ctx, StartRequest{InputText: "brief", ProfileCode: "storyboard"})

	if err := rig.engine.SubmitFeedback(ctx, s.ID, []byte("{not json")); err == nil {
		t.Fatal("malformed JSON must be rejected")
	}
	if err := rig.engine.SubmitFeedback(ctx, s.ID, []byte(`{"decision":"destroy","reviewer_id":"r1"}`)); err == nil {
		t.Fatal("decision outside the schema enum must be rejected")
	}
	if err := rig.engine.SubmitFeedback(ctx, s.ID, []byte(`{"decision":"approve","reviewer_id":"r1","extra":true}`)); err == nil {
		t.Fatal("unknown fields must be rejected")
	}

	// Structurally valid, but the session is not awaiting feedback.
	err := rig.engine.SubmitFeedback(ctx, s.ID, []byte(`{"decision":"approve","reviewer_id":"r1"}`))
	if !faults.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestEngineFeedbackRoundTrip(t *testing.T) {
	rig := newTestRig(t, []contracts.PhaseConfig{
		{Phase: 1, Name: "style", Checkpoint: true, FeedbackTimeoutSecs: 10, TimeoutAction: string(contracts.TimeoutFailSession)},
	})
	ctx := context.Background()

	s, _ := rig.engine.StartSession(ctx, StartRequest{
		InputText:   "brief",
		ProfileCode: "storyboard",
		HITLEnabled: true,
	})

	done := make(chan error, 1)
	go func() { done <- rig.engine.Execute(ctx, s.ID) }()

	deadline := time.After(5 * time.Second)
	for !rig.coordinator.Waiting(s.ID, 1) {
		select {
		case <-deadline:
			t.Fatal("session never reached the checkpoint")
		case <-time.After(5 * time.Millisecond):
		}
	}

	view, err := rig.engine.GetStatus(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != string(contracts.SessionAwaitingFeedback) {
		t.Fatalf("expected AWAITING_FEEDBACK, got %s", view.Status)
	}

	if err := rig.engine.SubmitFeedback(ctx, s.ID, []byte(`{"decision":"approve","reviewer_id":"reviewer-7","comment":"ship it"}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("execute: %v", err)
	}

	view, _ = rig.engine.GetStatus(ctx, s.ID)
	if view.Status != string(contracts.SessionCompleted) {
		t.Fatalf("expected COMPLETED, got %s", view.Status)
	}
}

func TestEngineCancelIdleSession(t *testing.T) {
	rig := newTestRig(t, []contracts.PhaseConfig{{Phase: 1}})
	ctx := context.Background()
	s, _ := rig.engine.StartSession(ctx, StartRequest{InputText: "brief", ProfileCode: "storyboard"})

	if err := rig.engine.Cancel(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	view, _ := rig.engine.GetStatus(ctx, s.ID)
	if view.Status != string(contracts.SessionCancelled) {
		t.Fatalf("expected CANCELLED, got %s", view.Status)
	}

	// Terminal sessions reject a second cancel.
	if err := rig.engine.Cancel(ctx, s.ID); !faults.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestEngineStartSessionValidation(t *testing.T) {
	rig := newTestRig(t, []contracts.PhaseConfig{{Phase: 1}})
	ctx := context.Background()

	if _, err := rig.engine.StartSession(ctx, StartRequest{ProfileCode: "storyboard"}); err == nil {
		t.Fatal("empty input must be rejected")
	}
	if _, err := rig.engine.StartSession(ctx, StartRequest{InputText: "x", ProfileCode: "unknown"}); err == nil {
		t.Fatal("unknown profile must be rejected")
	}
	if _, err := rig.engine.StartSession(ctx, StartRequest{InputText: "x", ProfileCode: "storyboard", Mode: "TURBO"}); err == nil {
		t.Fatal("unknown mode must be rejected")
	}
}
