package resiliency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atelier-ai/atelier/core/pkg/faults"
)

var errBoom = errors.New("boom")

func failingCall(ctx context.Context) error { return errBoom }
func okCall(ctx context.Context) error      { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := New("render", Config{FailureThreshold: 3, OpenTimeout: 10 * time.Second, SuccessThreshold: 2}).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Call(ctx, failingCall); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected wrapped failure, got %v", i, err)
		}
	}

	if got := cb.Snapshot().State; got != StateOpen {
		t.Fatalf("expected OPEN after threshold, got %s", got)
	}

	// Before OpenTimeout the wrapped function must never run.
	invoked := false
	err := cb.Call(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	var coe *faults.CircuitOpenError
	if !errors.As(err, &coe) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}
	if coe.Dependency != "render" {
		t.Errorf("expected dependency name in error, got %q", coe.Dependency)
	}
	if invoked {
		t.Error("wrapped function invoked while circuit open")
	}
}

func TestBreakerHalfOpenProbeAndClose(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := New("render", Config{FailureThreshold: 1, OpenTimeout: 5 * time.Second, SuccessThreshold: 2}).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	if err := cb.Call(ctx, failingCall); err == nil {
		t.Fatal("expected failure")
	}
	if got := cb.Snapshot().State; got != StateOpen {
		t.Fatalf("expected OPEN, got %s", got)
	}

	// Advance past the open timeout: next call is the probe.
	now = now.Add(6 * time.Second)
	if err := cb.Call(ctx, okCall); err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if got := cb.Snapshot().State; got != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN after one probe success, got %s", got)
	}

	// Second consecutive success closes and resets counters.
	if err := cb.Call(ctx, okCall); err != nil {
		t.Fatalf("second probe failed: %v", err)
	}
	snap := cb.Snapshot()
	if snap.State != StateClosed {
		t.Fatalf("expected CLOSED, got %s", snap.State)
	}
	if snap.FailureCount != 0 || snap.SuccessCount != 0 {
		t.Errorf("expected counters reset, got %+v", snap)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := New("render", Config{FailureThreshold: 1, OpenTimeout: 5 * time.Second, SuccessThreshold: 3}).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	_ = cb.Call(ctx, failingCall)
	now = now.Add(6 * time.Second)

	// Probe fails: straight back to OPEN.
	if err := cb.Call(ctx, failingCall); !errors.Is(err, errBoom) {
		t.Fatalf("expected probe failure, got %v", err)
	}
	if got := cb.Snapshot().State; got != StateOpen {
		t.Fatalf("expected OPEN after probe failure, got %s", got)
	}
}

func TestBreakerTransitionCallback(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := New("render", Config{FailureThreshold: 1, OpenTimeout: time.Second, SuccessThreshold: 1}).
		WithClock(func() time.Time { return now })

	type hop struct{ from, to State }
	var hops []hop
	cb.OnTransition(func(name string, from, to State) {
		hops = append(hops, hop{from, to})
	})

	ctx := context.Background()
	_ = cb.Call(ctx, failingCall)
	now = now.Add(2 * time.Second)
	_ = cb.Call(ctx, okCall)

	want := []hop{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(hops) != len(want) {
		t.Fatalf("expected %d transitions, got %d (%v)", len(want), len(hops), hops)
	}
	for i, w := range want {
		if hops[i] != w {
			t.Errorf("transition %d: expected %v, got %v", i, w, hops[i])
		}
	}
}

func TestRegistrySharesBreakerPerName(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	a := r.Get("imaging")
	b := r.Get("imaging")
	if a != b {
		t.Fatal("expected same breaker instance per dependency name")
	}
	if r.Get("text") == a {
		t.Fatal("expected distinct breakers per dependency")
	}
	if len(r.Snapshots()) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(r.Snapshots()))
	}
}
