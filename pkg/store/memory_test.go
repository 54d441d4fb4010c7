package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
)

func seededSession(id string) contracts.Session {
	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	return contracts.Session{
		ID:           id,
		Status:       contracts.SessionRunning,
		InputText:    "a quiet heist in a rainy city",
		CurrentPhase: 2,
		TotalPhases:  5,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestMemoryRepositoryConditionalUpdate(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	if err := repo.CreateSession(ctx, seededSession("s1")); err != nil {
		t.Fatal(err)
	}

	ok, err := repo.UpdateStatusIf(ctx, "s1", contracts.SessionRunning, contracts.SessionAwaitingFeedback, "")
	if err != nil || !ok {
		t.Fatalf("expected guarded transition to apply, ok=%v err=%v", ok, err)
	}

	// Guard must fail without error when the status moved on.
	ok, err = repo.UpdateStatusIf(ctx, "s1", contracts.SessionRunning, contracts.SessionFailed, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected guard to reject transition from stale expectation")
	}

	s, err := repo.LoadSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != contracts.SessionAwaitingFeedback {
		t.Fatalf("status clobbered: %s", s.Status)
	}
}

func TestMemoryRepositoryTransitionClearsStaleError(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	s := seededSession("s1")
	s.Status = contracts.SessionFailed
	s.LastError = "QUALITY: phase 5 quality exhausted"
	if err := repo.CreateSession(ctx, s); err != nil {
		t.Fatal(err)
	}

	// An approved override of the final phase completes the session with
	// no reason; the old failure must not survive the transition.
	ok, err := repo.UpdateStatusIf(ctx, "s1", contracts.SessionFailed, contracts.SessionCompleted, "")
	if err != nil || !ok {
		t.Fatalf("expected transition to apply, ok=%v err=%v", ok, err)
	}

	got, err := repo.LoadSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastError != "" {
		t.Fatalf("expected last error cleared, got %q", got.LastError)
	}
	if got.Status != contracts.SessionCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
}

func TestMemoryRepositoryRepairIfStale(t *testing.T) {
	at := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	repo := NewMemoryRepository().WithClock(func() time.Time { return at })
	ctx := context.Background()

	s := seededSession("s1")
	s.UpdatedAt = at.Add(-45 * time.Minute)
	if err := repo.CreateSession(ctx, s); err != nil {
		t.Fatal(err)
	}

	// Stale threshold 30 minutes ago: session last touched 45 minutes
	// ago qualifies.
	ok, err := repo.RepairIfStale(ctx, "s1", contracts.SessionRunning, contracts.SessionFailed, "reconciled: stuck in RUNNING", at.Add(-30*time.Minute))
	if err != nil || !ok {
		t.Fatalf("expected repair, ok=%v err=%v", ok, err)
	}

	got, _ := repo.LoadSession(ctx, "s1")
	if got.Status != contracts.SessionFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.LastError == "" || got.CompletedAt == nil {
		t.Fatal("repair must record a reason and completion time")
	}

	// A session touched after the threshold must never be repaired.
	fresh := seededSession("s2")
	fresh.UpdatedAt = at.Add(-1 * time.Minute)
	_ = repo.CreateSession(ctx, fresh)
	ok, err = repo.RepairIfStale(ctx, "s2", contracts.SessionRunning, contracts.SessionFailed, "reconciled", at.Add(-30*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("repair clobbered a fresh session")
	}
}

func TestMemoryRepositoryLease(t *testing.T) {
	at := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	repo := NewMemoryRepository().WithClock(func() time.Time { return at })
	ctx := context.Background()
	_ = repo.CreateSession(ctx, seededSession("s1"))

	if _, err := repo.AcquireLease(ctx, "s1", "worker-a", time.Minute); err != nil {
		t.Fatalf("first lease: %v", err)
	}
	// Re-entrant for the same owner.
	if _, err := repo.AcquireLease(ctx, "s1", "worker-a", time.Minute); err != nil {
		t.Fatalf("re-entrant lease: %v", err)
	}
	// Denied for a different owner while live.
	if _, err := repo.AcquireLease(ctx, "s1", "worker-b", time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}

	// Expired lease is claimable.
	at = at.Add(2 * time.Minute)
	if _, err := repo.AcquireLease(ctx, "s1", "worker-b", time.Minute); err != nil {
		t.Fatalf("expired lease takeover: %v", err)
	}
}

func TestMemoryRepositoryPhaseRecordsSortedAndUpserted(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_ = repo.SavePhaseRecord(ctx, contracts.PhaseExecutionRecord{ID: "p2", SessionID: "s1", Phase: 2, Status: contracts.PhaseRunning})
	_ = repo.SavePhaseRecord(ctx, contracts.PhaseExecutionRecord{ID: "p1", SessionID: "s1", Phase: 1, Status: contracts.PhasePassed})
	_ = repo.SavePhaseRecord(ctx, contracts.PhaseExecutionRecord{ID: "p2", SessionID: "s1", Phase: 2, Status: contracts.PhasePassed})

	records, err := repo.ListPhaseRecords(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected upsert, got %d records", len(records))
	}
	if records[0].Phase != 1 || records[1].Phase != 2 {
		t.Fatal("records not ordered by phase")
	}
	if records[1].Status != contracts.PhasePassed {
		t.Fatal("upsert did not apply")
	}
}

func TestMemoryRepositoryNotFound(t *testing.T) {
	repo := NewMemoryRepository()
	if _, err := repo.LoadSession(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
