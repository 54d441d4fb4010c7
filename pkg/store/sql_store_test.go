package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
)

func newMockRepo(t *testing.T) (*SQLRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	at := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	repo := NewSQLRepository(db).WithClock(func() time.Time { return at })
	return repo, mock, func() { _ = db.Close() }
}

func TestSQLRepositoryCreateSession(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	s := contracts.Session{
		ID:           "s1",
		Status:       contracts.SessionPending,
		InputText:    "storyboard brief",
		ProfileCode:  "storyboard",
		CurrentPhase: 0,
		TotalPhases:  5,
		HITLEnabled:  true,
		Mode:         contracts.ModeSequential,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.CreateSession(context.Background(), s); err != nil {
		t.Errorf("error was not expected while creating session: %s", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}

func TestSQLRepositoryConditionalStatusUpdate(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	mock.ExpectExec("UPDATE sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.UpdateStatusIf(context.Background(), "s1", contracts.SessionRunning, contracts.SessionCompleted, "")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !ok {
		t.Fatal("expected guarded update to report success")
	}

	// Zero rows affected means the guard failed, not an error.
	mock.ExpectExec("UPDATE sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = repo.UpdateStatusIf(context.Background(), "s1", contracts.SessionRunning, contracts.SessionFailed, "late failure")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if ok {
		t.Fatal("expected guard failure to report false")
	}
}

func TestSQLRepositoryRepairIfStaleAddsStalenessGuard(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	staleBefore := time.Date(2026, 8, 1, 8, 30, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE sessions").
		WithArgs(
			string(contracts.SessionFailed),
			"reconciled: stuck in RUNNING",
			sqlmock.AnyArg(), // updated_at
			sqlmock.AnyArg(), // completed_at
			"s1",
			string(contracts.SessionRunning),
			staleBefore,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.RepairIfStale(context.Background(), "s1", contracts.SessionRunning, contracts.SessionFailed, "reconciled: stuck in RUNNING", staleBefore)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !ok {
		t.Fatal("expected repair to apply")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}

func TestSQLRepositoryAcquireLeaseDenied(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	mock.ExpectExec("UPDATE sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if _, err := repo.AcquireLease(context.Background(), "s1", "worker-b", time.Minute); err != ErrLeaseHeld {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
}

func TestSQLRepositorySaveGateRecord(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	mock.ExpectExec("INSERT INTO gate_records").
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := contracts.QualityGateRecord{
		ID:        "g1",
		SessionID: "s1",
		Phase:     2,
		Threshold: 0.7,
		Score:     0.85,
		SubScores: map[string]float64{"completeness": 0.9, "structure": 0.8},
		Status:    contracts.GatePassed,
	}
	if err := repo.SaveGateRecord(context.Background(), rec); err != nil {
		t.Errorf("error was not expected while saving gate record: %s", err)
	}
}

func TestSQLRepositorySaveFeedbackStateUpserts(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM feedback_states").
		WithArgs("f1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO feedback_states").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	state := contracts.FeedbackState{
		ID:        "f1",
		SessionID: "s1",
		Phase:     3,
		State:     contracts.FeedbackWaiting,
		StartedAt: time.Now(),
		TimeoutAt: time.Now().Add(time.Hour),
		Action:    contracts.TimeoutAutoApprove,
	}
	if err := repo.SaveFeedbackState(context.Background(), state); err != nil {
		t.Errorf("error was not expected while saving feedback state: %s", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}
