// Package store provides the persistence repository for sessions,
// phase execution records, feedback states, and quality gate records.
//
// Every implementation must support the atomic conditional updates the
// single-writer invariant and the reconciler depend on: a transition
// only applies if the session is still in the expected status (and,
// for repairs, still stale).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
)

// ErrNotFound is returned when a session or record does not exist.
var ErrNotFound = errors.New("not found")

// ErrLeaseHeld is returned when another owner holds the session lease.
var ErrLeaseHeld = errors.New("lease held by another owner")

// Repository is the durable interface the engine, orchestrator, and
// reconciler share.
type Repository interface {
	// CreateSession persists a new session.
	CreateSession(ctx context.Context, s contracts.Session) error

	// LoadSession retrieves a session by ID.
	LoadSession(ctx context.Context, id string) (contracts.Session, error)

	// SaveSession overwrites a session the caller owns the lease for.
	SaveSession(ctx context.Context, s contracts.Session) error

	// AcquireLease claims exclusive write ownership of a session. It
	// succeeds when the lease is free, expired, or already held by
	// ownerID; otherwise it returns ErrLeaseHeld.
	AcquireLease(ctx context.Context, id, ownerID string, duration time.Duration) (contracts.Session, error)

	// UpdateStatusIf transitions the session status only if it still
	// equals expect. Returns false with no error when the guard fails.
	UpdateStatusIf(ctx context.Context, id string, expect, next contracts.SessionStatus, reason string) (bool, error)

	// RepairIfStale transitions the session only if it is still in the
	// expected status AND has not been touched since staleBefore. Used
	// by the reconciler so it never clobbers a just-advanced session.
	RepairIfStale(ctx context.Context, id string, expect, next contracts.SessionStatus, reason string, staleBefore time.Time) (bool, error)

	// ListByStatus returns sessions currently in the given status.
	ListByStatus(ctx context.Context, status contracts.SessionStatus) ([]contracts.Session, error)

	// SavePhaseRecord upserts a phase execution record.
	SavePhaseRecord(ctx context.Context, rec contracts.PhaseExecutionRecord) error

	// ListPhaseRecords returns a session's phase records ordered by
	// phase number.
	ListPhaseRecords(ctx context.Context, sessionID string) ([]contracts.PhaseExecutionRecord, error)

	// SaveFeedbackState upserts a checkpoint feedback state.
	SaveFeedbackState(ctx context.Context, state contracts.FeedbackState) error

	// SaveGateRecord persists an immutable quality gate record.
	SaveGateRecord(ctx context.Context, rec contracts.QualityGateRecord) error

	// ListGateRecords returns a session's gate records in evaluation
	// order.
	ListGateRecords(ctx context.Context, sessionID string) ([]contracts.QualityGateRecord, error)
}
