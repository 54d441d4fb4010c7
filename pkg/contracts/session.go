// Package contracts defines the shared data contracts of the Atelier
// pipeline core: sessions, phase execution records, feedback states,
// quality gate records, and the events exchanged with observers.
//
// All contracts serialize with snake_case JSON field names and are the
// single source of truth for the field sets the persistence layer must
// round-trip.
package contracts

import (
	"time"
)

// SessionStatus is the overall lifecycle status of a generation session.
type SessionStatus string

const (
	SessionPending          SessionStatus = "PENDING"
	SessionRunning          SessionStatus = "RUNNING"
	SessionAwaitingFeedback SessionStatus = "AWAITING_FEEDBACK"
	SessionCompleted        SessionStatus = "COMPLETED"
	SessionFailed           SessionStatus = "FAILED"
	SessionCancelled        SessionStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// ProcessingMode selects how the orchestrator schedules phase internals.
type ProcessingMode string

const (
	ModeSequential ProcessingMode = "SEQUENTIAL"
	ModeParallel   ProcessingMode = "PARALLEL"
	ModeHybrid     ProcessingMode = "HYBRID"
)

// Session is the durable record of one pipeline run.
// It is owned exclusively by the orchestrator holding its execution
// lease; the reconciler and status queries only read it (the reconciler
// repairs it through atomic conditional updates).
type Session struct {
	ID          string        `json:"id"`
	Status      SessionStatus `json:"status"`
	Title       string        `json:"title,omitempty"`
	InputText   string        `json:"input_text"`
	ProfileCode string        `json:"profile_code"`

	// CurrentPhase is 1-based and monotonically non-decreasing while
	// the session is non-terminal. Never exceeds TotalPhases.
	CurrentPhase int `json:"current_phase"`
	TotalPhases  int `json:"total_phases"`

	HITLEnabled bool           `json:"hitl_enabled"`
	Mode        ProcessingMode `json:"mode"`

	// RetryCounts tracks retries consumed per phase number.
	RetryCounts map[int]int `json:"retry_counts,omitempty"`

	LastError string `json:"last_error,omitempty"`

	// Lease metadata for single-writer enforcement.
	LeasedBy    string    `json:"leased_by,omitempty"`
	LeasedUntil time.Time `json:"leased_until,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Progress returns completion as a percentage of phases fully passed.
func (s *Session) Progress() float64 {
	if s.TotalPhases == 0 {
		return 0
	}
	done := s.CurrentPhase - 1
	if s.Status == SessionCompleted {
		done = s.TotalPhases
	}
	if done < 0 {
		done = 0
	}
	return float64(done) / float64(s.TotalPhases) * 100.0
}
