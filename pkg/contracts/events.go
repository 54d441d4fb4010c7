package contracts

import "time"

// EventType identifies a pipeline lifecycle event.
type EventType string

const (
	EventSessionStarted   EventType = "session.started"
	EventSessionCompleted EventType = "session.completed"
	EventSessionFailed    EventType = "session.failed"
	EventSessionCancelled EventType = "session.cancelled"

	EventPhaseStarted EventType = "phase.started"
	EventPhasePassed  EventType = "phase.passed"
	EventPhaseSkipped EventType = "phase.skipped"
	EventPhaseFailed  EventType = "phase.failed"
	EventPhaseRetried EventType = "phase.retried"

	EventFeedbackRequested EventType = "feedback.requested"
	EventFeedbackReceived  EventType = "feedback.received"
	EventFeedbackTimedOut  EventType = "feedback.timed_out"

	EventGateOverridden EventType = "gate.overridden"

	EventBreakerOpened EventType = "breaker.opened"
	EventBreakerClosed EventType = "breaker.closed"

	EventSessionReconciled EventType = "session.reconciled"
)

// Event is the fire-and-forget notification delivered to observers.
// At-least-once delivery is acceptable; consumers must tolerate
// duplicates.
type Event struct {
	SessionID string         `json:"session_id"`
	Type      EventType      `json:"type"`
	Phase     int            `json:"phase,omitempty"`
	Status    string         `json:"status,omitempty"`
	Progress  float64        `json:"progress"`
	Payload   map[string]any `json:"payload,omitempty"`
	EmittedAt time.Time      `json:"emitted_at"`
}

// CheckpointNotice is the payload attached to feedback.requested events:
// what the reviewer sees, what they may do, and how long they have.
type CheckpointNotice struct {
	Phase       int            `json:"phase"`
	PhaseName   string         `json:"phase_name"`
	Preview     map[string]any `json:"preview,omitempty"`
	PreviewRef  string         `json:"preview_ref,omitempty"`
	Options     []string       `json:"options"`
	RemainingMs int64          `json:"remaining_ms"`
	TimeoutAt   time.Time      `json:"timeout_at"`
}
