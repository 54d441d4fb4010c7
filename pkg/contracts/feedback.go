package contracts

import "time"

// FeedbackPhase is the lifecycle state of one checkpoint wait.
// Transitions are monotonic; a completed wait never reverts.
type FeedbackPhase string

const (
	FeedbackWaiting    FeedbackPhase = "WAITING"
	FeedbackReceived   FeedbackPhase = "RECEIVED"
	FeedbackProcessing FeedbackPhase = "PROCESSING"
	FeedbackCompleted  FeedbackPhase = "COMPLETED"
	FeedbackTimedOut   FeedbackPhase = "TIMEOUT"
)

// TimeoutAction is what the coordinator does when a checkpoint expires
// with no feedback.
type TimeoutAction string

const (
	TimeoutAutoApprove TimeoutAction = "auto_approve"
	TimeoutAutoSkip    TimeoutAction = "auto_skip"
	TimeoutFailSession TimeoutAction = "fail_session"
)

// FeedbackState tracks one (session, phase) checkpoint wait.
// Invariant: at most one WAITING state per (session, phase).
type FeedbackState struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Phase     int           `json:"phase"`
	State     FeedbackPhase `json:"state"`

	StartedAt  time.Time  `json:"started_at"`
	TimeoutAt  time.Time  `json:"timeout_at"`
	ReceivedAt *time.Time `json:"received_at,omitempty"`

	Action TimeoutAction `json:"timeout_action"`

	// Resolution records how the wait ended: "feedback", or the
	// timeout action that fired.
	Resolution string `json:"resolution,omitempty"`
}

// FeedbackDecision is the reviewer's verdict on a checkpoint.
type FeedbackDecision string

const (
	DecisionApprove FeedbackDecision = "approve"
	DecisionModify  FeedbackDecision = "modify"
	DecisionSkip    FeedbackDecision = "skip"
)

// FeedbackPayload is the reviewer submission merged into phase output.
// Payloads are schema-validated before acceptance.
type FeedbackPayload struct {
	Decision      FeedbackDecision `json:"decision"`
	ReviewerID    string           `json:"reviewer_id"`
	Comment       string           `json:"comment,omitempty"`
	Modifications map[string]any   `json:"modifications,omitempty"`
}
