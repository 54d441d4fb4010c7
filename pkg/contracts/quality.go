package contracts

import "time"

// GateStatus is the outcome of one quality gate evaluation.
type GateStatus string

const (
	GatePassed           GateStatus = "PASSED"
	GateFailed           GateStatus = "FAILED"
	GateOverrideApproved GateStatus = "OVERRIDE_APPROVED"
	GateOverrideDenied   GateStatus = "OVERRIDE_DENIED"
)

// QualityGateRecord is created per phase evaluation and is immutable
// once a decision is finalized. Scores are always in [0,1].
type QualityGateRecord struct {
	ID        string  `json:"id"`
	SessionID string  `json:"session_id"`
	Phase     int     `json:"phase"`
	Threshold float64 `json:"threshold"`
	Score     float64 `json:"score"`

	// SubScores holds each sub-scorer's raw score keyed by scorer name.
	SubScores map[string]float64 `json:"sub_scores,omitempty"`

	Status GateStatus `json:"status"`

	// Override metadata, set only for OVERRIDE_* statuses.
	Override *OverrideDecision `json:"override,omitempty"`

	EvaluatedAt time.Time `json:"evaluated_at"`

	// ContentHash is the canonical hash of the record at decision time,
	// for audit parity checks.
	ContentHash string `json:"content_hash,omitempty"`
}

// OverrideDecision records a human decision to proceed (or not) despite
// an exhausted quality gate.
type OverrideDecision struct {
	ApproverID string    `json:"approver_id"`
	Approved   bool      `json:"approved"`
	Reason     string    `json:"reason"`
	DecidedAt  time.Time `json:"decided_at"`
}
