package contracts

import "time"

// PhaseStatus is the lifecycle status of a single phase execution.
type PhaseStatus string

const (
	PhasePending PhaseStatus = "PENDING"
	PhaseRunning PhaseStatus = "RUNNING"
	PhasePassed  PhaseStatus = "PASSED"
	PhaseFailed  PhaseStatus = "FAILED"
	PhaseSkipped PhaseStatus = "SKIPPED"
)

// Terminal reports whether the phase record is immutable.
func (p PhaseStatus) Terminal() bool {
	switch p {
	case PhasePassed, PhaseFailed, PhaseSkipped:
		return true
	}
	return false
}

// PhaseExecutionRecord is created when a phase begins and mutated only
// by the orchestrator driving that phase. Once terminal it never changes.
type PhaseExecutionRecord struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Phase     int         `json:"phase"`
	Status    PhaseStatus `json:"status"`

	// QualityScore is in [0,1] when set; nil means no gate ran.
	QualityScore *float64 `json:"quality_score,omitempty"`

	RetriesUsed    int           `json:"retries_used"`
	ProcessingTime time.Duration `json:"processing_time_nanos"`
	ErrorReason    string        `json:"error_reason,omitempty"`

	// OutputHash is the canonical content hash of the phase output,
	// when the output was persisted to the artifact store.
	OutputHash string `json:"output_hash,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// PhaseConfig is the per-phase section of a pipeline profile.
type PhaseConfig struct {
	Phase      int    `yaml:"phase" json:"phase"`
	Name       string `yaml:"name" json:"name"`
	Adapter    string `yaml:"adapter" json:"adapter"`
	Checkpoint bool   `yaml:"checkpoint" json:"checkpoint"`

	// Quality gate settings.
	Threshold    float64            `yaml:"threshold" json:"threshold"`
	Weights      map[string]float64 `yaml:"weights,omitempty" json:"weights,omitempty"`
	PreCheck     bool               `yaml:"pre_check,omitempty" json:"pre_check,omitempty"`
	MaxRetries   int                `yaml:"max_retries" json:"max_retries"`
	TimeoutSecs  int                `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	FanOut       bool               `yaml:"fan_out,omitempty" json:"fan_out,omitempty"`
	MaxParallel  int                `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
	MinSuccesses float64            `yaml:"min_success_ratio,omitempty" json:"min_success_ratio,omitempty"`

	// Checkpoint settings.
	FeedbackTimeoutSecs int    `yaml:"feedback_timeout_seconds,omitempty" json:"feedback_timeout_seconds,omitempty"`
	TimeoutAction       string `yaml:"timeout_action,omitempty" json:"timeout_action,omitempty"` // auto_approve | auto_skip | fail_session
}

// PhaseOutput is the artifact a phase produces: a structured document
// plus optional preview data surfaced to checkpoint reviewers.
type PhaseOutput struct {
	Phase    int            `json:"phase"`
	Content  map[string]any `json:"content"`
	Preview  map[string]any `json:"preview,omitempty"`
	Produced time.Time      `json:"produced_at"`
}
