// Package engine is the facade over the pipeline core: it creates
// sessions, executes them through the orchestrator, answers status
// queries, routes schema-validated reviewer feedback, and runs the
// gate override workflow.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
	"github.com/atelier-ai/atelier/core/pkg/events"
	"github.com/atelier-ai/atelier/core/pkg/faults"
	"github.com/atelier-ai/atelier/core/pkg/hitl"
	"github.com/atelier-ai/atelier/core/pkg/pipeline"
	"github.com/atelier-ai/atelier/core/pkg/quality"
	"github.com/atelier-ai/atelier/core/pkg/store"
)

// StartRequest describes a new session.
type StartRequest struct {
	Title       string                  `json:"title,omitempty"`
	InputText   string                  `json:"input_text"`
	ProfileCode string                  `json:"profile_code"`
	HITLEnabled bool                    `json:"hitl_enabled"`
	Mode        contracts.ProcessingMode `json:"mode,omitempty"`
}

// Engine wires the pipeline core behind four operations plus the
// override workflow. Transports sit in front of it; the engine itself
// owns no sockets.
type Engine struct {
	repo        store.Repository
	orch        *pipeline.Orchestrator
	coordinator *hitl.Coordinator
	gate        *quality.Gate
	publisher   events.Publisher
	profiles    map[string][]contracts.PhaseConfig
	cache       *store.StatusCache
	logger      *slog.Logger
	clock       func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an engine over the given components. profiles maps
// profile codes to their phase lists.
func New(repo store.Repository, orch *pipeline.Orchestrator, coordinator *hitl.Coordinator, gate *quality.Gate, publisher events.Publisher, profiles map[string][]contracts.PhaseConfig) *Engine {
	return &Engine{
		repo:        repo,
		orch:        orch,
		coordinator: coordinator,
		gate:        gate,
		publisher:   publisher,
		profiles:    profiles,
		logger:      slog.Default().With("component", "engine"),
		clock:       time.Now,
		cancels:     make(map[string]context.CancelFunc),
	}
}

// WithStatusCache attaches the read-through status cache.
func (e *Engine) WithStatusCache(cache *store.StatusCache) *Engine {
	e.cache = cache
	return e
}

// WithLogger overrides the logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger.With("component", "engine")
	return e
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// StartSession validates the request and persists a PENDING session.
// Execution happens separately through Execute, so callers control
// whether sessions run inline or from a worker claim loop.
func (e *Engine) StartSession(ctx context.Context, req StartRequest) (contracts.Session, error) {
	if req.InputText == "" {
		return contracts.Session{}, faults.Permanent("input text is required", nil)
	}
	phases, ok := e.profiles[req.ProfileCode]
	if !ok {
		return contracts.Session{}, faults.Permanent(fmt.Sprintf("unknown profile %q", req.ProfileCode), nil)
	}
	mode := req.Mode
	switch mode {
	case contracts.ModeSequential, contracts.ModeParallel, contracts.ModeHybrid:
	case "":
		mode = contracts.ModeSequential
	default:
		return contracts.Session{}, faults.Permanent(fmt.Sprintf("unknown processing mode %q", req.Mode), nil)
	}

	now := e.clock()
	s := contracts.Session{
		ID:          uuid.New().String(),
		Status:      contracts.SessionPending,
		Title:       req.Title,
		InputText:   req.InputText,
		ProfileCode: req.ProfileCode,
		TotalPhases: len(phases),
		HITLEnabled: req.HITLEnabled,
		Mode:        mode,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.repo.CreateSession(ctx, s); err != nil {
		return contracts.Session{}, fmt.Errorf("engine: create session: %w", err)
	}
	e.logger.Info("session created", "session_id", s.ID, "profile", s.ProfileCode, "phases", s.TotalPhases, "hitl", s.HITLEnabled)
	return s, nil
}

// Execute runs the session to a terminal status. It blocks until the
// session completes, fails, or is cancelled.
func (e *Engine) Execute(ctx context.Context, sessionID string) error {
	s, err := e.repo.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	phases, ok := e.profiles[s.ProfileCode]
	if !ok {
		return faults.Permanent(fmt.Sprintf("session %s references unknown profile %q", sessionID, s.ProfileCode), nil)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[sessionID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, sessionID)
		e.mu.Unlock()
		e.invalidate(sessionID)
	}()

	return e.orch.Run(runCtx, sessionID, phases)
}

// GetStatus returns the hot-path status projection, served from the
// cache when one is attached. Cached snapshots are schema-validated on
// read; an invalid entry falls back to the repository.
func (e *Engine) GetStatus(ctx context.Context, sessionID string) (store.StatusView, error) {
	if e.cache != nil {
		if view, err := e.cache.Get(ctx, sessionID); err == nil {
			return view, nil
		}
	}

	s, err := e.repo.LoadSession(ctx, sessionID)
	if err != nil {
		return store.StatusView{}, err
	}
	view := store.StatusView{
		SessionID:    s.ID,
		Status:       string(s.Status),
		CurrentPhase: s.CurrentPhase,
		TotalPhases:  s.TotalPhases,
		Progress:     s.Progress(),
		LastError:    s.LastError,
	}
	if e.cache != nil {
		if err := e.cache.Put(ctx, s); err != nil {
			e.logger.Warn("status cache put failed", "session_id", sessionID, "error", err)
		}
	}
	return view, nil
}

// SubmitFeedback validates raw reviewer JSON against the feedback
// schema and delivers it to the session's waiting checkpoint.
func (e *Engine) SubmitFeedback(ctx context.Context, sessionID string, raw []byte) error {
	payload, err := contracts.DecodeFeedbackPayload(raw)
	if err != nil {
		return faults.Permanent("invalid feedback submission", err)
	}

	s, err := e.repo.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Status != contracts.SessionAwaitingFeedback {
		return faults.Conflict(fmt.Sprintf("session %s is %s, not awaiting feedback", sessionID, s.Status))
	}

	if err := e.coordinator.SubmitFeedback(ctx, sessionID, s.CurrentPhase, payload); err != nil {
		return err
	}
	e.invalidate(sessionID)
	return nil
}

// Cancel stops a session. A session running in this process is
// cancelled through its context so the orchestrator can finish the
// in-flight call and record CANCELLED itself; otherwise the status is
// transitioned directly.
func (e *Engine) Cancel(ctx context.Context, sessionID string) error {
	s, err := e.repo.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return faults.Conflict(fmt.Sprintf("session %s already %s", sessionID, s.Status))
	}

	e.mu.Lock()
	cancel, running := e.cancels[sessionID]
	e.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	ok, err := e.repo.UpdateStatusIf(ctx, sessionID, s.Status, contracts.SessionCancelled, "cancelled")
	if err != nil {
		return err
	}
	if !ok {
		return faults.Conflict(fmt.Sprintf("session %s changed status during cancel", sessionID))
	}
	e.invalidate(sessionID)
	e.publisher.Publish(ctx, contracts.Event{
		SessionID: sessionID,
		Type:      contracts.EventSessionCancelled,
		Status:    string(contracts.SessionCancelled),
		EmittedAt: e.clock(),
	})
	return nil
}

// OverrideGate applies a human decision to the latest FAILED gate
// record of the given phase. An approved override re-queues the
// session past the overridden phase; a denied override only seals the
// audit record.
func (e *Engine) OverrideGate(ctx context.Context, sessionID string, phase int, approverID string, approved bool, reason string) (contracts.QualityGateRecord, error) {
	records, err := e.repo.ListGateRecords(ctx, sessionID)
	if err != nil {
		return contracts.QualityGateRecord{}, err
	}
	var failed *contracts.QualityGateRecord
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Phase == phase && records[i].Status == contracts.GateFailed {
			failed = &records[i]
			break
		}
	}
	if failed == nil {
		return contracts.QualityGateRecord{}, faults.Conflict(fmt.Sprintf("no failed gate record for session %s phase %d", sessionID, phase))
	}

	overridden, err := e.gate.Override(*failed, approverID, approved, reason)
	if err != nil {
		return contracts.QualityGateRecord{}, err
	}
	if err := e.repo.SaveGateRecord(ctx, overridden); err != nil {
		return contracts.QualityGateRecord{}, fmt.Errorf("engine: persist override: %w", err)
	}

	e.publisher.Publish(ctx, contracts.Event{
		SessionID: sessionID,
		Type:      contracts.EventGateOverridden,
		Phase:     phase,
		Payload: map[string]any{
			"approved":    approved,
			"approver_id": approverID,
			"record_id":   overridden.ID,
		},
		EmittedAt: e.clock(),
	})

	if approved {
		if err := e.requeuePast(ctx, sessionID, phase); err != nil {
			return overridden, err
		}
	}
	return overridden, nil
}

// PhaseRecords returns the session's phase execution history.
func (e *Engine) PhaseRecords(ctx context.Context, sessionID string) ([]contracts.PhaseExecutionRecord, error) {
	return e.repo.ListPhaseRecords(ctx, sessionID)
}

// requeuePast moves a FAILED session back to PENDING with the phase
// pointer advanced past the overridden phase, so the next Execute
// resumes from the following phase.
func (e *Engine) requeuePast(ctx context.Context, sessionID string, phase int) error {
	s, err := e.repo.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}

	// Overriding the final phase accepts the session's output outright.
	if phase >= s.TotalPhases {
		ok, err := e.repo.UpdateStatusIf(ctx, sessionID, contracts.SessionFailed, contracts.SessionCompleted, "")
		if err != nil {
			return err
		}
		if !ok {
			return faults.Conflict(fmt.Sprintf("session %s is not FAILED; override cannot complete it", sessionID))
		}
		e.invalidate(sessionID)
		return nil
	}

	ok, err := e.repo.UpdateStatusIf(ctx, sessionID, contracts.SessionFailed, contracts.SessionPending, "")
	if err != nil {
		return err
	}
	if !ok {
		return faults.Conflict(fmt.Sprintf("session %s is not FAILED; override cannot requeue it", sessionID))
	}

	s, err = e.repo.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	s.CurrentPhase = phase + 1
	s.LastError = ""
	s.CompletedAt = nil
	if err := e.repo.SaveSession(ctx, s); err != nil {
		return err
	}
	e.invalidate(sessionID)
	e.logger.Info("session requeued by override", "session_id", sessionID, "resume_phase", phase+1)
	return nil
}

func (e *Engine) invalidate(sessionID string) {
	if e.cache != nil {
		e.cache.Invalidate(context.Background(), sessionID)
	}
}

// IsNotFound reports whether err means the session does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
