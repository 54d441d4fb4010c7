package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"go.opentelemetry.io/otel/attribute"

	"github.com/atelier-ai/atelier/core/pkg/concurrency"
	"github.com/atelier-ai/atelier/core/pkg/contracts"
	"github.com/atelier-ai/atelier/core/pkg/events"
	"github.com/atelier-ai/atelier/core/pkg/faults"
	"github.com/atelier-ai/atelier/core/pkg/hitl"
	"github.com/atelier-ai/atelier/core/pkg/observability"
	"github.com/atelier-ai/atelier/core/pkg/quality"
	"github.com/atelier-ai/atelier/core/pkg/resiliency"
	"github.com/atelier-ai/atelier/core/pkg/store"
)

// ArtifactSink persists phase outputs outside the session record.
// Implemented by pkg/artifacts.
type ArtifactSink interface {
	StoreOutput(ctx context.Context, sessionID string, phase int, output contracts.PhaseOutput) (ref string, hash string, err error)
}

// ArtifactSource restores persisted phase outputs when a session
// resumes mid-pipeline. Sinks that can load what they stored implement
// both; pkg/artifacts does.
type ArtifactSource interface {
	LoadOutput(ctx context.Context, hash string) (contracts.PhaseOutput, error)
}

// Config tunes an Orchestrator.
type Config struct {
	// OwnerID identifies this worker for session leases.
	OwnerID string
	// LeaseDuration is how long a claimed lease is honored before the
	// session counts as abandoned.
	LeaseDuration time.Duration
	// DefaultParallel bounds fan-out when a phase does not set its own
	// MaxParallel.
	DefaultParallel int
	// Backoff is the retry delay policy.
	Backoff BackoffPolicy
	// AdapterRate throttles adapter invocations process-wide; zero
	// disables throttling.
	AdapterRate  rate.Limit
	AdapterBurst int
}

// Orchestrator drives one session through its configured phases in
// strict ascending order. It is the session's single writer while it
// holds the lease; all status transitions go through guarded updates so
// a lost lease can never clobber a repaired session.
type Orchestrator struct {
	repo        store.Repository
	registry    *Registry
	gate        *quality.Gate
	coordinator *hitl.Coordinator
	breakers    *resiliency.Registry
	publisher   events.Publisher
	artifacts   ArtifactSink
	metrics     *observability.Provider
	limiter     *rate.Limiter
	logger      *slog.Logger
	cfg         Config
	clock       func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator. The artifact sink is optional; without
// one, phase records carry only the canonical output hash.
func New(repo store.Repository, registry *Registry, gate *quality.Gate, coordinator *hitl.Coordinator, breakers *resiliency.Registry, publisher events.Publisher, cfg Config) *Orchestrator {
	if cfg.OwnerID == "" {
		cfg.OwnerID = "worker-" + uuid.New().String()[:8]
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.DefaultParallel <= 0 {
		cfg.DefaultParallel = 4
	}
	if cfg.Backoff == (BackoffPolicy{}) {
		cfg.Backoff = DefaultBackoff()
	}

	o := &Orchestrator{
		repo:        repo,
		registry:    registry,
		gate:        gate,
		coordinator: coordinator,
		breakers:    breakers,
		publisher:   publisher,
		logger:      slog.Default().With("component", "orchestrator"),
		cfg:         cfg,
		clock:       time.Now,
	}
	if cfg.AdapterRate > 0 {
		burst := cfg.AdapterBurst
		if burst <= 0 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(cfg.AdapterRate, burst)
	}
	return o
}

// WithArtifacts attaches the artifact sink.
func (o *Orchestrator) WithArtifacts(sink ArtifactSink) *Orchestrator {
	o.artifacts = sink
	return o
}

// WithMetrics attaches the telemetry provider.
func (o *Orchestrator) WithMetrics(p *observability.Provider) *Orchestrator {
	o.metrics = p
	return o
}

// WithLogger overrides the logger.
func (o *Orchestrator) WithLogger(logger *slog.Logger) *Orchestrator {
	o.logger = logger.With("component", "orchestrator")
	return o
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// WithSleep overrides the retry sleep for deterministic testing.
func (o *Orchestrator) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Orchestrator {
	o.sleep = sleep
	return o
}

// Run executes the session's remaining phases. It claims the execution
// lease first; a session leased by another live worker is left alone.
//
// On return the session is terminal, or ctx was cancelled and the
// session was marked CANCELLED.
func (o *Orchestrator) Run(ctx context.Context, sessionID string, phases []contracts.PhaseConfig) error {
	if err := o.registry.Validate(phases); err != nil {
		return err
	}

	session, err := o.repo.AcquireLease(ctx, sessionID, o.cfg.OwnerID, o.cfg.LeaseDuration)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return nil
	}

	if o.metrics != nil {
		o.metrics.SessionStarted(ctx)
		defer o.metrics.SessionEnded(ctx)
	}

	if session.Status == contracts.SessionPending {
		ok, err := o.repo.UpdateStatusIf(ctx, sessionID, contracts.SessionPending, contracts.SessionRunning, "")
		if err != nil {
			return err
		}
		if !ok {
			return faults.Conflict(fmt.Sprintf("session %s left PENDING before start", sessionID))
		}
		session.Status = contracts.SessionRunning
		o.publish(ctx, &session, contracts.EventSessionStarted, 0, nil)
	}

	accumulated := make(map[int]contracts.PhaseOutput)
	resumeFrom := session.CurrentPhase
	if resumeFrom < 1 {
		resumeFrom = 1
	}
	if resumeFrom > 1 {
		o.restoreAccumulated(ctx, sessionID, resumeFrom, accumulated)
	}

	for _, phase := range phases {
		if phase.Phase < resumeFrom {
			continue
		}
		if err := ctx.Err(); err != nil {
			return o.cancelSession(ctx, &session)
		}

		// Advance the phase pointer before executing; progress reads
		// derive from it.
		session.CurrentPhase = phase.Phase
		session.UpdatedAt = o.clock()
		if err := o.repo.SaveSession(ctx, session); err != nil {
			return fmt.Errorf("pipeline: advance to phase %d: %w", phase.Phase, err)
		}

		output, rec, err := o.runPhase(ctx, &session, phase, accumulated)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return o.cancelSession(ctx, &session)
			}
			o.failSession(ctx, &session, phase.Phase, err)
			return err
		}
		if rec.Status == contracts.PhasePassed {
			accumulated[phase.Phase] = output
		}
	}

	ok, err := o.repo.UpdateStatusIf(ctx, sessionID, session.Status, contracts.SessionCompleted, "")
	if err != nil {
		return err
	}
	if !ok {
		return faults.Conflict(fmt.Sprintf("session %s changed status before completion", sessionID))
	}
	session.Status = contracts.SessionCompleted
	o.publish(ctx, &session, contracts.EventSessionCompleted, 0, nil)
	o.logger.Info("session completed", "session_id", sessionID, "phases", len(phases))
	return nil
}

// restoreAccumulated reloads the outputs of phases that already passed
// so a resumed session's remaining phases see the same accumulated
// context a straight run would. Outputs only persist through the
// artifact sink; without a loadable sink, or for hashes with no stored
// document, the phase output stays absent and downstream consumers
// treat the phase as skipped.
func (o *Orchestrator) restoreAccumulated(ctx context.Context, sessionID string, before int, accumulated map[int]contracts.PhaseOutput) {
	source, ok := o.artifacts.(ArtifactSource)
	if !ok {
		return
	}
	records, err := o.repo.ListPhaseRecords(ctx, sessionID)
	if err != nil {
		o.logger.Warn("resume context reload failed", "session_id", sessionID, "error", err)
		return
	}
	for _, rec := range records {
		if rec.Phase >= before || rec.Status != contracts.PhasePassed || rec.OutputHash == "" {
			continue
		}
		output, err := source.LoadOutput(ctx, rec.OutputHash)
		if err != nil {
			o.logger.Warn("resume output reload failed", "session_id", sessionID, "phase", rec.Phase, "hash", rec.OutputHash, "error", err)
			continue
		}
		accumulated[rec.Phase] = output
	}
}

// runPhase executes one phase end to end: pre-check, adapter attempts
// under the breaker and retry budget, quality gate, checkpoint wait,
// and the durable phase record.
func (o *Orchestrator) runPhase(ctx context.Context, session *contracts.Session, phase contracts.PhaseConfig, accumulated map[int]contracts.PhaseOutput) (contracts.PhaseOutput, contracts.PhaseExecutionRecord, error) {
	adapter, err := o.registry.For(phase.Phase)
	if err != nil {
		return contracts.PhaseOutput{}, contracts.PhaseExecutionRecord{}, faults.Permanent("adapter lookup", err)
	}

	rec := contracts.PhaseExecutionRecord{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Phase:     phase.Phase,
		Status:    contracts.PhaseRunning,
		StartedAt: o.clock(),
	}
	if err := o.repo.SavePhaseRecord(ctx, rec); err != nil {
		return contracts.PhaseOutput{}, rec, err
	}
	o.publish(ctx, session, contracts.EventPhaseStarted, phase.Phase, map[string]any{"phase_name": phase.Name, "adapter": adapter.Name()})

	if phase.PreCheck {
		if err := o.preCheck(ctx, session, phase, accumulated); err != nil {
			return contracts.PhaseOutput{}, o.finishFailed(ctx, rec, err), err
		}
	}

	output, gateRecord, err := o.attempts(ctx, session, phase, adapter, accumulated, &rec)
	if err != nil {
		return contracts.PhaseOutput{}, o.finishFailed(ctx, rec, err), err
	}

	if phase.Checkpoint && session.HITLEnabled {
		outcome, err := o.checkpoint(ctx, session, phase, &output)
		if err != nil {
			return contracts.PhaseOutput{}, o.finishFailed(ctx, rec, err), err
		}
		switch {
		case outcome.TimedOut && outcome.Action == contracts.TimeoutFailSession:
			ferr := &faults.FeedbackTimeoutError{SessionID: session.ID, Phase: phase.Phase}
			return contracts.PhaseOutput{}, o.finishFailed(ctx, rec, ferr), ferr
		case outcome.TimedOut && outcome.Action == contracts.TimeoutAutoSkip,
			outcome.Payload != nil && outcome.Payload.Decision == contracts.DecisionSkip:
			rec.Status = contracts.PhaseSkipped
		}
	}

	now := o.clock()
	if rec.Status != contracts.PhaseSkipped {
		rec.Status = contracts.PhasePassed
		if o.artifacts != nil {
			if _, hash, err := o.artifacts.StoreOutput(ctx, session.ID, phase.Phase, output); err != nil {
				o.logger.Warn("artifact store failed", "session_id", session.ID, "phase", phase.Phase, "error", err)
			} else {
				rec.OutputHash = hash
			}
		}
		if rec.OutputHash == "" {
			rec.OutputHash, _ = contracts.CanonicalHash(output)
		}
	}
	if gateRecord != nil {
		rec.QualityScore = &gateRecord.Score
	}
	rec.ProcessingTime = now.Sub(rec.StartedAt)
	rec.FinishedAt = &now
	if err := o.repo.SavePhaseRecord(ctx, rec); err != nil {
		return output, rec, err
	}
	if o.metrics != nil {
		o.metrics.RecordPhaseDuration(ctx, phase.Phase, rec.ProcessingTime)
	}

	if session.RetryCounts == nil {
		session.RetryCounts = make(map[int]int)
	}
	session.RetryCounts[phase.Phase] = rec.RetriesUsed

	evType := contracts.EventPhasePassed
	if rec.Status == contracts.PhaseSkipped {
		evType = contracts.EventPhaseSkipped
	}
	o.publish(ctx, session, evType, phase.Phase, map[string]any{
		"status":       rec.Status,
		"retries_used": rec.RetriesUsed,
		"output_hash":  rec.OutputHash,
	})
	return output, rec, nil
}

// attempts runs the adapter under the retry budget and quality gate.
// Retries consume budget for transient faults and gate failures alike;
// an open breaker fails fast without consuming any.
func (o *Orchestrator) attempts(ctx context.Context, session *contracts.Session, phase contracts.PhaseConfig, adapter Adapter, accumulated map[int]contracts.PhaseOutput, rec *contracts.PhaseExecutionRecord) (contracts.PhaseOutput, *contracts.QualityGateRecord, error) {
	maxAttempts := phase.MaxRetries + 1
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return contracts.PhaseOutput{}, nil, err
		}
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return contracts.PhaseOutput{}, nil, err
			}
		}

		output, err := o.invoke(ctx, session, phase, adapter, accumulated)
		if err != nil {
			switch faults.ClassOf(err) {
			case faults.ClassCircuitOpen:
				// Fail fast: the dependency is degraded process-wide,
				// burning this session's retry budget helps nobody.
				return contracts.PhaseOutput{}, nil, err
			case faults.ClassTransient:
				if attempt+1 < maxAttempts {
					attempt++
					if rerr := o.retryPause(ctx, session, phase, rec, attempt, err.Error()); rerr != nil {
						return contracts.PhaseOutput{}, nil, rerr
					}
					continue
				}
				return contracts.PhaseOutput{}, nil, faults.Permanent(fmt.Sprintf("phase %d exhausted %d retries", phase.Phase, phase.MaxRetries), err)
			default:
				return contracts.PhaseOutput{}, nil, err
			}
		}

		if phase.Threshold <= 0 {
			return output, nil, nil
		}

		gateRecord, err := o.gate.Evaluate(ctx, session.ID, phase, output, accumulated)
		if err != nil {
			return contracts.PhaseOutput{}, nil, faults.Permanent("quality gate", err)
		}
		if serr := o.repo.SaveGateRecord(ctx, gateRecord); serr != nil {
			o.logger.Warn("gate record persist failed", "session_id", session.ID, "phase", phase.Phase, "error", serr)
		}

		if gateRecord.Status == contracts.GatePassed {
			return output, &gateRecord, nil
		}
		if attempt+1 < maxAttempts {
			attempt++
			reason := fmt.Sprintf("score %.2f below threshold %.2f", gateRecord.Score, phase.Threshold)
			if rerr := o.retryPause(ctx, session, phase, rec, attempt, reason); rerr != nil {
				return contracts.PhaseOutput{}, nil, rerr
			}
			continue
		}
		return contracts.PhaseOutput{}, &gateRecord, faults.Quality(fmt.Sprintf(
			"phase %d quality exhausted: score %.2f below threshold %.2f after %d retries",
			phase.Phase, gateRecord.Score, phase.Threshold, phase.MaxRetries))
	}
}

// retryPause records the retry and sleeps the backoff delay.
func (o *Orchestrator) retryPause(ctx context.Context, session *contracts.Session, phase contracts.PhaseConfig, rec *contracts.PhaseExecutionRecord, attempt int, reason string) error {
	rec.RetriesUsed = attempt
	if o.metrics != nil {
		o.metrics.RecordRetry(ctx, attribute.Int("phase", phase.Phase))
	}
	delay := o.cfg.Backoff.Delay(session.ID, phase.Phase, attempt)
	o.logger.Info("phase retry", "session_id", session.ID, "phase", phase.Phase, "attempt", attempt, "delay", delay, "reason", reason)
	o.publish(ctx, session, contracts.EventPhaseRetried, phase.Phase, map[string]any{
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
		"reason":   reason,
	})
	return o.pause(ctx, delay)
}

// invoke runs the adapter through its dependency breaker with the
// phase deadline applied. A deadline overrun is transient: the next
// attempt may find a faster dependency.
func (o *Orchestrator) invoke(ctx context.Context, session *contracts.Session, phase contracts.PhaseConfig, adapter Adapter, accumulated map[int]contracts.PhaseOutput) (contracts.PhaseOutput, error) {
	callCtx := ctx
	if phase.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(phase.TimeoutSecs)*time.Second)
		defer cancel()
	}

	var output contracts.PhaseOutput
	err := o.breakerFor(adapter.Dependency()).Call(callCtx, func(ctx context.Context) error {
		var execErr error
		output, execErr = o.execute(ctx, session, phase, adapter, accumulated)
		return execErr
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return contracts.PhaseOutput{}, faults.Transient(fmt.Sprintf("phase %d deadline of %ds exceeded", phase.Phase, phase.TimeoutSecs), err)
		}
		return contracts.PhaseOutput{}, err
	}

	output.Phase = phase.Phase
	if output.Produced.IsZero() {
		output.Produced = o.clock()
	}
	return output, nil
}

// execute dispatches to fan-out when the phase and adapter support it,
// otherwise calls the adapter directly.
func (o *Orchestrator) execute(ctx context.Context, session *contracts.Session, phase contracts.PhaseConfig, adapter Adapter, accumulated map[int]contracts.PhaseOutput) (contracts.PhaseOutput, error) {
	fan, ok := adapter.(FanOutAdapter)
	if !ok || !phase.FanOut {
		return adapter.Execute(ctx, session, phase, accumulated)
	}

	subs, err := fan.Decompose(ctx, session, phase, accumulated)
	if err != nil {
		return contracts.PhaseOutput{}, err
	}
	if len(subs) == 0 {
		return adapter.Execute(ctx, session, phase, accumulated)
	}

	ctrl := concurrency.NewController(o.parallelBound(session.Mode, phase))
	results := concurrency.RunBatch(ctx, ctrl, subs, func(ctx context.Context, sub Subtask) (map[string]any, error) {
		return fan.RunSubtask(ctx, session, sub)
	})

	minRatio := phase.MinSuccesses
	if minRatio <= 0 {
		minRatio = 1.0
	}
	if ratio := concurrency.SuccessRatio(results); ratio < minRatio {
		return contracts.PhaseOutput{}, faults.Transient(
			fmt.Sprintf("phase %d fan-out success ratio %.2f below required %.2f", phase.Phase, ratio, minRatio),
			errors.Join(concurrency.Errors(results)...))
	}

	merged := make(map[string]map[string]any, len(results))
	for _, r := range results {
		if r.Err == nil {
			merged[r.Item.ID] = r.Value
		}
	}
	return fan.Assemble(ctx, session, phase, merged)
}

// parallelBound resolves the fan-out worker bound for the session's
// processing mode. SEQUENTIAL serializes sub-tasks; HYBRID parallelizes
// only phases marked for fan-out, which is all that reaches here.
func (o *Orchestrator) parallelBound(mode contracts.ProcessingMode, phase contracts.PhaseConfig) int {
	if mode == contracts.ModeSequential {
		return 1
	}
	if phase.MaxParallel > 0 {
		return phase.MaxParallel
	}
	return o.cfg.DefaultParallel
}

// preCheck gates the previous phase's output before this phase consumes
// it. A pre-check failure is permanent: re-running this phase cannot
// repair its input.
func (o *Orchestrator) preCheck(ctx context.Context, session *contracts.Session, phase contracts.PhaseConfig, accumulated map[int]contracts.PhaseOutput) error {
	prev, ok := accumulated[phase.Phase-1]
	if !ok {
		return nil
	}
	record, err := o.gate.Evaluate(ctx, session.ID, phase, prev, accumulated)
	if err != nil {
		return faults.Permanent("pre-check gate", err)
	}
	if serr := o.repo.SaveGateRecord(ctx, record); serr != nil {
		o.logger.Warn("pre-check record persist failed", "session_id", session.ID, "phase", phase.Phase, "error", serr)
	}
	if record.Status != contracts.GatePassed {
		return faults.Permanent(fmt.Sprintf("phase %d pre-check: input score %.2f below threshold %.2f", phase.Phase, record.Score, phase.Threshold), nil)
	}
	return nil
}

// checkpoint pauses the session for reviewer feedback and resumes it.
// Modifications from a "modify" decision are folded into the output
// before the session continues.
func (o *Orchestrator) checkpoint(ctx context.Context, session *contracts.Session, phase contracts.PhaseConfig, output *contracts.PhaseOutput) (hitl.Outcome, error) {
	ok, err := o.repo.UpdateStatusIf(ctx, session.ID, contracts.SessionRunning, contracts.SessionAwaitingFeedback, "")
	if err != nil {
		return hitl.Outcome{}, err
	}
	if !ok {
		return hitl.Outcome{}, faults.Conflict(fmt.Sprintf("session %s not RUNNING at checkpoint", session.ID))
	}
	session.Status = contracts.SessionAwaitingFeedback

	notice := contracts.CheckpointNotice{
		Phase:     phase.Phase,
		PhaseName: phase.Name,
		Preview:   output.Preview,
		Options:   []string{string(contracts.DecisionApprove), string(contracts.DecisionModify), string(contracts.DecisionSkip)},
	}
	waitStart := o.clock()
	outcome, err := o.coordinator.Await(ctx, session, phase, notice, func(payload contracts.FeedbackPayload) error {
		if payload.Decision == contracts.DecisionModify {
			if output.Content == nil {
				output.Content = make(map[string]any, len(payload.Modifications))
			}
			for k, v := range payload.Modifications {
				output.Content[k] = v
			}
		}
		return nil
	})
	if o.metrics != nil {
		o.metrics.RecordFeedbackWait(ctx, o.clock().Sub(waitStart))
	}
	if err != nil {
		return outcome, err
	}

	ok, err = o.repo.UpdateStatusIf(ctx, session.ID, contracts.SessionAwaitingFeedback, contracts.SessionRunning, "")
	if err != nil {
		return outcome, err
	}
	if !ok {
		return outcome, faults.Conflict(fmt.Sprintf("session %s not AWAITING_FEEDBACK after checkpoint", session.ID))
	}
	session.Status = contracts.SessionRunning
	return outcome, nil
}

// finishFailed seals the phase record with the failure reason.
func (o *Orchestrator) finishFailed(ctx context.Context, rec contracts.PhaseExecutionRecord, cause error) contracts.PhaseExecutionRecord {
	now := o.clock()
	rec.Status = contracts.PhaseFailed
	rec.ErrorReason = cause.Error()
	rec.ProcessingTime = now.Sub(rec.StartedAt)
	rec.FinishedAt = &now
	if err := o.repo.SavePhaseRecord(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Error("failed phase record persist failed", "session_id", rec.SessionID, "phase", rec.Phase, "error", err)
	}
	return rec
}

// failSession marks the session FAILED with the root cause. The guard
// tolerates a session the reconciler already repaired.
func (o *Orchestrator) failSession(ctx context.Context, session *contracts.Session, phase int, cause error) {
	reason := cause.Error()
	wctx := context.WithoutCancel(ctx)
	ok, err := o.repo.UpdateStatusIf(wctx, session.ID, session.Status, contracts.SessionFailed, reason)
	if err != nil {
		o.logger.Error("session fail transition error", "session_id", session.ID, "error", err)
		return
	}
	if !ok {
		o.logger.Warn("session fail transition lost", "session_id", session.ID, "expected", session.Status)
		return
	}
	session.Status = contracts.SessionFailed
	session.LastError = reason
	o.publish(wctx, session, contracts.EventSessionFailed, phase, map[string]any{
		"class":  string(faults.ClassOf(cause)),
		"reason": reason,
	})
	o.logger.Error("session failed", "session_id", session.ID, "phase", phase, "class", faults.ClassOf(cause), "reason", reason)
}

// cancelSession marks the session CANCELLED after its context ended.
func (o *Orchestrator) cancelSession(ctx context.Context, session *contracts.Session) error {
	wctx := context.WithoutCancel(ctx)
	ok, err := o.repo.UpdateStatusIf(wctx, session.ID, session.Status, contracts.SessionCancelled, "cancelled")
	if err != nil {
		return err
	}
	if ok {
		session.Status = contracts.SessionCancelled
		o.publish(wctx, session, contracts.EventSessionCancelled, session.CurrentPhase, nil)
	}
	return context.Canceled
}

// breakerFor returns the dependency's breaker wired to publish open and
// close transitions.
func (o *Orchestrator) breakerFor(dependency string) *resiliency.CircuitBreaker {
	cb := o.breakers.Get(dependency)
	cb.OnTransition(func(name string, from, to resiliency.State) {
		var evType contracts.EventType
		switch to {
		case resiliency.StateOpen:
			evType = contracts.EventBreakerOpened
			if o.metrics != nil {
				o.metrics.RecordBreakerOpened(context.Background(), name)
			}
		case resiliency.StateClosed:
			evType = contracts.EventBreakerClosed
		default:
			return
		}
		o.publisher.Publish(context.Background(), contracts.Event{
			Type:      evType,
			Payload:   map[string]any{"dependency": name, "from": string(from), "to": string(to)},
			EmittedAt: o.clock(),
		})
	})
	return cb
}

func (o *Orchestrator) publish(ctx context.Context, session *contracts.Session, evType contracts.EventType, phase int, payload map[string]any) {
	o.publisher.Publish(ctx, contracts.Event{
		SessionID: session.ID,
		Type:      evType,
		Phase:     phase,
		Status:    string(session.Status),
		Progress:  session.Progress(),
		Payload:   payload,
		EmittedAt: o.clock(),
	})
}

func (o *Orchestrator) pause(ctx context.Context, d time.Duration) error {
	if o.sleep != nil {
		return o.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
