// Package hitl implements the human-in-the-loop coordinator: the state
// machine that pauses a session at a checkpoint phase, waits a bounded
// time for reviewer feedback, and resumes with either the feedback or
// the configured timeout auto-action.
//
// The wait is an explicit suspension point. The expiry timer and the
// feedback-arrival signal race, and a single atomic winner decides the
// transition: the losing path observes it lost and does nothing, so
// WAITING can never transition twice.
package hitl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
	"github.com/atelier-ai/atelier/core/pkg/events"
	"github.com/atelier-ai/atelier/core/pkg/faults"
)

// StateStore persists feedback states. Implemented by pkg/store.
type StateStore interface {
	SaveFeedbackState(ctx context.Context, state contracts.FeedbackState) error
}

// Outcome is how a checkpoint wait ended.
type Outcome struct {
	// Payload is set when a reviewer submitted feedback in time.
	Payload *contracts.FeedbackPayload
	// TimedOut is true when the wait expired; Action is the
	// auto-action that resolved it.
	TimedOut bool
	Action   contracts.TimeoutAction
	// State is the final persisted feedback state.
	State contracts.FeedbackState
}

const (
	winnerNone int32 = iota
	winnerFeedback
	winnerTimeout
	winnerCancel
)

type wait struct {
	state    contracts.FeedbackState
	winner   atomic.Int32
	feedback chan contracts.FeedbackPayload
}

// Coordinator manages checkpoint waits for all sessions in the process.
type Coordinator struct {
	mu        sync.Mutex
	waits     map[string]*wait
	store     StateStore
	publisher events.Publisher
	clock     func() time.Time
}

// NewCoordinator creates a coordinator persisting through store and
// notifying observers through publisher.
func NewCoordinator(store StateStore, publisher events.Publisher) *Coordinator {
	return &Coordinator{
		waits:     make(map[string]*wait),
		store:     store,
		publisher: publisher,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing. The expiry
// timer itself still runs on wall time.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

func waitKey(sessionID string, phase int) string {
	return fmt.Sprintf("%s:%d", sessionID, phase)
}

// Await enters a checkpoint: it registers a WAITING state, notifies
// observers with the preview and available options, and blocks until
// feedback arrives, the timeout fires, or ctx is cancelled.
//
// merge is invoked during the PROCESSING transition to fold accepted
// feedback into the phase output; it runs at most once.
func (c *Coordinator) Await(ctx context.Context, session *contracts.Session, phase contracts.PhaseConfig, notice contracts.CheckpointNotice, merge func(payload contracts.FeedbackPayload) error) (Outcome, error) {
	timeout := time.Duration(phase.FeedbackTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	action := contracts.TimeoutAction(phase.TimeoutAction)
	switch action {
	case contracts.TimeoutAutoApprove, contracts.TimeoutAutoSkip, contracts.TimeoutFailSession:
	default:
		action = contracts.TimeoutAutoApprove
	}

	now := c.clock()
	w := &wait{
		state: contracts.FeedbackState{
			ID:        uuid.New().String(),
			SessionID: session.ID,
			Phase:     phase.Phase,
			State:     contracts.FeedbackWaiting,
			StartedAt: now,
			TimeoutAt: now.Add(timeout),
			Action:    action,
		},
		feedback: make(chan contracts.FeedbackPayload, 1),
	}

	key := waitKey(session.ID, phase.Phase)
	c.mu.Lock()
	if _, exists := c.waits[key]; exists {
		c.mu.Unlock()
		return Outcome{}, faults.Conflict(fmt.Sprintf("checkpoint %s already waiting", key))
	}
	c.waits[key] = w
	c.mu.Unlock()
	defer c.drop(key)

	if err := c.store.SaveFeedbackState(ctx, w.state); err != nil {
		return Outcome{}, fmt.Errorf("hitl: persist waiting state: %w", err)
	}

	notice.TimeoutAt = w.state.TimeoutAt
	notice.RemainingMs = time.Until(w.state.TimeoutAt).Milliseconds()
	c.publisher.Publish(ctx, contracts.Event{
		SessionID: session.ID,
		Type:      contracts.EventFeedbackRequested,
		Phase:     phase.Phase,
		Status:    string(contracts.SessionAwaitingFeedback),
		Progress:  session.Progress(),
		Payload: map[string]any{
			"checkpoint": notice,
		},
		EmittedAt: now,
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload := <-w.feedback:
		// SubmitFeedback already won the race and moved the state to
		// RECEIVED; finish RECEIVED → PROCESSING → COMPLETED here.
		return c.completeWithFeedback(ctx, w, payload, merge)

	case <-timer.C:
		if !w.winner.CompareAndSwap(winnerNone, winnerTimeout) {
			// Feedback arrived between timer fire and this CAS; the
			// submission won, take its payload.
			payload := <-w.feedback
			return c.completeWithFeedback(ctx, w, payload, merge)
		}
		return c.completeWithTimeout(ctx, w)

	case <-ctx.Done():
		if !w.winner.CompareAndSwap(winnerNone, winnerCancel) {
			// A concurrent submission won just before cancellation;
			// honor it so the reviewer's accepted ack stays true.
			payload := <-w.feedback
			return c.completeWithFeedback(ctx, w, payload, merge)
		}
		w.state.State = contracts.FeedbackCompleted
		w.state.Resolution = "cancelled"
		_ = c.store.SaveFeedbackState(context.WithoutCancel(ctx), w.state)
		return Outcome{}, ctx.Err()
	}
}

// SubmitFeedback delivers a reviewer submission to a waiting
// checkpoint. It is only accepted while the state is WAITING; any other
// state yields a conflict so a second submission never re-applies.
func (c *Coordinator) SubmitFeedback(ctx context.Context, sessionID string, phase int, payload contracts.FeedbackPayload) error {
	key := waitKey(sessionID, phase)
	c.mu.Lock()
	w, ok := c.waits[key]
	c.mu.Unlock()
	if !ok {
		return faults.Conflict(fmt.Sprintf("no checkpoint waiting for session %s phase %d", sessionID, phase))
	}

	if !w.winner.CompareAndSwap(winnerNone, winnerFeedback) {
		return faults.Conflict(fmt.Sprintf("checkpoint for session %s phase %d already resolved", sessionID, phase))
	}

	now := c.clock()
	st := w.state
	st.State = contracts.FeedbackReceived
	st.ReceivedAt = &now
	w.state = st

	// Hand the payload to the waiter before persisting: once the CAS
	// is won the wait must resume, even if the write below fails. The
	// channel send also publishes the state update to the waiter, so
	// only the local copy is touched after this point.
	w.feedback <- payload

	if err := c.store.SaveFeedbackState(ctx, st); err != nil {
		return fmt.Errorf("hitl: persist received state: %w", err)
	}

	c.publisher.Publish(ctx, contracts.Event{
		SessionID: sessionID,
		Type:      contracts.EventFeedbackReceived,
		Phase:     phase,
		Payload:   map[string]any{"decision": payload.Decision, "reviewer_id": payload.ReviewerID},
		EmittedAt: now,
	})
	return nil
}

// Waiting reports whether a checkpoint is currently waiting for the
// given (session, phase).
func (c *Coordinator) Waiting(sessionID string, phase int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.waits[waitKey(sessionID, phase)]
	return ok && w.winner.Load() == winnerNone
}

func (c *Coordinator) completeWithFeedback(ctx context.Context, w *wait, payload contracts.FeedbackPayload, merge func(contracts.FeedbackPayload) error) (Outcome, error) {
	w.state.State = contracts.FeedbackProcessing
	if err := c.store.SaveFeedbackState(ctx, w.state); err != nil {
		return Outcome{}, fmt.Errorf("hitl: persist processing state: %w", err)
	}

	if merge != nil {
		if err := merge(payload); err != nil {
			return Outcome{}, fmt.Errorf("hitl: merge feedback: %w", err)
		}
	}

	w.state.State = contracts.FeedbackCompleted
	w.state.Resolution = "feedback"
	if err := c.store.SaveFeedbackState(ctx, w.state); err != nil {
		return Outcome{}, fmt.Errorf("hitl: persist completed state: %w", err)
	}
	return Outcome{Payload: &payload, State: w.state}, nil
}

func (c *Coordinator) completeWithTimeout(ctx context.Context, w *wait) (Outcome, error) {
	now := c.clock()
	w.state.State = contracts.FeedbackTimedOut
	if err := c.store.SaveFeedbackState(ctx, w.state); err != nil {
		return Outcome{}, fmt.Errorf("hitl: persist timeout state: %w", err)
	}

	c.publisher.Publish(ctx, contracts.Event{
		SessionID: w.state.SessionID,
		Type:      contracts.EventFeedbackTimedOut,
		Phase:     w.state.Phase,
		Payload:   map[string]any{"action": w.state.Action},
		EmittedAt: now,
	})

	w.state.State = contracts.FeedbackCompleted
	w.state.Resolution = string(w.state.Action)
	if err := c.store.SaveFeedbackState(ctx, w.state); err != nil {
		return Outcome{}, fmt.Errorf("hitl: persist completed state: %w", err)
	}
	return Outcome{TimedOut: true, Action: w.state.Action, State: w.state}, nil
}

func (c *Coordinator) drop(key string) {
	c.mu.Lock()
	delete(c.waits, key)
	c.mu.Unlock()
}
