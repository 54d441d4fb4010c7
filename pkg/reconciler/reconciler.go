// Package reconciler repairs sessions stranded in non-terminal states
// by crashed or partitioned workers. It only ever repairs through
// atomic conditional updates: a session that advanced, or whose worker
// still holds a live lease, is never touched.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
	"github.com/atelier-ai/atelier/core/pkg/events"
	"github.com/atelier-ai/atelier/core/pkg/faults"
	"github.com/atelier-ai/atelier/core/pkg/store"
)

// Config tunes the sweep cadence and per-status staleness thresholds.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// RunningStaleAfter is how long a RUNNING session may go without a
	// heartbeat before it counts as abandoned.
	RunningStaleAfter time.Duration
	// AwaitingStaleAfter bounds AWAITING_FEEDBACK: the coordinator
	// resolves every wait itself, so a session still awaiting past its
	// longest timeout plus this grace is an orphan.
	AwaitingStaleAfter time.Duration
	// PendingStaleAfter is how long a PENDING session may sit unclaimed.
	PendingStaleAfter time.Duration
}

// DefaultConfig matches the worker lease and checkpoint defaults.
func DefaultConfig() Config {
	return Config{
		Interval:           time.Minute,
		RunningStaleAfter:  30 * time.Minute,
		AwaitingStaleAfter: 25 * time.Hour,
		PendingStaleAfter:  time.Hour,
	}
}

// Reconciler periodically sweeps non-terminal sessions.
type Reconciler struct {
	repo      store.Repository
	publisher events.Publisher
	logger    *slog.Logger
	cfg       Config
	clock     func() time.Time
}

// New creates a reconciler over repo.
func New(repo store.Repository, publisher events.Publisher, cfg Config) *Reconciler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RunningStaleAfter <= 0 {
		cfg.RunningStaleAfter = def.RunningStaleAfter
	}
	if cfg.AwaitingStaleAfter <= 0 {
		cfg.AwaitingStaleAfter = def.AwaitingStaleAfter
	}
	if cfg.PendingStaleAfter <= 0 {
		cfg.PendingStaleAfter = def.PendingStaleAfter
	}
	return &Reconciler{
		repo:      repo,
		publisher: publisher,
		logger:    slog.Default().With("component", "reconciler"),
		cfg:       cfg,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// WithLogger overrides the logger.
func (r *Reconciler) WithLogger(logger *slog.Logger) *Reconciler {
	r.logger = logger.With("component", "reconciler")
	return r
}

// Start sweeps on the configured interval until ctx ends.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.SweepOnce(ctx); err != nil {
				r.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce scans every repairable status and returns how many sessions
// were repaired.
func (r *Reconciler) SweepOnce(ctx context.Context) (int, error) {
	repaired := 0
	for _, sweep := range []struct {
		status     contracts.SessionStatus
		staleAfter time.Duration
	}{
		{contracts.SessionRunning, r.cfg.RunningStaleAfter},
		{contracts.SessionAwaitingFeedback, r.cfg.AwaitingStaleAfter},
		{contracts.SessionPending, r.cfg.PendingStaleAfter},
	} {
		n, err := r.sweepStatus(ctx, sweep.status, sweep.staleAfter)
		if err != nil {
			return repaired, err
		}
		repaired += n
	}
	return repaired, nil
}

func (r *Reconciler) sweepStatus(ctx context.Context, status contracts.SessionStatus, staleAfter time.Duration) (int, error) {
	sessions, err := r.repo.ListByStatus(ctx, status)
	if err != nil {
		return 0, fmt.Errorf("reconciler: list %s: %w", status, err)
	}

	now := r.clock()
	staleBefore := now.Add(-staleAfter)
	repaired := 0
	for _, s := range sessions {
		if s.UpdatedAt.After(staleBefore) {
			continue
		}
		// A live lease means the worker is still heartbeating even if
		// the session record has not moved; leave it alone.
		if s.LeasedBy != "" && s.LeasedUntil.After(now) {
			continue
		}

		serr := faults.StaleSession(fmt.Sprintf("stale in %s since %s", status, s.UpdatedAt.UTC().Format(time.RFC3339)))
		reason := serr.Error()
		ok, err := r.repo.RepairIfStale(ctx, s.ID, status, contracts.SessionFailed, reason, staleBefore)
		if err != nil {
			r.logger.Error("repair failed", "session_id", s.ID, "status", status, "error", err)
			continue
		}
		if !ok {
			// The session advanced between the list and the repair.
			continue
		}

		repaired++
		r.logger.Warn("session repaired", "session_id", s.ID, "was", status, "stale_since", s.UpdatedAt)
		r.publisher.Publish(ctx, contracts.Event{
			SessionID: s.ID,
			Type:      contracts.EventSessionReconciled,
			Status:    string(contracts.SessionFailed),
			Payload: map[string]any{
				"was":    string(status),
				"class":  string(faults.ClassOf(serr)),
				"reason": reason,
			},
			EmittedAt: now,
		})
	}
	return repaired, nil
}
