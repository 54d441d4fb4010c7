package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
)

// MemoryRepository is an in-memory Repository for tests and local runs.
type MemoryRepository struct {
	mu        sync.RWMutex
	sessions  map[string]contracts.Session
	phases    map[string][]contracts.PhaseExecutionRecord
	feedbacks map[string]contracts.FeedbackState
	gates     []contracts.QualityGateRecord
	clock     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions:  make(map[string]contracts.Session),
		phases:    make(map[string][]contracts.PhaseExecutionRecord),
		feedbacks: make(map[string]contracts.FeedbackState),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *MemoryRepository) WithClock(clock func() time.Time) *MemoryRepository {
	r.clock = clock
	return r
}

func (r *MemoryRepository) CreateSession(ctx context.Context, s contracts.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return nil
}

func (r *MemoryRepository) LoadSession(ctx context.Context, id string) (contracts.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return contracts.Session{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepository) SaveSession(ctx context.Context, s contracts.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	s.UpdatedAt = r.clock()
	r.sessions[s.ID] = s
	return nil
}

func (r *MemoryRepository) AcquireLease(ctx context.Context, id, ownerID string, duration time.Duration) (contracts.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return contracts.Session{}, ErrNotFound
	}
	now := r.clock()
	if s.LeasedBy != "" && s.LeasedBy != ownerID && s.LeasedUntil.After(now) {
		return contracts.Session{}, ErrLeaseHeld
	}
	s.LeasedBy = ownerID
	s.LeasedUntil = now.Add(duration)
	s.UpdatedAt = now
	r.sessions[id] = s
	return s, nil
}

func (r *MemoryRepository) UpdateStatusIf(ctx context.Context, id string, expect, next contracts.SessionStatus, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.Status != expect {
		return false, nil
	}
	r.applyTransitionLocked(&s, next, reason)
	return true, nil
}

func (r *MemoryRepository) RepairIfStale(ctx context.Context, id string, expect, next contracts.SessionStatus, reason string, staleBefore time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.Status != expect || s.UpdatedAt.After(staleBefore) {
		return false, nil
	}
	r.applyTransitionLocked(&s, next, reason)
	return true, nil
}

func (r *MemoryRepository) applyTransitionLocked(s *contracts.Session, next contracts.SessionStatus, reason string) {
	now := r.clock()
	s.Status = next
	s.UpdatedAt = now
	// An empty reason clears the previous error, matching the SQL
	// stores: a successful transition must not show a stale failure.
	s.LastError = reason
	if next.Terminal() {
		s.CompletedAt = &now
	}
	r.sessions[s.ID] = *s
}

func (r *MemoryRepository) ListByStatus(ctx context.Context, status contracts.SessionStatus) ([]contracts.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []contracts.Session
	for _, s := range r.sessions {
		if s.Status == status {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) SavePhaseRecord(ctx context.Context, rec contracts.PhaseExecutionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := r.phases[rec.SessionID]
	for i, existing := range records {
		if existing.ID == rec.ID {
			records[i] = rec
			r.phases[rec.SessionID] = records
			return nil
		}
	}
	r.phases[rec.SessionID] = append(records, rec)
	return nil
}

func (r *MemoryRepository) ListPhaseRecords(ctx context.Context, sessionID string) ([]contracts.PhaseExecutionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := r.phases[sessionID]
	out := make([]contracts.PhaseExecutionRecord, len(records))
	copy(out, records)
	sort.Slice(out, func(i, j int) bool { return out[i].Phase < out[j].Phase })
	return out, nil
}

func (r *MemoryRepository) SaveFeedbackState(ctx context.Context, state contracts.FeedbackState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feedbacks[state.ID] = state
	return nil
}

func (r *MemoryRepository) SaveGateRecord(ctx context.Context, rec contracts.QualityGateRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates = append(r.gates, rec)
	return nil
}

func (r *MemoryRepository) ListGateRecords(ctx context.Context, sessionID string) ([]contracts.QualityGateRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []contracts.QualityGateRecord
	for _, rec := range r.gates {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EvaluatedAt.Before(out[j].EvaluatedAt) })
	return out, nil
}

// GateRecords returns a copy of all persisted gate records.
func (r *MemoryRepository) GateRecords() []contracts.QualityGateRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.QualityGateRecord, len(r.gates))
	copy(out, r.gates)
	return out
}
