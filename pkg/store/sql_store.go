package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
)

// SQLRepository implements Repository over database/sql. It works
// against both Postgres and SQLite through their standard drivers.
type SQLRepository struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (r *SQLRepository) WithClock(clock func() time.Time) *SQLRepository {
	r.clock = clock
	return r
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	title TEXT,
	input_text TEXT,
	profile_code TEXT,
	current_phase INTEGER NOT NULL,
	total_phases INTEGER NOT NULL,
	hitl_enabled BOOLEAN,
	mode TEXT,
	retry_counts TEXT,
	last_error TEXT,
	leased_by TEXT,
	leased_until TIMESTAMP,
	created_at TIMESTAMP,
	updated_at TIMESTAMP,
	completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS phase_records (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	phase INTEGER NOT NULL,
	status TEXT NOT NULL,
	quality_score REAL,
	retries_used INTEGER,
	processing_time_nanos BIGINT,
	error_reason TEXT,
	output_hash TEXT,
	started_at TIMESTAMP,
	finished_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS feedback_states (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	phase INTEGER NOT NULL,
	state TEXT NOT NULL,
	started_at TIMESTAMP,
	timeout_at TIMESTAMP,
	received_at TIMESTAMP,
	timeout_action TEXT,
	resolution TEXT
);

CREATE TABLE IF NOT EXISTS gate_records (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	phase INTEGER NOT NULL,
	threshold REAL,
	score REAL,
	sub_scores TEXT,
	status TEXT NOT NULL,
	override_json TEXT,
	content_hash TEXT,
	evaluated_at TIMESTAMP
);
`

// Init creates the schema if it does not exist.
func (r *SQLRepository) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

const sessionColumns = `id, status, title, input_text, profile_code, current_phase, total_phases, hitl_enabled, mode, retry_counts, last_error, leased_by, leased_until, created_at, updated_at, completed_at`

func (r *SQLRepository) CreateSession(ctx context.Context, s contracts.Session) error {
	retries, err := marshalRetryCounts(s.RetryCounts)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = r.db.ExecContext(ctx, query,
		s.ID, s.Status, s.Title, s.InputText, s.ProfileCode,
		s.CurrentPhase, s.TotalPhases, s.HITLEnabled, s.Mode,
		retries, s.LastError, s.LeasedBy, nullTime(s.LeasedUntil),
		s.CreatedAt, s.UpdatedAt, nullTimePtr(s.CompletedAt),
	)
	return err
}

func (r *SQLRepository) LoadSession(ctx context.Context, id string) (contracts.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return r.scanSession(r.db.QueryRowContext(ctx, query, id))
}

func (r *SQLRepository) SaveSession(ctx context.Context, s contracts.Session) error {
	retries, err := marshalRetryCounts(s.RetryCounts)
	if err != nil {
		return err
	}
	query := `
		UPDATE sessions
		SET status = $1, current_phase = $2, retry_counts = $3, last_error = $4,
		    leased_by = $5, leased_until = $6, updated_at = $7, completed_at = $8
		WHERE id = $9
	`
	res, err := r.db.ExecContext(ctx, query,
		s.Status, s.CurrentPhase, retries, s.LastError,
		s.LeasedBy, nullTime(s.LeasedUntil), r.clock(), nullTimePtr(s.CompletedAt),
		s.ID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRepository) AcquireLease(ctx context.Context, id, ownerID string, duration time.Duration) (contracts.Session, error) {
	now := r.clock()
	leasedUntil := now.Add(duration)

	query := `
		UPDATE sessions
		SET leased_by = $1, leased_until = $2, updated_at = $3
		WHERE id = $4 AND (leased_until < $3 OR leased_by = $1 OR leased_by = '' OR leased_until IS NULL)
	`
	res, err := r.db.ExecContext(ctx, query, ownerID, leasedUntil, now, id)
	if err != nil {
		return contracts.Session{}, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return contracts.Session{}, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return contracts.Session{}, ErrLeaseHeld
	}
	return r.LoadSession(ctx, id)
}

func (r *SQLRepository) UpdateStatusIf(ctx context.Context, id string, expect, next contracts.SessionStatus, reason string) (bool, error) {
	return r.conditionalTransition(ctx, id, expect, next, reason, time.Time{})
}

func (r *SQLRepository) RepairIfStale(ctx context.Context, id string, expect, next contracts.SessionStatus, reason string, staleBefore time.Time) (bool, error) {
	return r.conditionalTransition(ctx, id, expect, next, reason, staleBefore)
}

func (r *SQLRepository) conditionalTransition(ctx context.Context, id string, expect, next contracts.SessionStatus, reason string, staleBefore time.Time) (bool, error) {
	now := r.clock()
	var completedAt any
	if next.Terminal() {
		completedAt = now
	}

	var (
		res sql.Result
		err error
	)
	if staleBefore.IsZero() {
		query := `
			UPDATE sessions
			SET status = $1, last_error = $2, updated_at = $3, completed_at = $4
			WHERE id = $5 AND status = $6
		`
		res, err = r.db.ExecContext(ctx, query, next, reason, now, completedAt, id, expect)
	} else {
		query := `
			UPDATE sessions
			SET status = $1, last_error = $2, updated_at = $3, completed_at = $4
			WHERE id = $5 AND status = $6 AND updated_at <= $7
		`
		res, err = r.db.ExecContext(ctx, query, next, reason, now, completedAt, id, expect, staleBefore)
	}
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *SQLRepository) ListByStatus(ctx context.Context, status contracts.SessionStatus) ([]contracts.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status = $1 ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.Session, 0)
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLRepository) SavePhaseRecord(ctx context.Context, rec contracts.PhaseExecutionRecord) error {
	// Upsert by delete+insert keeps the statement portable across
	// Postgres and SQLite.
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM phase_records WHERE id = $1`, rec.ID); err != nil {
		return err
	}
	query := `
		INSERT INTO phase_records (id, session_id, phase, status, quality_score, retries_used, processing_time_nanos, error_reason, output_hash, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	var score any
	if rec.QualityScore != nil {
		score = *rec.QualityScore
	}
	if _, err := tx.ExecContext(ctx, query,
		rec.ID, rec.SessionID, rec.Phase, rec.Status, score,
		rec.RetriesUsed, int64(rec.ProcessingTime), rec.ErrorReason, rec.OutputHash,
		rec.StartedAt, nullTimePtr(rec.FinishedAt),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLRepository) ListPhaseRecords(ctx context.Context, sessionID string) ([]contracts.PhaseExecutionRecord, error) {
	query := `
		SELECT id, session_id, phase, status, quality_score, retries_used, processing_time_nanos, error_reason, output_hash, started_at, finished_at
		FROM phase_records WHERE session_id = $1 ORDER BY phase ASC
	`
	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.PhaseExecutionRecord, 0)
	for rows.Next() {
		var rec contracts.PhaseExecutionRecord
		var score sql.NullFloat64
		var errorReason, outputHash sql.NullString
		var nanos sql.NullInt64
		var finishedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Phase, &rec.Status, &score,
			&rec.RetriesUsed, &nanos, &errorReason, &outputHash, &rec.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		if score.Valid {
			v := score.Float64
			rec.QualityScore = &v
		}
		rec.ProcessingTime = time.Duration(nanos.Int64)
		rec.ErrorReason = errorReason.String
		rec.OutputHash = outputHash.String
		if finishedAt.Valid {
			t := finishedAt.Time
			rec.FinishedAt = &t
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLRepository) SaveFeedbackState(ctx context.Context, state contracts.FeedbackState) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM feedback_states WHERE id = $1`, state.ID); err != nil {
		return err
	}
	query := `
		INSERT INTO feedback_states (id, session_id, phase, state, started_at, timeout_at, received_at, timeout_action, resolution)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if _, err := tx.ExecContext(ctx, query,
		state.ID, state.SessionID, state.Phase, state.State,
		state.StartedAt, state.TimeoutAt, nullTimePtr(state.ReceivedAt),
		state.Action, state.Resolution,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLRepository) SaveGateRecord(ctx context.Context, rec contracts.QualityGateRecord) error {
	subScores, err := json.Marshal(rec.SubScores)
	if err != nil {
		return fmt.Errorf("failed to marshal sub scores: %w", err)
	}
	var overrideJSON []byte
	if rec.Override != nil {
		overrideJSON, err = json.Marshal(rec.Override)
		if err != nil {
			return fmt.Errorf("failed to marshal override: %w", err)
		}
	}
	query := `
		INSERT INTO gate_records (id, session_id, phase, threshold, score, sub_scores, status, override_json, content_hash, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.ID, rec.SessionID, rec.Phase, rec.Threshold, rec.Score,
		string(subScores), rec.Status, string(overrideJSON), rec.ContentHash, rec.EvaluatedAt,
	)
	return err
}

func (r *SQLRepository) ListGateRecords(ctx context.Context, sessionID string) ([]contracts.QualityGateRecord, error) {
	query := `
		SELECT id, session_id, phase, threshold, score, sub_scores, status, override_json, content_hash, evaluated_at
		FROM gate_records WHERE session_id = $1 ORDER BY evaluated_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.QualityGateRecord, 0)
	for rows.Next() {
		var rec contracts.QualityGateRecord
		var subScores, overrideJSON, contentHash sql.NullString
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Phase, &rec.Threshold, &rec.Score,
			&subScores, &rec.Status, &overrideJSON, &contentHash, &rec.EvaluatedAt); err != nil {
			return nil, err
		}
		if subScores.Valid && subScores.String != "" {
			if err := json.Unmarshal([]byte(subScores.String), &rec.SubScores); err != nil {
				return nil, fmt.Errorf("corrupt sub scores: %w", err)
			}
		}
		if overrideJSON.Valid && overrideJSON.String != "" {
			rec.Override = &contracts.OverrideDecision{}
			if err := json.Unmarshal([]byte(overrideJSON.String), rec.Override); err != nil {
				return nil, fmt.Errorf("corrupt override decision: %w", err)
			}
		}
		rec.ContentHash = contentHash.String
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLRepository) scanSession(row rowScanner) (contracts.Session, error) {
	var s contracts.Session
	var title, inputText, profileCode, mode, retries, lastError, leasedBy sql.NullString
	var leasedUntil, completedAt sql.NullTime

	err := row.Scan(&s.ID, &s.Status, &title, &inputText, &profileCode,
		&s.CurrentPhase, &s.TotalPhases, &s.HITLEnabled, &mode,
		&retries, &lastError, &leasedBy, &leasedUntil,
		&s.CreatedAt, &s.UpdatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.Session{}, ErrNotFound
		}
		return contracts.Session{}, err
	}
	s.Title = title.String
	s.InputText = inputText.String
	s.ProfileCode = profileCode.String
	s.Mode = contracts.ProcessingMode(mode.String)
	s.LastError = lastError.String
	s.LeasedBy = leasedBy.String
	if leasedUntil.Valid {
		s.LeasedUntil = leasedUntil.Time
	}
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}
	if retries.Valid && retries.String != "" {
		if err := json.Unmarshal([]byte(retries.String), &s.RetryCounts); err != nil {
			return contracts.Session{}, fmt.Errorf("corrupt retry counts: %w", err)
		}
	}
	return s, nil
}

func marshalRetryCounts(counts map[int]int) (string, error) {
	if len(counts) == 0 {
		return "", nil
	}
	b, err := json.Marshal(counts)
	if err != nil {
		return "", fmt.Errorf("failed to marshal retry counts: %w", err)
	}
	return string(b), nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
