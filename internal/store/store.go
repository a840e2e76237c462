package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stewardai/governor/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional write loses a race: the
	// record exists but its guarded field no longer matches the expected
	// value. It is a typed result, not an error to be parsed out of text.
	ErrConflict = errors.New("conflict")
)

type Store interface {
	CreateHeldAction(ctx context.Context, in HeldActionInput) (models.HeldAction, error)
	GetHeldAction(ctx context.Context, id uuid.UUID) (models.HeldAction, error)
	ListHeldActions(ctx context.Context, filter HeldActionFilter) ([]models.HeldAction, error)
	TransitionHeldAction(ctx context.Context, in HeldActionTransition) (models.HeldAction, error)
	ListDueHeldActions(ctx context.Context, now time.Time, limit int) ([]models.HeldAction, error)

	GetGraduationState(ctx context.Context, projectID, actionType string) (models.GraduationState, error)
	CompareAndSwapGraduation(ctx context.Context, state models.GraduationState, expectedVersion int64) (models.GraduationState, error)

	GetBudgetRecord(ctx context.Context) (models.BudgetRecord, error)
	CompareAndSwapBudget(ctx context.Context, rec models.BudgetRecord, expectedVersion int64) (models.BudgetRecord, error)

	Ping(ctx context.Context) error
}

type HeldActionInput struct {
	ID         uuid.UUID
	ProjectID  string
	ActionType string
	Payload    json.RawMessage
	HeldUntil  time.Time
}

// HeldActionTransition describes one conditional status update. The write
// succeeds only while the stored status still equals From; a lost race
// surfaces as ErrConflict.
type HeldActionTransition struct {
	ID           uuid.UUID
	From         models.HeldActionStatus
	To           models.HeldActionStatus
	At           time.Time
	DecidedBy    string
	CancelReason string
}

type HeldActionFilter struct {
	ProjectID string
	Status    models.HeldActionStatus
	Limit     int
	Offset    int
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

const heldActionColumns = `id, project_id, action_type, payload, held_until, status, created_at, approved_at, cancelled_at, executed_at, cancel_reason, decided_by`

func scanHeldAction(row rowScanner) (models.HeldAction, error) {
	var (
		action       models.HeldAction
		payload      []byte
		approvedAt   sql.NullTime
		cancelledAt  sql.NullTime
		executedAt   sql.NullTime
		cancelReason sql.NullString
		decidedBy    sql.NullString
	)
	if err := row.Scan(
		&action.ID,
		&action.ProjectID,
		&action.ActionType,
		&payload,
		&action.HeldUntil,
		&action.Status,
		&action.CreatedAt,
		&approvedAt,
		&cancelledAt,
		&executedAt,
		&cancelReason,
		&decidedBy,
	); err != nil {
		return models.HeldAction{}, err
	}
	action.Payload = append(json.RawMessage(nil), payload...)
	if approvedAt.Valid {
		t := approvedAt.Time
		action.ApprovedAt = &t
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		action.CancelledAt = &t
	}
	if executedAt.Valid {
		t := executedAt.Time
		action.ExecutedAt = &t
	}
	if cancelReason.Valid {
		action.CancelReason = cancelReason.String
	}
	if decidedBy.Valid {
		action.DecidedBy = decidedBy.String
	}
	return action, nil
}

func (s *PGStore) CreateHeldAction(ctx context.Context, in HeldActionInput) (models.HeldAction, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO held_actions (id, project_id, action_type, payload, held_until, status)
		VALUES ($1,$2,$3,$4,$5,'pending')
		RETURNING ` + heldActionColumns
	row := s.db.QueryRowContext(ctx, query, in.ID, in.ProjectID, in.ActionType, ensureJSON(in.Payload, "{}"), in.HeldUntil.UTC())
	action, err := scanHeldAction(row)
	if err != nil {
		return models.HeldAction{}, fmt.Errorf("insert held action: %w", err)
	}
	return action, nil
}

func (s *PGStore) GetHeldAction(ctx context.Context, id uuid.UUID) (models.HeldAction, error) {
	query := `SELECT ` + heldActionColumns + ` FROM held_actions WHERE id=$1`
	action, err := scanHeldAction(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.HeldAction{}, ErrNotFound
		}
		return models.HeldAction{}, fmt.Errorf("get held action: %w", err)
	}
	return action, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func (s *PGStore) ListHeldActions(ctx context.Context, filter HeldActionFilter) ([]models.HeldAction, error) {
	query := `SELECT ` + heldActionColumns + ` FROM held_actions WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.ProjectID != "" {
		query += fmt.Sprintf(" AND project_id = $%d", argPos)
		args = append(args, filter.ProjectID)
		argPos++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, filter.Status)
		argPos++
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list held actions: %w", err)
	}
	defer rows.Close()

	var actions []models.HeldAction
	for rows.Next() {
		action, err := scanHeldAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan held action: %w", err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate held actions: %w", err)
	}
	return actions, nil
}

// TransitionHeldAction performs the single serialization point for the held
// action lifecycle: the UPDATE only matches while status still equals From,
// so at most one of approve/cancel/execute wins.
func (s *PGStore) TransitionHeldAction(ctx context.Context, in HeldActionTransition) (models.HeldAction, error) {
	at := in.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var (
		query string
		args  []interface{}
	)
	switch in.To {
	case models.HeldApproved:
		query = `
			UPDATE held_actions
			SET status='approved', approved_at=$3, decided_by=$4
			WHERE id=$1 AND status=$2
			RETURNING ` + heldActionColumns
		args = []interface{}{in.ID, in.From, at, in.DecidedBy}
	case models.HeldCancelled:
		query = `
			UPDATE held_actions
			SET status='cancelled', cancelled_at=$3, decided_by=$4, cancel_reason=$5
			WHERE id=$1 AND status=$2
			RETURNING ` + heldActionColumns
		args = []interface{}{in.ID, in.From, at, in.DecidedBy, in.CancelReason}
	case models.HeldExecuted:
		query = `
			UPDATE held_actions
			SET status='executed', executed_at=$3, decided_by=$4
			WHERE id=$1 AND status=$2
			RETURNING ` + heldActionColumns
		args = []interface{}{in.ID, in.From, at, in.DecidedBy}
	default:
		return models.HeldAction{}, fmt.Errorf("invalid transition target %q", in.To)
	}

	action, err := scanHeldAction(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return action, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.HeldAction{}, fmt.Errorf("transition held action: %w", err)
	}
	// No row matched: distinguish a missing record from a lost race.
	if _, getErr := s.GetHeldAction(ctx, in.ID); getErr != nil {
		return models.HeldAction{}, getErr
	}
	return models.HeldAction{}, ErrConflict
}

// ListDueHeldActions returns pending records whose hold has elapsed, oldest
// promised release first. Backed by the (status, held_until) index.
func (s *PGStore) ListDueHeldActions(ctx context.Context, now time.Time, limit int) ([]models.HeldAction, error) {
	query := `
		SELECT ` + heldActionColumns + `
		FROM held_actions
		WHERE status='pending' AND held_until <= $1
		ORDER BY held_until ASC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, now.UTC(), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list due held actions: %w", err)
	}
	defer rows.Close()

	var actions []models.HeldAction
	for rows.Next() {
		action, err := scanHeldAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due held action: %w", err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due held actions: %w", err)
	}
	return actions, nil
}

func scanGraduation(row rowScanner) (models.GraduationState, error) {
	var (
		state         models.GraduationState
		lastApproval  sql.NullTime
		lastCancelled sql.NullTime
	)
	if err := row.Scan(
		&state.ProjectID,
		&state.ActionType,
		&state.ConsecutiveApprovals,
		&state.Tier,
		&lastApproval,
		&lastCancelled,
		&state.Version,
	); err != nil {
		return models.GraduationState{}, err
	}
	if lastApproval.Valid {
		t := lastApproval.Time
		state.LastApprovalAt = &t
	}
	if lastCancelled.Valid {
		t := lastCancelled.Time
		state.LastCancellationAt = &t
	}
	return state, nil
}

const graduationColumns = `project_id, action_type, consecutive_approvals, tier, last_approval_at, last_cancellation_at, version`

func (s *PGStore) GetGraduationState(ctx context.Context, projectID, actionType string) (models.GraduationState, error) {
	query := `SELECT ` + graduationColumns + ` FROM graduation_states WHERE project_id=$1 AND action_type=$2`
	state, err := scanGraduation(s.db.QueryRowContext(ctx, query, projectID, actionType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.GraduationState{}, ErrNotFound
		}
		return models.GraduationState{}, fmt.Errorf("get graduation state: %w", err)
	}
	return state, nil
}

// CompareAndSwapGraduation writes a graduation state guarded by its version.
// expectedVersion 0 inserts a fresh row; a duplicate insert or a stale update
// both surface as ErrConflict so the caller can re-read and retry.
func (s *PGStore) CompareAndSwapGraduation(ctx context.Context, state models.GraduationState, expectedVersion int64) (models.GraduationState, error) {
	if expectedVersion == 0 {
		query := `
			INSERT INTO graduation_states (project_id, action_type, consecutive_approvals, tier, last_approval_at, last_cancellation_at, version)
			VALUES ($1,$2,$3,$4,$5,$6,1)
			ON CONFLICT (project_id, action_type) DO NOTHING
			RETURNING ` + graduationColumns
		row := s.db.QueryRowContext(ctx, query, state.ProjectID, state.ActionType, state.ConsecutiveApprovals, state.Tier, state.LastApprovalAt, state.LastCancellationAt)
		out, err := scanGraduation(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return models.GraduationState{}, ErrConflict
			}
			return models.GraduationState{}, fmt.Errorf("insert graduation state: %w", err)
		}
		return out, nil
	}

	query := `
		UPDATE graduation_states
		SET consecutive_approvals=$3, tier=$4, last_approval_at=$5, last_cancellation_at=$6, version=version+1
		WHERE project_id=$1 AND action_type=$2 AND version=$7
		RETURNING ` + graduationColumns
	row := s.db.QueryRowContext(ctx, query, state.ProjectID, state.ActionType, state.ConsecutiveApprovals, state.Tier, state.LastApprovalAt, state.LastCancellationAt, expectedVersion)
	out, err := scanGraduation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.GraduationState{}, ErrConflict
		}
		return models.GraduationState{}, fmt.Errorf("update graduation state: %w", err)
	}
	return out, nil
}

const budgetColumns = `daily_spend_usd, monthly_spend_usd, period_date, period_month, version, updated_at`

func scanBudget(row rowScanner) (models.BudgetRecord, error) {
	var rec models.BudgetRecord
	if err := row.Scan(
		&rec.DailySpendUsd,
		&rec.MonthlySpendUsd,
		&rec.PeriodDate,
		&rec.PeriodMonth,
		&rec.Version,
		&rec.UpdatedAt,
	); err != nil {
		return models.BudgetRecord{}, err
	}
	return rec, nil
}

func (s *PGStore) GetBudgetRecord(ctx context.Context) (models.BudgetRecord, error) {
	query := `SELECT ` + budgetColumns + ` FROM budget_ledger WHERE id=1`
	rec, err := scanBudget(s.db.QueryRowContext(ctx, query))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.BudgetRecord{}, ErrNotFound
		}
		return models.BudgetRecord{}, fmt.Errorf("get budget record: %w", err)
	}
	return rec, nil
}

// CompareAndSwapBudget writes the singleton ledger row guarded by its
// version. This is the sole serialization mechanism for concurrent debits.
func (s *PGStore) CompareAndSwapBudget(ctx context.Context, rec models.BudgetRecord, expectedVersion int64) (models.BudgetRecord, error) {
	if expectedVersion == 0 {
		query := `
			INSERT INTO budget_ledger (id, daily_spend_usd, monthly_spend_usd, period_date, period_month, version, updated_at)
			VALUES (1,$1,$2,$3,$4,1,NOW())
			ON CONFLICT (id) DO NOTHING
			RETURNING ` + budgetColumns
		row := s.db.QueryRowContext(ctx, query, rec.DailySpendUsd, rec.MonthlySpendUsd, rec.PeriodDate, rec.PeriodMonth)
		out, err := scanBudget(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return models.BudgetRecord{}, ErrConflict
			}
			return models.BudgetRecord{}, fmt.Errorf("insert budget record: %w", err)
		}
		return out, nil
	}

	query := `
		UPDATE budget_ledger
		SET daily_spend_usd=$1, monthly_spend_usd=$2, period_date=$3, period_month=$4, version=version+1, updated_at=NOW()
		WHERE id=1 AND version=$5
		RETURNING ` + budgetColumns
	row := s.db.QueryRowContext(ctx, query, rec.DailySpendUsd, rec.MonthlySpendUsd, rec.PeriodDate, rec.PeriodMonth, expectedVersion)
	out, err := scanBudget(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.BudgetRecord{}, ErrConflict
		}
		return models.BudgetRecord{}, fmt.Errorf("update budget record: %w", err)
	}
	return out, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
