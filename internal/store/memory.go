package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stewardai/governor/internal/models"
)

// MemoryStore implements Store with an in-process map. Conditional-write
// semantics match PGStore exactly; tests rely on that equivalence.
type MemoryStore struct {
	mu          sync.Mutex
	actions     map[uuid.UUID]models.HeldAction
	graduations map[gradKey]models.GraduationState
	budget      *models.BudgetRecord
}

type gradKey struct {
	projectID  string
	actionType string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actions:     map[uuid.UUID]models.HeldAction{},
		graduations: map[gradKey]models.GraduationState{},
	}
}

func copyJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return append(json.RawMessage(nil), raw...)
}

func (m *MemoryStore) CreateHeldAction(ctx context.Context, in HeldActionInput) (models.HeldAction, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	action := models.HeldAction{
		ID:         in.ID,
		ProjectID:  in.ProjectID,
		ActionType: in.ActionType,
		Payload:    copyJSON(in.Payload, "{}"),
		HeldUntil:  in.HeldUntil.UTC(),
		Status:     models.HeldPending,
		CreatedAt:  time.Now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[action.ID] = action
	return action, nil
}

func (m *MemoryStore) GetHeldAction(ctx context.Context, id uuid.UUID) (models.HeldAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	action, ok := m.actions[id]
	if !ok {
		return models.HeldAction{}, ErrNotFound
	}
	return action, nil
}

func (m *MemoryStore) ListHeldActions(ctx context.Context, filter HeldActionFilter) ([]models.HeldAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var actions []models.HeldAction
	for _, action := range m.actions {
		if filter.ProjectID != "" && action.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && action.Status != filter.Status {
			continue
		}
		actions = append(actions, action)
	}
	sort.Slice(actions, func(i, j int) bool {
		return actions[i].CreatedAt.After(actions[j].CreatedAt)
	})
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > len(actions) {
		start = len(actions)
	}
	end := start + normalizeLimit(filter.Limit)
	if end > len(actions) {
		end = len(actions)
	}
	result := make([]models.HeldAction, end-start)
	copy(result, actions[start:end])
	return result, nil
}

func (m *MemoryStore) TransitionHeldAction(ctx context.Context, in HeldActionTransition) (models.HeldAction, error) {
	at := in.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	action, ok := m.actions[in.ID]
	if !ok {
		return models.HeldAction{}, ErrNotFound
	}
	if action.Status != in.From {
		return models.HeldAction{}, ErrConflict
	}
	switch in.To {
	case models.HeldApproved:
		action.Status = models.HeldApproved
		action.ApprovedAt = &at
		action.DecidedBy = in.DecidedBy
	case models.HeldCancelled:
		action.Status = models.HeldCancelled
		action.CancelledAt = &at
		action.DecidedBy = in.DecidedBy
		action.CancelReason = in.CancelReason
	case models.HeldExecuted:
		action.Status = models.HeldExecuted
		action.ExecutedAt = &at
		action.DecidedBy = in.DecidedBy
	default:
		return models.HeldAction{}, ErrConflict
	}
	m.actions[in.ID] = action
	return action, nil
}

func (m *MemoryStore) ListDueHeldActions(ctx context.Context, now time.Time, limit int) ([]models.HeldAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []models.HeldAction
	for _, action := range m.actions {
		if action.Status != models.HeldPending {
			continue
		}
		if action.HeldUntil.After(now) {
			continue
		}
		due = append(due, action)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].HeldUntil.Before(due[j].HeldUntil)
	})
	n := normalizeLimit(limit)
	if len(due) > n {
		due = due[:n]
	}
	result := make([]models.HeldAction, len(due))
	copy(result, due)
	return result, nil
}

func (m *MemoryStore) GetGraduationState(ctx context.Context, projectID, actionType string) (models.GraduationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.graduations[gradKey{projectID, actionType}]
	if !ok {
		return models.GraduationState{}, ErrNotFound
	}
	return state, nil
}

func (m *MemoryStore) CompareAndSwapGraduation(ctx context.Context, state models.GraduationState, expectedVersion int64) (models.GraduationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := gradKey{state.ProjectID, state.ActionType}
	existing, ok := m.graduations[key]
	if expectedVersion == 0 {
		if ok {
			return models.GraduationState{}, ErrConflict
		}
		state.Version = 1
		m.graduations[key] = state
		return state, nil
	}
	if !ok || existing.Version != expectedVersion {
		return models.GraduationState{}, ErrConflict
	}
	state.Version = expectedVersion + 1
	m.graduations[key] = state
	return state, nil
}

func (m *MemoryStore) GetBudgetRecord(ctx context.Context) (models.BudgetRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.budget == nil {
		return models.BudgetRecord{}, ErrNotFound
	}
	return *m.budget, nil
}

func (m *MemoryStore) CompareAndSwapBudget(ctx context.Context, rec models.BudgetRecord, expectedVersion int64) (models.BudgetRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.UpdatedAt = time.Now().UTC()
	if expectedVersion == 0 {
		if m.budget != nil {
			return models.BudgetRecord{}, ErrConflict
		}
		rec.Version = 1
		m.budget = &rec
		return rec, nil
	}
	if m.budget == nil || m.budget.Version != expectedVersion {
		return models.BudgetRecord{}, ErrConflict
	}
	rec.Version = expectedVersion + 1
	m.budget = &rec
	return rec, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
