package holdqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/stewardai/governor/internal/audit"
	"github.com/stewardai/governor/internal/executor"
	"github.com/stewardai/governor/internal/graduation"
	"github.com/stewardai/governor/internal/models"
	"github.com/stewardai/governor/internal/store"
)

// ErrNotFound is returned when an operation references a held action that
// does not exist.
var ErrNotFound = errors.New("held action not found")

// Queue owns the held-action lifecycle. A record leaves pending exactly once
// via a conditional write; approve, cancel, and the release sweep can race
// freely and at most one of them wins.
type Queue struct {
	store    store.Store
	tracker  *graduation.Tracker
	executor executor.Executor
	recorder audit.Recorder
	now      func() time.Time
}

func New(st store.Store, tracker *graduation.Tracker, ex executor.Executor, recorder audit.Recorder) *Queue {
	if recorder == nil {
		recorder = audit.LogRecorder{}
	}
	return &Queue{
		store:    st,
		tracker:  tracker,
		executor: ex,
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the queue's time source for tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Create stores a new pending action held until now + holdMinutes. Creation
// cannot conflict.
func (q *Queue) Create(ctx context.Context, projectID, actionType string, payload json.RawMessage, holdMinutes int) (models.HeldAction, error) {
	if projectID == "" || actionType == "" {
		return models.HeldAction{}, fmt.Errorf("projectId and actionType required")
	}
	if holdMinutes < 0 {
		return models.HeldAction{}, fmt.Errorf("holdMinutes must be non-negative, got %d", holdMinutes)
	}
	action, err := q.store.CreateHeldAction(ctx, store.HeldActionInput{
		ProjectID:  projectID,
		ActionType: actionType,
		Payload:    payload,
		HeldUntil:  q.now().Add(time.Duration(holdMinutes) * time.Minute),
	})
	if err != nil {
		return models.HeldAction{}, err
	}
	q.recorder.Record(ctx, audit.NewEvent(audit.EventActionHeld, projectID, "", action))
	return action, nil
}

// Get returns one held action by id.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (models.HeldAction, error) {
	action, err := q.store.GetHeldAction(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.HeldAction{}, ErrNotFound
		}
		return models.HeldAction{}, err
	}
	return action, nil
}

// List returns held actions matching the filter, newest first.
func (q *Queue) List(ctx context.Context, filter store.HeldActionFilter) ([]models.HeldAction, error) {
	return q.store.ListHeldActions(ctx, filter)
}

// Approve transitions pending -> approved and reports the approval to the
// graduation tracker. A nil result with nil error means the race was lost:
// the action was already decided, which the caller treats as "no longer
// pending", not as failure.
func (q *Queue) Approve(ctx context.Context, id uuid.UUID, actor string) (*models.HeldAction, error) {
	action, err := q.store.TransitionHeldAction(ctx, store.HeldActionTransition{
		ID:        id,
		From:      models.HeldPending,
		To:        models.HeldApproved,
		At:        q.now(),
		DecidedBy: actor,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if _, err := q.tracker.RecordApproval(ctx, action.ProjectID, action.ActionType); err != nil {
		// The transition already committed; graduation is advisory.
		log.Printf("[holdqueue] record approval for %s/%s: %v", action.ProjectID, action.ActionType, err)
	}
	q.recorder.Record(ctx, audit.NewEvent(audit.EventActionApproved, action.ProjectID, actor, action))
	return &action, nil
}

// Cancel transitions pending -> cancelled and reports the cancellation to
// the graduation tracker. Nil result, nil error on a lost race.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID, reason, actor string) (*models.HeldAction, error) {
	action, err := q.store.TransitionHeldAction(ctx, store.HeldActionTransition{
		ID:           id,
		From:         models.HeldPending,
		To:           models.HeldCancelled,
		At:           q.now(),
		DecidedBy:    actor,
		CancelReason: reason,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if _, err := q.tracker.RecordCancellation(ctx, action.ProjectID, action.ActionType); err != nil {
		log.Printf("[holdqueue] record cancellation for %s/%s: %v", action.ProjectID, action.ActionType, err)
	}
	q.recorder.Record(ctx, audit.NewEvent(audit.EventActionCancelled, action.ProjectID, actor, action))
	return &action, nil
}

// ReleaseError captures one failed execution within a sweep.
type ReleaseError struct {
	ActionID uuid.UUID `json:"actionId"`
	Error    string    `json:"error"`
}

// ReleaseResult summarizes one sweep. Cancelled counts records another
// worker decided between the scan and the conditional execute.
type ReleaseResult struct {
	Processed int            `json:"processed"`
	Executed  int            `json:"executed"`
	Cancelled int            `json:"cancelled"`
	Errors    []ReleaseError `json:"errors"`
}

// ReleaseDue executes every pending action whose hold elapsed, oldest
// promised release first. A failed side effect leaves the record pending and
// is reported per record; the sweep continues. Scheduler-driven executions
// do not feed the graduation tracker; only explicit human approvals count.
func (q *Queue) ReleaseDue(ctx context.Context, now time.Time) (ReleaseResult, error) {
	result := ReleaseResult{Errors: []ReleaseError{}}

	due, err := q.store.ListDueHeldActions(ctx, now, 500)
	if err != nil {
		return result, fmt.Errorf("scan due actions: %w", err)
	}

	for _, action := range due {
		result.Processed++

		if _, err := q.executor.Execute(ctx, action.ActionType, action.Payload); err != nil {
			result.Errors = append(result.Errors, ReleaseError{ActionID: action.ID, Error: err.Error()})
			q.recorder.Record(ctx, audit.NewEvent(audit.EventReleaseFailed, action.ProjectID, "scheduler", map[string]string{
				"actionId": action.ID.String(),
				"error":    err.Error(),
			}))
			continue
		}

		executed, err := q.store.TransitionHeldAction(ctx, store.HeldActionTransition{
			ID:        action.ID,
			From:      models.HeldPending,
			To:        models.HeldExecuted,
			At:        q.now(),
			DecidedBy: "scheduler",
		})
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Someone decided while the side effect ran.
				result.Cancelled++
				continue
			}
			result.Errors = append(result.Errors, ReleaseError{ActionID: action.ID, Error: err.Error()})
			continue
		}
		result.Executed++
		q.recorder.Record(ctx, audit.NewEvent(audit.EventActionExecuted, executed.ProjectID, "scheduler", executed))
	}
	return result, nil
}
