package holdqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardai/governor/internal/executor"
	"github.com/stewardai/governor/internal/graduation"
	"github.com/stewardai/governor/internal/models"
	"github.com/stewardai/governor/internal/store"
)

type fakeExecutor struct {
	mu    sync.Mutex
	total int
	calls []uuid.UUID
	fail  map[string]error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{fail: map[string]error{}}
}

func (f *fakeExecutor) Execute(ctx context.Context, actionType string, payload json.RawMessage) (executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total++
	var p struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(payload, &p)
	if id, err := uuid.Parse(p.ID); err == nil {
		f.calls = append(f.calls, id)
	}
	if err, ok := f.fail[actionType]; ok {
		return executor.Result{}, err
	}
	return executor.Result{MessageID: "msg-1"}, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

func newQueue(t *testing.T) (*Queue, *store.MemoryStore, *fakeExecutor) {
	t.Helper()
	st := store.NewMemoryStore()
	ex := newFakeExecutor()
	q := New(st, graduation.New(st), ex, nil)
	return q, st, ex
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newQueue(t)

	before := time.Now().UTC()
	action, err := q.Create(ctx, "proj", "send_email", json.RawMessage(`{"to":"a@b.c"}`), 30)
	require.NoError(t, err)

	assert.Equal(t, models.HeldPending, action.Status)
	assert.Equal(t, "proj", action.ProjectID)
	assert.WithinDuration(t, before.Add(30*time.Minute), action.HeldUntil, 2*time.Second)

	_, err = q.Create(ctx, "", "send_email", nil, 30)
	assert.Error(t, err)
	_, err = q.Create(ctx, "proj", "send_email", nil, -1)
	assert.Error(t, err)
}

func TestApprove(t *testing.T) {
	ctx := context.Background()
	q, st, _ := newQueue(t)

	action, err := q.Create(ctx, "proj", "send_email", nil, 30)
	require.NoError(t, err)

	approved, err := q.Approve(ctx, action.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, approved)
	assert.Equal(t, models.HeldApproved, approved.Status)
	assert.Equal(t, "alice", approved.DecidedBy)
	assert.NotNil(t, approved.ApprovedAt)

	// Approval feeds graduation.
	state, err := st.GetGraduationState(ctx, "proj", "send_email")
	require.NoError(t, err)
	assert.Equal(t, 1, state.ConsecutiveApprovals)

	// Second approval loses: nil result, nil error.
	again, err := q.Approve(ctx, action.ID, "bob")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	q, st, _ := newQueue(t)

	action, err := q.Create(ctx, "proj", "send_email", nil, 30)
	require.NoError(t, err)

	cancelled, err := q.Cancel(ctx, action.ID, "wrong recipient", "alice")
	require.NoError(t, err)
	require.NotNil(t, cancelled)
	assert.Equal(t, models.HeldCancelled, cancelled.Status)
	assert.Equal(t, "wrong recipient", cancelled.CancelReason)

	state, err := st.GetGraduationState(ctx, "proj", "send_email")
	require.NoError(t, err)
	assert.Equal(t, 0, state.ConsecutiveApprovals)
	assert.NotNil(t, state.LastCancellationAt)
}

func TestUnknownAction(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newQueue(t)

	_, err := q.Approve(ctx, uuid.New(), "alice")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = q.Cancel(ctx, uuid.New(), "", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = q.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentApproveCancel(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newQueue(t)

	for i := 0; i < 20; i++ {
		action, err := q.Create(ctx, "proj", "send_email", nil, 30)
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			approved  *models.HeldAction
			cancelled *models.HeldAction
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			a, err := q.Approve(ctx, action.ID, "alice")
			assert.NoError(t, err)
			approved = a
		}()
		go func() {
			defer wg.Done()
			c, err := q.Cancel(ctx, action.ID, "changed my mind", "bob")
			assert.NoError(t, err)
			cancelled = c
		}()
		wg.Wait()

		// Exactly one wins.
		if approved != nil {
			assert.Nil(t, cancelled)
			assert.Equal(t, models.HeldApproved, approved.Status)
		} else {
			require.NotNil(t, cancelled)
			assert.Equal(t, models.HeldCancelled, cancelled.Status)
		}
	}
}

func TestReleaseDueSelectsOnlyDuePending(t *testing.T) {
	ctx := context.Background()
	q, _, ex := newQueue(t)

	due, err := q.Create(ctx, "proj", "send_email", nil, 0)
	require.NoError(t, err)
	_, err = q.Create(ctx, "proj", "send_email", nil, 60)
	require.NoError(t, err)
	approvedAction, err := q.Create(ctx, "proj", "send_email", nil, 0)
	require.NoError(t, err)
	_, err = q.Approve(ctx, approvedAction.ID, "alice")
	require.NoError(t, err)

	result, err := q.ReleaseDue(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Executed)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, ex.callCount())

	released, err := q.Get(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HeldExecuted, released.Status)
	assert.NotNil(t, released.ExecutedAt)
}

func TestReleaseDueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, _, ex := newQueue(t)

	_, err := q.Create(ctx, "proj", "send_email", nil, 0)
	require.NoError(t, err)

	now := time.Now().UTC().Add(time.Second)
	first, err := q.ReleaseDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Executed)

	second, err := q.ReleaseDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Processed)
	assert.Equal(t, 1, ex.callCount())
}

func TestReleaseDueOrdersByHeldUntil(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	ex := newFakeExecutor()
	q := New(st, graduation.New(st), ex, nil)

	base := time.Now().UTC()
	var ids []uuid.UUID
	// Insert out of order; the sweep must run oldest heldUntil first.
	for _, offset := range []time.Duration{-3 * time.Minute, -10 * time.Minute, -1 * time.Minute} {
		action, err := st.CreateHeldAction(ctx, store.HeldActionInput{
			ProjectID:  "proj",
			ActionType: "send_email",
			Payload:    json.RawMessage(fmt.Sprintf(`{"id":%q}`, uuid.New())),
			HeldUntil:  base.Add(offset),
		})
		require.NoError(t, err)
		var p struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(action.Payload, &p))
		ids = append(ids, uuid.MustParse(p.ID))
	}

	result, err := q.ReleaseDue(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Executed)
	require.Len(t, ex.calls, 3)
	assert.Equal(t, ids[1], ex.calls[0]) // -10m
	assert.Equal(t, ids[0], ex.calls[1]) // -3m
	assert.Equal(t, ids[2], ex.calls[2]) // -1m
}

func TestReleaseDueCapturesExecutionErrors(t *testing.T) {
	ctx := context.Background()
	q, _, ex := newQueue(t)
	ex.fail["jira_status_change"] = fmt.Errorf("jira unavailable")

	failing, err := q.Create(ctx, "proj", "jira_status_change", nil, 0)
	require.NoError(t, err)
	ok, err := q.Create(ctx, "proj", "send_email", nil, 0)
	require.NoError(t, err)

	result, err := q.ReleaseDue(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Executed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, failing.ID, result.Errors[0].ActionID)
	assert.Contains(t, result.Errors[0].Error, "jira unavailable")

	// The failed record stays pending for the next sweep.
	stillPending, err := q.Get(ctx, failing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HeldPending, stillPending.Status)

	executed, err := q.Get(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HeldExecuted, executed.Status)
}

func TestScheduledExecutionDoesNotGraduate(t *testing.T) {
	ctx := context.Background()
	q, st, _ := newQueue(t)

	_, err := q.Create(ctx, "proj", "send_email", nil, 0)
	require.NoError(t, err)

	result, err := q.ReleaseDue(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, result.Executed)

	// Trust is earned from explicit approvals only.
	_, err = st.GetGraduationState(ctx, "proj", "send_email")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
