package scheduler

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardai/governor/internal/executor"
	"github.com/stewardai/governor/internal/graduation"
	"github.com/stewardai/governor/internal/holdqueue"
	"github.com/stewardai/governor/internal/models"
	"github.com/stewardai/governor/internal/store"
)

func TestRunWorkerReleasesDueActions(t *testing.T) {
	st := store.NewMemoryStore()
	var executions int32
	ex := executor.Func(func(ctx context.Context, actionType string, payload json.RawMessage) (executor.Result, error) {
		atomic.AddInt32(&executions, 1)
		return executor.Result{}, nil
	})
	queue := holdqueue.New(st, graduation.New(st), ex, nil)

	action, err := queue.Create(context.Background(), "proj", "send_email", nil, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunWorker(ctx, queue, Config{Interval: 10 * time.Millisecond})
		close(done)
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&executions) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}

	got, err := queue.Get(context.Background(), action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HeldExecuted, got.Status)
}

func TestRunWorkerStopsImmediatelyWhenCancelled(t *testing.T) {
	st := store.NewMemoryStore()
	queue := holdqueue.New(st, graduation.New(st), executor.Func(func(ctx context.Context, actionType string, payload json.RawMessage) (executor.Result, error) {
		return executor.Result{}, nil
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		RunWorker(ctx, queue, Config{Interval: time.Hour})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on pre-cancelled context")
	}
}
