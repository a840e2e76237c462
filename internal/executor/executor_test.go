package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRoutesByActionType(t *testing.T) {
	d := NewDispatcher()
	d.Register("send_email", Func(func(ctx context.Context, actionType string, payload json.RawMessage) (Result, error) {
		return Result{MessageID: "email-1", CostUsd: 0.002}, nil
	}))

	result, err := d.Execute(context.Background(), "send_email", nil)
	require.NoError(t, err)
	assert.Equal(t, "email-1", result.MessageID)

	_, err = d.Execute(context.Background(), "jira_status_change", nil)
	assert.Error(t, err)
}

func TestHTTPExecutorDelivers(t *testing.T) {
	var got struct {
		ActionType string          `json:"actionType"`
		Payload    json.RawMessage `json:"payload"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Result{MessageID: "m-42", CostUsd: 0.01})
	}))
	defer srv.Close()

	ex, err := NewHTTPExecutor(HTTPExecutorConfig{BaseURL: srv.URL, Path: "/email/send"})
	require.NoError(t, err)

	result, err := ex.Execute(context.Background(), "send_email", json.RawMessage(`{"to":"a@b.c"}`))
	require.NoError(t, err)
	assert.Equal(t, "m-42", result.MessageID)
	assert.Equal(t, 0.01, result.CostUsd)
	assert.Equal(t, "send_email", got.ActionType)
	assert.JSONEq(t, `{"to":"a@b.c"}`, string(got.Payload))
}

func TestHTTPExecutorEmptyPayloadBecomesObject(t *testing.T) {
	var got map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(Result{})
	}))
	defer srv.Close()

	ex, err := NewHTTPExecutor(HTTPExecutorConfig{BaseURL: srv.URL, Path: "/jira/status"})
	require.NoError(t, err)

	_, err = ex.Execute(context.Background(), "jira_status_change", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(got["payload"]))
}

func TestHTTPExecutorRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(Result{MessageID: "after-retry"})
	}))
	defer srv.Close()

	ex, err := NewHTTPExecutor(HTTPExecutorConfig{BaseURL: srv.URL, Path: "/email/send", Retries: 2})
	require.NoError(t, err)

	result, err := ex.Execute(context.Background(), "send_email", nil)
	require.NoError(t, err)
	assert.Equal(t, "after-retry", result.MessageID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPExecutorGivesUpAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ex, err := NewHTTPExecutor(HTTPExecutorConfig{BaseURL: srv.URL, Path: "/email/send", Retries: 1})
	require.NoError(t, err)

	_, err = ex.Execute(context.Background(), "send_email", nil)
	assert.Error(t, err)
}

func TestHTTPExecutorStopsOnRejection(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	ex, err := NewHTTPExecutor(HTTPExecutorConfig{BaseURL: srv.URL, Path: "/email/send", Retries: 3})
	require.NoError(t, err)

	_, err = ex.Execute(context.Background(), "send_email", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
	// A definitive rejection is not retried.
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPExecutorRetriesThrottling(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(Result{MessageID: "after-throttle"})
	}))
	defer srv.Close()

	ex, err := NewHTTPExecutor(HTTPExecutorConfig{BaseURL: srv.URL, Path: "/email/send", Retries: 2})
	require.NoError(t, err)

	result, err := ex.Execute(context.Background(), "send_email", nil)
	require.NoError(t, err)
	assert.Equal(t, "after-throttle", result.MessageID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHTTPExecutorHonorsContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ex, err := NewHTTPExecutor(HTTPExecutorConfig{BaseURL: srv.URL, Path: "/email/send", Retries: 5})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = ex.Execute(ctx, "send_email", nil)
	assert.Error(t, err)
}

func TestNewHTTPExecutorValidation(t *testing.T) {
	_, err := NewHTTPExecutor(HTTPExecutorConfig{Path: "/x"})
	assert.Error(t, err)
	_, err = NewHTTPExecutor(HTTPExecutorConfig{BaseURL: "http://x"})
	assert.Error(t, err)
}
