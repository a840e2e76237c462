package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Result reports what a side effect produced. MessageID is set by handlers
// whose downstream returns one (email); CostUsd is the execution cost the
// budget ledger should be debited with, zero when the integration is free.
type Result struct {
	MessageID string  `json:"messageId,omitempty"`
	CostUsd   float64 `json:"costUsd,omitempty"`
}

// Executor performs the concrete side effect for one action type.
type Executor interface {
	Execute(ctx context.Context, actionType string, payload json.RawMessage) (Result, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, actionType string, payload json.RawMessage) (Result, error)

func (f Func) Execute(ctx context.Context, actionType string, payload json.RawMessage) (Result, error) {
	return f(ctx, actionType, payload)
}

// Dispatcher routes by action type to registered executors.
type Dispatcher struct {
	handlers map[string]Executor
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[string]Executor{}}
}

func (d *Dispatcher) Register(actionType string, ex Executor) {
	d.handlers[actionType] = ex
}

func (d *Dispatcher) Execute(ctx context.Context, actionType string, payload json.RawMessage) (Result, error) {
	ex, ok := d.handlers[actionType]
	if !ok {
		return Result{}, fmt.Errorf("no executor registered for action type %q", actionType)
	}
	return ex.Execute(ctx, actionType, payload)
}

// HTTPExecutorConfig configures an integration-backed executor that POSTs
// the action payload to a remote endpoint.
type HTTPExecutorConfig struct {
	BaseURL    string
	Path       string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPExecutor delivers payloads to an integration service (the email
// sender, the Jira adapter) over HTTP with bounded retries.
type HTTPExecutor struct {
	baseURL string
	path    string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPExecutor(cfg HTTPExecutorConfig) (*HTTPExecutor, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("executor base url required")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("executor path required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPExecutor{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    cfg.Path,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (e *HTTPExecutor) Execute(ctx context.Context, actionType string, payload json.RawMessage) (Result, error) {
	body, err := json.Marshal(map[string]interface{}{
		"actionType": actionType,
		"payload":    json.RawMessage(ensurePayload(payload)),
	})
	if err != nil {
		return Result{}, fmt.Errorf("executor marshal request: %w", err)
	}

	attempts := e.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.baseURL+e.path, bytes.NewReader(body))
		if err != nil {
			cancel()
			return Result{}, fmt.Errorf("executor build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := e.client.Do(httpReq)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			result, parseErr := decodeResult(resp)
			resp.Body.Close()
			if parseErr == nil {
				return result, nil
			}
			lastErr = parseErr
			var rejected *rejectedError
			if errors.As(parseErr, &rejected) {
				break
			}
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return Result{}, fmt.Errorf("execute %s failed: %w", actionType, lastErr)
}

// rejectedError marks a response the integration will keep giving for this
// request; retrying cannot change it.
type rejectedError struct {
	status string
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("integration rejected request: %s", e.status)
}

func decodeResult(resp *http.Response) (Result, error) {
	switch {
	case resp.StatusCode >= 500:
		return Result{}, fmt.Errorf("integration unavailable: %s", resp.Status)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, fmt.Errorf("integration busy: %s", resp.Status)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return Result{}, &rejectedError{status: resp.Status}
	}
	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("integration decode response: %w", err)
	}
	return result, nil
}

func ensurePayload(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("{}")
	}
	return payload
}
