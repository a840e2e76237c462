package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/stewardai/governor/internal/audit"
	"github.com/stewardai/governor/internal/budget"
	"github.com/stewardai/governor/internal/catalog"
	"github.com/stewardai/governor/internal/executor"
	"github.com/stewardai/governor/internal/graduation"
	"github.com/stewardai/governor/internal/holdqueue"
	"github.com/stewardai/governor/internal/models"
	"github.com/stewardai/governor/internal/policy"
)

// Service runs a proposed action through policy evaluation and carries the
// decision out: execute now, park in the hold queue, escalate, or deny.
type Service struct {
	catalog   *catalog.Catalog
	evaluator *policy.Evaluator
	queue     *holdqueue.Queue
	tracker   *graduation.Tracker
	ledger    *budget.Ledger
	executor  executor.Executor
	recorder  audit.Recorder
}

func New(cat *catalog.Catalog, eval *policy.Evaluator, queue *holdqueue.Queue, tracker *graduation.Tracker, ledger *budget.Ledger, ex executor.Executor, recorder audit.Recorder) *Service {
	if recorder == nil {
		recorder = audit.LogRecorder{}
	}
	return &Service{
		catalog:   cat,
		evaluator: eval,
		queue:     queue,
		tracker:   tracker,
		ledger:    ledger,
		executor:  ex,
		recorder:  recorder,
	}
}

// Proposal outcomes.
const (
	OutcomeExecuted  = "executed"
	OutcomeHeld      = "held"
	OutcomeEscalated = "escalated"
	OutcomeDenied    = "denied"
)

type ProposeRequest struct {
	ToolName   string                  `json:"toolName"`
	ProjectID  string                  `json:"projectId"`
	ActionType string                  `json:"actionType"`
	Payload    json.RawMessage         `json:"payload"`
	Mode       models.AutonomyMode     `json:"mode"`
	Context    models.ExecutionContext `json:"context"`
}

type ProposeResult struct {
	Outcome    string                `json:"outcome"`
	Decision   models.PolicyDecision `json:"decision"`
	HeldAction *models.HeldAction    `json:"heldAction,omitempty"`
	Execution  *executor.Result      `json:"execution,omitempty"`
}

// Evaluate resolves the tool from the catalogue and runs the policy table.
func (s *Service) Evaluate(toolName string, mode models.AutonomyMode, ctx models.ExecutionContext) (models.PolicyDecision, error) {
	tool, ok := s.catalog.Lookup(toolName)
	if !ok {
		return models.PolicyDecision{}, fmt.Errorf("unknown tool %q", toolName)
	}
	return s.evaluator.Evaluate(tool, mode, ctx)
}

// Propose evaluates the action and carries out the resulting decision. An
// execute decision degrades to a hold when the budget is in its highest
// degradation tier, so a near-exhausted budget slows the agent down instead
// of letting it spend to the ceiling unobserved.
func (s *Service) Propose(ctx context.Context, req ProposeRequest) (ProposeResult, error) {
	if req.ProjectID == "" || req.ActionType == "" {
		return ProposeResult{}, fmt.Errorf("projectId and actionType required")
	}
	decision, err := s.Evaluate(req.ToolName, req.Mode, req.Context)
	if err != nil {
		return ProposeResult{}, err
	}
	s.recorder.Record(ctx, audit.NewEvent(audit.EventDecisionMade, req.ProjectID, "", map[string]interface{}{
		"toolName": req.ToolName,
		"mode":     req.Mode,
		"decision": decision,
	}))

	switch decision.Action {
	case models.ActionExecute:
		if s.degraded(ctx) {
			return s.hold(ctx, req, decision, policy.DefaultHoldMinutes)
		}
		result, err := s.executor.Execute(ctx, req.ActionType, req.Payload)
		if err != nil {
			return ProposeResult{}, fmt.Errorf("execute %s: %w", req.ActionType, err)
		}
		s.debit(ctx, req.ProjectID, result.CostUsd)
		return ProposeResult{Outcome: OutcomeExecuted, Decision: decision, Execution: &result}, nil

	case models.ActionHold:
		return s.hold(ctx, req, decision, decision.HoldMinutes)

	case models.ActionEscalate:
		s.recorder.Record(ctx, audit.NewEvent(audit.EventActionEscalated, req.ProjectID, "", map[string]string{
			"toolName":   req.ToolName,
			"actionType": req.ActionType,
			"reason":     decision.Reason,
		}))
		return ProposeResult{Outcome: OutcomeEscalated, Decision: decision}, nil

	case models.ActionDeny:
		return ProposeResult{Outcome: OutcomeDenied, Decision: decision}, nil
	}
	return ProposeResult{}, fmt.Errorf("unhandled decision action %q", decision.Action)
}

func (s *Service) hold(ctx context.Context, req ProposeRequest, decision models.PolicyDecision, baseMinutes int) (ProposeResult, error) {
	minutes, err := s.tracker.HoldTime(ctx, req.ProjectID, req.ActionType, baseMinutes)
	if err != nil {
		return ProposeResult{}, fmt.Errorf("compute hold time: %w", err)
	}
	action, err := s.queue.Create(ctx, req.ProjectID, req.ActionType, req.Payload, minutes)
	if err != nil {
		return ProposeResult{}, fmt.Errorf("create held action: %w", err)
	}
	decision.Action = models.ActionHold
	decision.Permitted = true
	decision.HoldMinutes = minutes
	return ProposeResult{Outcome: OutcomeHeld, Decision: decision, HeldAction: &action}, nil
}

func (s *Service) degraded(ctx context.Context) bool {
	status, err := s.ledger.Status(ctx)
	if err != nil {
		log.Printf("[service] budget status: %v", err)
		return false
	}
	return status.DegradationTier >= 3
}

func (s *Service) debit(ctx context.Context, projectID string, costUsd float64) {
	if costUsd <= 0 {
		return
	}
	if _, err := s.ledger.RecordSpend(ctx, costUsd); err != nil {
		var exceeded *budget.ExceededError
		if errors.As(err, &exceeded) {
			s.recorder.Record(ctx, audit.NewEvent(audit.EventBudgetRejected, projectID, "", map[string]interface{}{
				"costUsd": costUsd,
				"error":   exceeded.Error(),
			}))
		}
		log.Printf("[service] debit %.4f for project %s: %v", costUsd, projectID, err)
	}
}
