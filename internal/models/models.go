package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AutonomyMode is the operator-selected ceiling on how independently the
// agent may act.
type AutonomyMode string

const (
	ModeObserve  AutonomyMode = "observe"
	ModeMaintain AutonomyMode = "maintain"
	ModeAct      AutonomyMode = "act"
)

func (m AutonomyMode) Valid() bool {
	switch m {
	case ModeObserve, ModeMaintain, ModeAct:
		return true
	}
	return false
}

// PolicyLevel classifies how sensitive invoking a tool is.
type PolicyLevel string

const (
	LevelAlwaysAllowed    PolicyLevel = "always_allowed"
	LevelAutoExecute      PolicyLevel = "auto_execute"
	LevelHoldQueue        PolicyLevel = "hold_queue"
	LevelRequiresApproval PolicyLevel = "requires_approval"
	LevelNever            PolicyLevel = "never"
)

func (l PolicyLevel) Valid() bool {
	switch l {
	case LevelAlwaysAllowed, LevelAutoExecute, LevelHoldQueue, LevelRequiresApproval, LevelNever:
		return true
	}
	return false
}

// DecisionAction is the outcome of a policy evaluation.
type DecisionAction string

const (
	ActionExecute  DecisionAction = "execute"
	ActionHold     DecisionAction = "hold"
	ActionEscalate DecisionAction = "escalate"
	ActionDeny     DecisionAction = "deny"
)

// ToolPolicy is immutable catalogue data describing one tool.
type ToolPolicy struct {
	Name        string      `json:"name"`
	Category    string      `json:"category"`
	PolicyLevel PolicyLevel `json:"policyLevel"`
	HoldMinutes *int        `json:"holdMinutes,omitempty"`
}

// ExecutionContext is supplied per evaluate call and never persisted.
type ExecutionContext struct {
	IsBackground      bool `json:"isBackground"`
	UserApproved      bool `json:"userApproved"`
	HoldQueueApproved bool `json:"holdQueueApproved"`
}

// PolicyDecision is the value computed fresh on each evaluate call.
type PolicyDecision struct {
	Permitted   bool           `json:"permitted"`
	Action      DecisionAction `json:"action"`
	Reason      string         `json:"reason"`
	HoldMinutes int            `json:"holdMinutes,omitempty"`
}

// HeldActionStatus is the lifecycle state of a held action. A record leaves
// pending exactly once, to exactly one of the terminal states.
type HeldActionStatus string

const (
	HeldPending   HeldActionStatus = "pending"
	HeldApproved  HeldActionStatus = "approved"
	HeldCancelled HeldActionStatus = "cancelled"
	HeldExecuted  HeldActionStatus = "executed"
)

func (s HeldActionStatus) Terminal() bool {
	return s == HeldApproved || s == HeldCancelled || s == HeldExecuted
}

// HeldAction is one deferred action awaiting release, approval, or
// cancellation. Records are never deleted; retention is external.
type HeldAction struct {
	ID           uuid.UUID        `json:"id"`
	ProjectID    string           `json:"projectId"`
	ActionType   string           `json:"actionType"`
	Payload      json.RawMessage  `json:"payload"`
	HeldUntil    time.Time        `json:"heldUntil"`
	Status       HeldActionStatus `json:"status"`
	CreatedAt    time.Time        `json:"createdAt"`
	ApprovedAt   *time.Time       `json:"approvedAt,omitempty"`
	CancelledAt  *time.Time       `json:"cancelledAt,omitempty"`
	ExecutedAt   *time.Time       `json:"executedAt,omitempty"`
	CancelReason string           `json:"cancelReason,omitempty"`
	DecidedBy    string           `json:"decidedBy,omitempty"`
}

// GraduationState is the per (project, actionType) trust counter. Tier only
// moves up; cancellations reset the counter but never demote the tier.
type GraduationState struct {
	ProjectID            string     `json:"projectId"`
	ActionType           string     `json:"actionType"`
	ConsecutiveApprovals int        `json:"consecutiveApprovals"`
	Tier                 int        `json:"tier"`
	LastApprovalAt       *time.Time `json:"lastApprovalAt,omitempty"`
	LastCancellationAt   *time.Time `json:"lastCancellationAt,omitempty"`
	Version              int64      `json:"-"`
}

// BudgetRecord is the singleton ledger row. Both periods live in one record
// so a debit updates daily and monthly spend in a single conditional write.
type BudgetRecord struct {
	DailySpendUsd   float64   `json:"dailySpendUsd"`
	MonthlySpendUsd float64   `json:"monthlySpendUsd"`
	PeriodDate      string    `json:"periodDate"`  // YYYY-MM-DD
	PeriodMonth     string    `json:"periodMonth"` // YYYY-MM
	Version         int64     `json:"-"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// BudgetStatus is the caller-facing view of the ledger.
type BudgetStatus struct {
	DailySpendUsd   float64 `json:"dailySpendUsd"`
	DailyLimitUsd   float64 `json:"dailyLimitUsd"`
	MonthlySpendUsd float64 `json:"monthlySpendUsd"`
	MonthlyLimitUsd float64 `json:"monthlyLimitUsd"`
	DegradationTier int     `json:"degradationTier"`
	PeriodDate      string  `json:"periodDate"`
	PeriodMonth     string  `json:"periodMonth"`
}
