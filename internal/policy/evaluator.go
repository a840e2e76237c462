package policy

import (
	"fmt"

	"github.com/stewardai/governor/internal/models"
)

// DefaultHoldMinutes applies when a hold_queue tool does not declare its own
// hold duration.
const DefaultHoldMinutes = 30

// Evaluator maps (tool policy, autonomy mode, execution context) to a
// decision. It is pure: no state, no clock, no I/O.
type Evaluator struct {
	hardDeny       map[string]struct{}
	backgroundDeny map[string]struct{}
}

// New builds an Evaluator with the given deny sets. Hard-denied tools are
// refused unconditionally; background-denied tools are refused whenever the
// context is a background cycle, even when pre-approved.
func New(hardDeny, backgroundDeny []string) *Evaluator {
	e := &Evaluator{
		hardDeny:       make(map[string]struct{}, len(hardDeny)),
		backgroundDeny: make(map[string]struct{}, len(backgroundDeny)),
	}
	for _, name := range hardDeny {
		e.hardDeny[name] = struct{}{}
	}
	for _, name := range backgroundDeny {
		e.backgroundDeny[name] = struct{}{}
	}
	return e
}

// Evaluate applies the rules in fixed order: hard deny, background deny,
// pre-approval override, then the mode/level table. Background deny runs
// before the pre-approval override: a pre-approved tool still cannot run
// from a background cycle.
func (e *Evaluator) Evaluate(tool models.ToolPolicy, mode models.AutonomyMode, ctx models.ExecutionContext) (models.PolicyDecision, error) {
	if !mode.Valid() {
		return models.PolicyDecision{}, fmt.Errorf("invalid autonomy mode %q", mode)
	}
	if !tool.PolicyLevel.Valid() {
		return models.PolicyDecision{}, fmt.Errorf("tool %q has invalid policy level %q", tool.Name, tool.PolicyLevel)
	}

	if _, ok := e.hardDeny[tool.Name]; ok {
		return decision(models.ActionDeny, fmt.Sprintf("tool %q is hard-denied", tool.Name), 0), nil
	}
	if ctx.IsBackground {
		if _, ok := e.backgroundDeny[tool.Name]; ok {
			return decision(models.ActionDeny, fmt.Sprintf("tool %q is denied in background cycles", tool.Name), 0), nil
		}
	}
	if (ctx.UserApproved || ctx.HoldQueueApproved) && tool.PolicyLevel != models.LevelNever {
		return decision(models.ActionExecute, "user pre-approved", 0), nil
	}

	action := tableLookup(mode, tool.PolicyLevel)
	holdMinutes := 0
	if action == models.ActionHold {
		holdMinutes = DefaultHoldMinutes
		if tool.HoldMinutes != nil && *tool.HoldMinutes >= 0 {
			holdMinutes = *tool.HoldMinutes
		}
	}
	reason := fmt.Sprintf("%s in %s mode: %s", tool.PolicyLevel, mode, action)
	return decision(action, reason, holdMinutes), nil
}

func decision(action models.DecisionAction, reason string, holdMinutes int) models.PolicyDecision {
	return models.PolicyDecision{
		Permitted:   action == models.ActionExecute || action == models.ActionHold,
		Action:      action,
		Reason:      reason,
		HoldMinutes: holdMinutes,
	}
}

// tableLookup covers all 15 (mode, level) combinations. Both switches carry
// a panicking default so an unhandled enum value fails loudly instead of
// falling through to an undefined action; the pairing test walks the full
// cross product.
func tableLookup(mode models.AutonomyMode, level models.PolicyLevel) models.DecisionAction {
	switch level {
	case models.LevelAlwaysAllowed:
		return models.ActionExecute
	case models.LevelAutoExecute:
		switch mode {
		case models.ModeObserve:
			return models.ActionDeny
		case models.ModeMaintain, models.ModeAct:
			return models.ActionExecute
		}
	case models.LevelHoldQueue:
		switch mode {
		case models.ModeObserve:
			return models.ActionDeny
		case models.ModeMaintain:
			return models.ActionEscalate
		case models.ModeAct:
			return models.ActionHold
		}
	case models.LevelRequiresApproval:
		switch mode {
		case models.ModeObserve:
			return models.ActionDeny
		case models.ModeMaintain, models.ModeAct:
			return models.ActionEscalate
		}
	case models.LevelNever:
		return models.ActionDeny
	}
	panic(fmt.Sprintf("policy table not defined for mode=%q level=%q", mode, level))
}

// Capabilities describes, for display purposes, what an autonomy mode lets
// the agent do across the catalogue's policy levels.
type Capabilities struct {
	Mode      models.AutonomyMode `json:"mode"`
	CanDo     []string            `json:"canDo"`
	CannotDo  []string            `json:"cannotDo"`
	HoldQueue []string            `json:"holdQueue"`
}

var levelDescriptions = map[models.PolicyLevel]string{
	models.LevelAlwaysAllowed:    "read-only and informational tools",
	models.LevelAutoExecute:      "routine low-risk actions",
	models.LevelHoldQueue:        "reversible outbound actions",
	models.LevelRequiresApproval: "high-impact actions requiring explicit approval",
	models.LevelNever:            "forbidden actions",
}

var allLevels = []models.PolicyLevel{
	models.LevelAlwaysAllowed,
	models.LevelAutoExecute,
	models.LevelHoldQueue,
	models.LevelRequiresApproval,
	models.LevelNever,
}

// DescribeCapabilities derives the capability summary from the same decision
// table that Evaluate uses, grouped by resulting action.
func (e *Evaluator) DescribeCapabilities(mode models.AutonomyMode) (Capabilities, error) {
	if !mode.Valid() {
		return Capabilities{}, fmt.Errorf("invalid autonomy mode %q", mode)
	}
	caps := Capabilities{Mode: mode}
	for _, level := range allLevels {
		desc := levelDescriptions[level]
		switch tableLookup(mode, level) {
		case models.ActionExecute:
			caps.CanDo = append(caps.CanDo, desc)
		case models.ActionHold:
			caps.HoldQueue = append(caps.HoldQueue, desc)
		case models.ActionEscalate, models.ActionDeny:
			caps.CannotDo = append(caps.CannotDo, desc)
		}
	}
	return caps, nil
}
