package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardai/governor/internal/models"
)

func tool(level models.PolicyLevel) models.ToolPolicy {
	return models.ToolPolicy{Name: "test_tool", Category: "test", PolicyLevel: level}
}

func TestDecisionTableAllCombinations(t *testing.T) {
	expected := map[models.AutonomyMode]map[models.PolicyLevel]models.DecisionAction{
		models.ModeObserve: {
			models.LevelAlwaysAllowed:    models.ActionExecute,
			models.LevelAutoExecute:      models.ActionDeny,
			models.LevelHoldQueue:        models.ActionDeny,
			models.LevelRequiresApproval: models.ActionDeny,
			models.LevelNever:            models.ActionDeny,
		},
		models.ModeMaintain: {
			models.LevelAlwaysAllowed:    models.ActionExecute,
			models.LevelAutoExecute:      models.ActionExecute,
			models.LevelHoldQueue:        models.ActionEscalate,
			models.LevelRequiresApproval: models.ActionEscalate,
			models.LevelNever:            models.ActionDeny,
		},
		models.ModeAct: {
			models.LevelAlwaysAllowed:    models.ActionExecute,
			models.LevelAutoExecute:      models.ActionExecute,
			models.LevelHoldQueue:        models.ActionHold,
			models.LevelRequiresApproval: models.ActionEscalate,
			models.LevelNever:            models.ActionDeny,
		},
	}

	e := New(nil, nil)
	for mode, levels := range expected {
		for level, want := range levels {
			decision, err := e.Evaluate(tool(level), mode, models.ExecutionContext{})
			require.NoError(t, err, "mode=%s level=%s", mode, level)
			assert.Equal(t, want, decision.Action, "mode=%s level=%s", mode, level)
			wantPermitted := want == models.ActionExecute || want == models.ActionHold
			assert.Equal(t, wantPermitted, decision.Permitted, "mode=%s level=%s", mode, level)
		}
	}
}

func TestHardDenyWinsOverEverything(t *testing.T) {
	e := New([]string{"delete_repo"}, nil)
	bad := models.ToolPolicy{Name: "delete_repo", PolicyLevel: models.LevelAlwaysAllowed}

	decision, err := e.Evaluate(bad, models.ModeAct, models.ExecutionContext{UserApproved: true})
	require.NoError(t, err)
	assert.Equal(t, models.ActionDeny, decision.Action)
	assert.False(t, decision.Permitted)
	assert.Contains(t, decision.Reason, "hard-denied")
}

func TestBackgroundDeny(t *testing.T) {
	e := New(nil, []string{"send_email"})
	emailTool := models.ToolPolicy{Name: "send_email", PolicyLevel: models.LevelHoldQueue}

	for _, mode := range []models.AutonomyMode{models.ModeObserve, models.ModeMaintain, models.ModeAct} {
		decision, err := e.Evaluate(emailTool, mode, models.ExecutionContext{IsBackground: true})
		require.NoError(t, err)
		assert.Equal(t, models.ActionDeny, decision.Action, "mode=%s", mode)
	}

	// The same tool is permitted interactively.
	decision, err := e.Evaluate(emailTool, models.ModeAct, models.ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ActionHold, decision.Action)
}

func TestBackgroundDenyBeatsPreApproval(t *testing.T) {
	e := New(nil, []string{"send_email"})
	emailTool := models.ToolPolicy{Name: "send_email", PolicyLevel: models.LevelHoldQueue}

	decision, err := e.Evaluate(emailTool, models.ModeAct, models.ExecutionContext{
		IsBackground: true,
		UserApproved: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ActionDeny, decision.Action)
}

func TestPreApprovalForcesExecute(t *testing.T) {
	e := New(nil, nil)
	for _, level := range []models.PolicyLevel{
		models.LevelAlwaysAllowed,
		models.LevelAutoExecute,
		models.LevelHoldQueue,
		models.LevelRequiresApproval,
	} {
		for _, ctx := range []models.ExecutionContext{
			{UserApproved: true},
			{HoldQueueApproved: true},
		} {
			decision, err := e.Evaluate(tool(level), models.ModeObserve, ctx)
			require.NoError(t, err)
			assert.Equal(t, models.ActionExecute, decision.Action, "level=%s", level)
			assert.Equal(t, "user pre-approved", decision.Reason)
		}
	}
}

func TestPreApprovalDoesNotOverrideNever(t *testing.T) {
	e := New(nil, nil)
	decision, err := e.Evaluate(tool(models.LevelNever), models.ModeAct, models.ExecutionContext{UserApproved: true})
	require.NoError(t, err)
	assert.Equal(t, models.ActionDeny, decision.Action)
}

func TestHoldMinutes(t *testing.T) {
	e := New(nil, nil)

	decision, err := e.Evaluate(tool(models.LevelHoldQueue), models.ModeAct, models.ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, DefaultHoldMinutes, decision.HoldMinutes)

	five := 5
	custom := models.ToolPolicy{Name: "jira_status", PolicyLevel: models.LevelHoldQueue, HoldMinutes: &five}
	decision, err = e.Evaluate(custom, models.ModeAct, models.ExecutionContext{IsBackground: false})
	require.NoError(t, err)
	assert.True(t, decision.Permitted)
	assert.Equal(t, models.ActionHold, decision.Action)
	assert.Equal(t, 5, decision.HoldMinutes)
}

func TestEvaluateRejectsInvalidInputs(t *testing.T) {
	e := New(nil, nil)

	_, err := e.Evaluate(tool(models.LevelHoldQueue), "turbo", models.ExecutionContext{})
	assert.Error(t, err)

	_, err = e.Evaluate(models.ToolPolicy{Name: "x", PolicyLevel: "sometimes"}, models.ModeAct, models.ExecutionContext{})
	assert.Error(t, err)
}

func TestDescribeCapabilities(t *testing.T) {
	e := New(nil, nil)

	caps, err := e.DescribeCapabilities(models.ModeAct)
	require.NoError(t, err)
	assert.Equal(t, models.ModeAct, caps.Mode)
	assert.Len(t, caps.CanDo, 2)
	assert.Len(t, caps.HoldQueue, 1)
	assert.Len(t, caps.CannotDo, 2)

	caps, err = e.DescribeCapabilities(models.ModeObserve)
	require.NoError(t, err)
	assert.Len(t, caps.CanDo, 1)
	assert.Empty(t, caps.HoldQueue)
	assert.Len(t, caps.CannotDo, 4)

	_, err = e.DescribeCapabilities("yolo")
	assert.Error(t, err)
}
