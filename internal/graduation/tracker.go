package graduation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/stewardai/governor/internal/models"
	"github.com/stewardai/governor/internal/store"
)

// Hold durations by tier, in minutes. Tier 3 releases immediately.
var tierHoldMinutes = map[int]int{
	0: 30,
	1: 15,
	2: 5,
	3: 0,
}

// Consecutive-approval thresholds for each tier.
const (
	tier1Threshold = 5
	tier2Threshold = 10
	tier3Threshold = 20
)

const casAttempts = 5

// Tracker maintains the per (project, actionType) trust counter. Tier is a
// ratchet: approvals can raise it, nothing lowers it.
type Tracker struct {
	store store.Store
}

func New(st store.Store) *Tracker {
	return &Tracker{store: st}
}

func thresholdTier(consecutiveApprovals int) int {
	switch {
	case consecutiveApprovals >= tier3Threshold:
		return 3
	case consecutiveApprovals >= tier2Threshold:
		return 2
	case consecutiveApprovals >= tier1Threshold:
		return 1
	default:
		return 0
	}
}

// RecordApproval increments the consecutive-approval counter and recomputes
// the tier, never below its previous value.
func (t *Tracker) RecordApproval(ctx context.Context, projectID, actionType string) (models.GraduationState, error) {
	return t.update(ctx, projectID, actionType, func(state *models.GraduationState, now time.Time) {
		state.ConsecutiveApprovals++
		newTier := thresholdTier(state.ConsecutiveApprovals)
		if newTier > state.Tier {
			log.Printf("[graduation] project=%s actionType=%s tier %d -> %d (%d consecutive approvals)",
				projectID, actionType, state.Tier, newTier, state.ConsecutiveApprovals)
			state.Tier = newTier
		}
		state.LastApprovalAt = &now
	})
}

// RecordCancellation resets the counter to zero. The tier stays where it is.
func (t *Tracker) RecordCancellation(ctx context.Context, projectID, actionType string) (models.GraduationState, error) {
	return t.update(ctx, projectID, actionType, func(state *models.GraduationState, now time.Time) {
		state.ConsecutiveApprovals = 0
		state.LastCancellationAt = &now
	})
}

func (t *Tracker) update(ctx context.Context, projectID, actionType string, mutate func(*models.GraduationState, time.Time)) (models.GraduationState, error) {
	if projectID == "" || actionType == "" {
		return models.GraduationState{}, fmt.Errorf("projectId and actionType required")
	}
	now := time.Now().UTC()
	for attempt := 0; attempt < casAttempts; attempt++ {
		state, err := t.store.GetGraduationState(ctx, projectID, actionType)
		var expectedVersion int64
		switch {
		case err == nil:
			expectedVersion = state.Version
		case errors.Is(err, store.ErrNotFound):
			// Lazily created on first approval/cancellation, tier 0.
			state = models.GraduationState{ProjectID: projectID, ActionType: actionType}
		default:
			return models.GraduationState{}, fmt.Errorf("read graduation state: %w", err)
		}

		mutate(&state, now)

		out, err := t.store.CompareAndSwapGraduation(ctx, state, expectedVersion)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return models.GraduationState{}, fmt.Errorf("write graduation state: %w", err)
		}
	}
	return models.GraduationState{}, fmt.Errorf("graduation update for %s/%s: contention exceeded %d attempts", projectID, actionType, casAttempts)
}

// HoldTime returns the hold duration in minutes for the pair's current tier.
// baseMinutes is the tool's own hold duration; tiers below 3 never shorten a
// hold that is already shorter than the tier's duration, and tier 3 is
// always immediate.
func (t *Tracker) HoldTime(ctx context.Context, projectID, actionType string, baseMinutes int) (int, error) {
	state, err := t.store.GetGraduationState(ctx, projectID, actionType)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return baseMinutes, nil
		}
		return 0, fmt.Errorf("read graduation state: %w", err)
	}
	tierMinutes, ok := tierHoldMinutes[state.Tier]
	if !ok {
		return baseMinutes, nil
	}
	if state.Tier == 3 {
		return 0, nil
	}
	if tierMinutes < baseMinutes {
		return tierMinutes, nil
	}
	return baseMinutes, nil
}
