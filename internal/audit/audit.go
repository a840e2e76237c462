package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// Governance event types.
const (
	EventDecisionMade    = "governance.decision"
	EventActionHeld      = "governance.action.held"
	EventActionApproved  = "governance.action.approved"
	EventActionCancelled = "governance.action.cancelled"
	EventActionExecuted  = "governance.action.executed"
	EventActionEscalated = "governance.action.escalated"
	EventReleaseFailed   = "governance.release.failed"
	EventBudgetRejected  = "governance.budget.rejected"
)

// Event is one governance audit record. Payload carries event-specific
// detail (the decision, the held action snapshot, the error).
type Event struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	ProjectID string          `json:"projectId,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Ts        time.Time       `json:"ts"`
}

// NewEvent builds an Event with a fresh id and timestamp; payload is
// marshalled best-effort (a marshal failure leaves Payload empty rather than
// losing the event).
func NewEvent(eventType, projectID, actor string, payload interface{}) Event {
	ev := Event{
		ID:        uuid.New().String(),
		EventType: eventType,
		ProjectID: projectID,
		Actor:     actor,
		Ts:        time.Now().UTC(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			log.Printf("[audit] marshal payload for %s: %v", eventType, err)
		} else {
			ev.Payload = b
		}
	}
	return ev
}

// Recorder receives governance events. Recording is best-effort: a failed
// record must never fail the governed operation, so implementations log and
// swallow transport errors.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// LogRecorder writes events to the process log. The default when no Kafka
// brokers are configured.
type LogRecorder struct{}

func (LogRecorder) Record(ctx context.Context, ev Event) {
	log.Printf("[audit] %s project=%s actor=%s id=%s", ev.EventType, ev.ProjectID, ev.Actor, ev.ID)
}

// MultiRecorder fans one event out to several recorders.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(ctx context.Context, ev Event) {
	for _, r := range m {
		r.Record(ctx, ev)
	}
}
